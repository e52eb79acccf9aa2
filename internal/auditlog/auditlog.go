// Package auditlog is an optional write-behind audit sink for the
// tracker: every state-changing request appends a row to Postgres.
// It is never read back to reconstruct tracker state — the tracker
// stays stateless across restarts (spec §4.2) regardless of whether
// a sink is configured. Grounded on the teacher's internal/db (same
// sql.Open("postgres", ...) + connection pool shape).
package auditlog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/golang/glog"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tracker_events (
	id         BIGSERIAL PRIMARY KEY,
	at         TIMESTAMPTZ NOT NULL,
	verb       TEXT NOT NULL,
	username   TEXT NOT NULL,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL,
	result     TEXT NOT NULL
)`

// Sink writes audit events to a Postgres table. The zero value is not
// usable; construct with Open.
type Sink struct {
	db *sql.DB
}

// Open connects to dsn and ensures the tracker_events table exists.
func Open(dsn string) (*Sink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditlog: create table: %w", err)
	}

	glog.Info("auditlog: connected, tracker audit trail enabled")
	return &Sink{db: db}, nil
}

// Record appends one audit row. Failures are logged, not propagated —
// the audit trail is best-effort. The insert runs synchronously, so
// Record blocks its caller until the database answers; the tracker
// calls it only after releasing its state lock.
func (s *Sink) Record(verb, username, host string, port int, result string) {
	if s == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO tracker_events (at, verb, username, host, port, result) VALUES ($1, $2, $3, $4, $5, $6)`,
		time.Now(), verb, username, host, port, result,
	)
	if err != nil {
		glog.Warningf("auditlog: record %s for %s failed: %v", verb, username, err)
	}
}

// Close closes the underlying connection pool.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
