// Package tracker implements the single authority for peer membership
// and the file→seeders index (spec §4.2). It is stateless across
// restarts: all authoritative state lives in memory and is rebuilt
// entirely from REGISTER traffic after a restart.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chunkswarm/chunkswarm/internal/peerid"
	"github.com/chunkswarm/chunkswarm/internal/trackerproto"
)

// Default tuning values (spec §6).
const (
	DefaultPeerLimit   = 10
	DefaultPeerTimeout = 30 * time.Second
	DefaultSweepPeriod = 15 * time.Second
)

// AuditRecorder receives a write-behind audit event for every
// state-changing request. It never feeds back into tracker state (see
// SPEC_FULL.md's lib/pq section) — restart-statelessness is
// unaffected by whether one is configured.
type AuditRecorder interface {
	Record(verb, username, host string, port int, result string)
}

type noopAudit struct{}

func (noopAudit) Record(string, string, string, int, string) {}

// peerRecord is the tracker-side view of one registered peer (spec §3).
type peerRecord struct {
	id           string
	addr         trackerproto.PeerAddress
	username     string
	kind         string // "seeder" or "leecher"
	lastActivity time.Time
	files        []trackerproto.FileEntry
}

// repoEntry is one seeder's advertisement of one file (spec §3).
type repoEntry struct {
	peerID   string
	addr     trackerproto.PeerAddress
	size     int64
	digest   string
}

func addrKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// Tracker holds the membership table and file→seeders index behind a
// single coarse lock (spec §4.2, §5: "simple, sufficient" given
// O(peers) state sizes).
type Tracker struct {
	mu sync.Mutex

	peers     map[string]*peerRecord // keyed by addrKey(host,port)
	usernames map[string]string      // username -> addrKey, for uniqueness enforcement
	repo      map[string][]repoEntry // filename -> seeder entries

	peerLimit   int
	peerTimeout time.Duration

	audit AuditRecorder
}

// New creates a Tracker with the given admission limit and inactivity
// timeout. A zero/negative value selects the spec's default.
func New(peerLimit int, peerTimeout time.Duration) *Tracker {
	if peerLimit <= 0 {
		peerLimit = DefaultPeerLimit
	}
	if peerTimeout <= 0 {
		peerTimeout = DefaultPeerTimeout
	}
	return &Tracker{
		peers:       make(map[string]*peerRecord),
		usernames:   make(map[string]string),
		repo:        make(map[string][]repoEntry),
		peerLimit:   peerLimit,
		peerTimeout: peerTimeout,
		audit:       noopAudit{},
	}
}

// SetAuditRecorder installs an optional audit sink; pass nil to
// disable (the default).
func (t *Tracker) SetAuditRecorder(a AuditRecorder) {
	if a == nil {
		a = noopAudit{}
	}
	t.mu.Lock()
	t.audit = a
	t.mu.Unlock()
}

// removePeerLocked deletes a peer record and every repository entry
// it contributed, cascading filename removal when it was the last
// seeder (spec §3 FileRepository invariant ii). Caller must hold t.mu.
func (t *Tracker) removePeerLocked(key string) {
	rec, ok := t.peers[key]
	if !ok {
		return
	}
	delete(t.peers, key)
	if t.usernames[rec.username] == key {
		delete(t.usernames, rec.username)
	}
	for filename, entries := range t.repo {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.peerID != rec.id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(t.repo, filename)
		} else {
			t.repo[filename] = kept
		}
	}
}

// applyFileSetLocked replaces rec's advertised files with entries,
// rejecting any entry whose (size, digest) conflicts with another
// seeder's existing advertisement for the same filename (spec §9,
// "metadata divergence" — enforce consistency at write time). Caller
// must hold t.mu.
func (t *Tracker) applyFileSetLocked(rec *peerRecord, entries []trackerproto.FileEntry) (accepted []trackerproto.FileEntry, conflicts []int) {
	// Remove this peer's prior contributions before re-adding, so a
	// file it stops advertising is fully dropped.
	for filename, es := range t.repo {
		kept := es[:0:0]
		for _, e := range es {
			if e.peerID != rec.id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(t.repo, filename)
		} else {
			t.repo[filename] = kept
		}
	}

	for i, e := range entries {
		if others := t.repo[e.Filename]; len(others) > 0 {
			first := others[0]
			if first.size != e.Size || first.digest != e.Checksum {
				conflicts = append(conflicts, i)
				glog.Warningf("tracker: rejecting divergent advertisement for %q from %s (size %d/%d digest %s/%s)",
					e.Filename, rec.username, e.Size, first.size, e.Checksum, first.digest)
				continue
			}
		}
		t.repo[e.Filename] = append(t.repo[e.Filename], repoEntry{
			peerID: rec.id,
			addr:   rec.addr,
			size:   e.Size,
			digest: e.Checksum,
		})
		accepted = append(accepted, e)
	}
	rec.files = accepted
	return accepted, conflicts
}

// NewPeerID mints a stable id for a freshly registered peer.
func NewPeerID() string { return peerid.New() }
