// Package lifecycle drives a peer's relationship with the tracker:
// initial registration, periodic keep-alive, periodic (plus
// fsnotify-triggered) rescans of the shared directory, availability
// recovery probing, and graceful disconnect (spec §4.5).
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/errs"
	"github.com/chunkswarm/chunkswarm/internal/peer/availability"
	"github.com/chunkswarm/chunkswarm/internal/peerproto"
	"github.com/chunkswarm/chunkswarm/internal/trackerclient"
	"github.com/chunkswarm/chunkswarm/internal/trackerproto"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Manager owns the peer's long-running relationship with the tracker
// (spec §4.5). One Manager per peer process.
type Manager struct {
	trk   *trackerclient.Client
	store *chunkstore.Store
	avail *availability.Tracker

	username    string
	peerTCPPort int

	keepAliveInterval          time.Duration
	rescanInterval              time.Duration
	availabilityProbeInterval time.Duration
	connectTimeout              time.Duration

	mu         sync.Mutex
	peerID     string
	knownFiles map[string]trackerproto.FileEntry

	rescanNow chan struct{}
}

// Options configures a Manager.
type Options struct {
	Username                   string
	PeerTCPPort                int
	KeepAliveInterval          time.Duration
	RescanInterval              time.Duration
	AvailabilityProbeInterval time.Duration
	ConnectTimeout              time.Duration
}

// New creates a lifecycle Manager.
func New(trk *trackerclient.Client, store *chunkstore.Store, avail *availability.Tracker, opts Options) *Manager {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = 2 * time.Second
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 60 * time.Second
	}
	if opts.AvailabilityProbeInterval <= 0 {
		opts.AvailabilityProbeInterval = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		trk:                        trk,
		store:                      store,
		avail:                      avail,
		username:                   opts.Username,
		peerTCPPort:                opts.PeerTCPPort,
		keepAliveInterval:          opts.KeepAliveInterval,
		rescanInterval:              opts.RescanInterval,
		availabilityProbeInterval: opts.AvailabilityProbeInterval,
		connectTimeout:              opts.ConnectTimeout,
		knownFiles:                 make(map[string]trackerproto.FileEntry),
		rescanNow:                  make(chan struct{}, 1),
	}
}

// PeerID returns the stable id the tracker assigned at registration.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// Register performs spec §4.5's startup sequence: scan the shared
// directory, then REGISTER as a seeder with the resulting file set.
// Registration failure aborts startup, as specified.
func (m *Manager) Register(ctx context.Context) error {
	if err := m.store.Scan(); err != nil {
		return fmt.Errorf("lifecycle: initial scan: %w", err)
	}

	files := m.currentFiles()
	payload, err := json.Marshal(trackerproto.FilesPayload{Files: mapValues(files)})
	if err != nil {
		return fmt.Errorf("lifecycle: marshal files payload: %w", err)
	}

	resp, err := m.trk.Send(fmt.Sprintf("REGISTER seeder %s %s", m.username, payload))
	if err != nil {
		return fmt.Errorf("lifecycle: REGISTER: %w", err)
	}
	switch wire.StatusCode(resp) {
	case "201":
	case "403":
		return errs.Wrap(errs.KindAdmissionDenied, "tracker full", fmt.Errorf("%s", resp))
	case "409":
		return errs.Wrap(errs.KindDuplicateName, "username taken", fmt.Errorf("%s", resp))
	default:
		return errs.Wrap(errs.KindProtocolViolation, "unexpected REGISTER response", fmt.Errorf("%s", resp))
	}

	var result trackerproto.RegisterResult
	if err := json.Unmarshal([]byte(jsonBody(resp)), &result); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, "malformed REGISTER response", err)
	}

	m.mu.Lock()
	m.peerID = result.PeerID
	m.knownFiles = files
	m.mu.Unlock()

	glog.Infof("lifecycle: registered as %s, peer_id=%s, %d files (%d conflicts)",
		m.username, result.PeerID, len(files), len(result.Conflicts))
	return nil
}

// Run blocks, driving keep-alive, rescan, and availability recovery
// until ctx is cancelled, then disconnects gracefully.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.keepAliveLoop(ctx) }()
	go func() { defer wg.Done(); m.rescanLoop(ctx) }()
	go func() { defer wg.Done(); m.availabilityLoop(ctx) }()
	wg.Wait()

	if err := m.Disconnect(); err != nil {
		glog.Warningf("lifecycle: disconnect: %v", err)
	}
}

// RequestRescan schedules an out-of-cycle rescan, e.g. from an
// fsnotify watcher. Non-blocking: a rescan already pending is enough.
// Only takes effect while Run's rescanLoop is active.
func (m *Manager) RequestRescan() {
	select {
	case m.rescanNow <- struct{}{}:
	default:
	}
}

// Reseed rescans the shared directory and pushes any change to the
// tracker synchronously, for callers that never start Run (e.g. a
// one-shot download-then-exit invocation) and so can't rely on
// RequestRescan's async channel. Intended as the client.Downloader's
// OnReseed hook after spec §4.4 step 10 adds a file to the store.
func (m *Manager) Reseed() {
	m.rescan()
}

func (m *Manager) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(m.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := m.trk.Send("KEEP_ALIVE " + m.username)
			if err != nil {
				glog.Fatalf("lifecycle: KEEP_ALIVE send failed, tracker unreachable: %v", err)
			}
			if wire.StatusCode(resp) != "200" {
				glog.Warningf("lifecycle: KEEP_ALIVE rejected by tracker (%s)", resp)
			}
		}
	}
}

func (m *Manager) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(m.rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.rescan()
		case <-m.rescanNow:
			m.rescan()
		}
	}
}

func (m *Manager) rescan() {
	if err := m.store.Scan(); err != nil {
		glog.Warningf("lifecycle: rescan: %v", err)
		return
	}

	current := m.currentFiles()
	m.mu.Lock()
	prev := m.knownFiles
	changed := !filesEqual(prev, current)
	if changed {
		m.knownFiles = current
	}
	m.mu.Unlock()
	if !changed {
		return
	}

	logDiff(prev, current)

	payload, err := json.Marshal(trackerproto.FilesPayload{Files: mapValues(current)})
	if err != nil {
		glog.Errorf("lifecycle: marshal UPDATE_FILES payload: %v", err)
		return
	}
	resp, err := m.trk.Send(fmt.Sprintf("UPDATE_FILES %s %s", m.username, payload))
	if err != nil {
		glog.Errorf("lifecycle: UPDATE_FILES failed: %v", err)
		return
	}
	if wire.StatusCode(resp) != "200" {
		glog.Warningf("lifecycle: UPDATE_FILES rejected: %s", resp)
		return
	}
	glog.Infof("lifecycle: pushed updated file set (%d files)", len(current))
}

func (m *Manager) availabilityLoop(ctx context.Context) {
	ticker := time.NewTicker(m.availabilityProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeUnavailable()
		}
	}
}

// probeUnavailable sends PING to every seeder address currently marked
// unavailable and flips it back on PONG (spec §4.5).
func (m *Manager) probeUnavailable() {
	for _, addr := range m.avail.Unavailable() {
		if m.ping(addr) {
			m.avail.MarkAvailable(addr)
			glog.Infof("lifecycle: seeder %s recovered", addr)
		}
	}
}

func (m *Manager) ping(host string) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(m.peerTCPPort))
	conn, err := net.DialTimeout("tcp", addr, m.connectTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(m.connectTimeout))
	if _, err := conn.Write([]byte("PING\n")); err != nil {
		return false
	}
	buf := make([]byte, len(peerproto.Pong))
	n, err := conn.Read(buf)
	return err == nil && string(buf[:n]) == peerproto.Pong
}

// Disconnect sends an explicit DISCONNECT and releases tracker
// resources (spec §4.5's graceful shutdown path).
func (m *Manager) Disconnect() error {
	resp, err := m.trk.Send("DISCONNECT " + m.username)
	if err != nil {
		return fmt.Errorf("lifecycle: DISCONNECT: %w", err)
	}
	if wire.StatusCode(resp) != "200" {
		return fmt.Errorf("lifecycle: DISCONNECT rejected: %s", resp)
	}
	glog.Infof("lifecycle: disconnected %s", m.username)
	return nil
}

func (m *Manager) currentFiles() map[string]trackerproto.FileEntry {
	names := m.store.Filenames()
	sort.Strings(names)
	out := make(map[string]trackerproto.FileEntry, len(names))
	for _, name := range names {
		meta, err := m.store.GetMetadata(name)
		if err != nil {
			continue
		}
		out[name] = trackerproto.FileEntry{Filename: name, Size: meta.Size, Checksum: meta.Digest}
	}
	return out
}

func mapValues(m map[string]trackerproto.FileEntry) []trackerproto.FileEntry {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]trackerproto.FileEntry, 0, len(m))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

func filesEqual(a, b map[string]trackerproto.FileEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ea := range a {
		eb, ok := b[name]
		if !ok || ea != eb {
			return false
		}
	}
	return true
}

func logDiff(prev, current map[string]trackerproto.FileEntry) {
	for name := range current {
		if _, ok := prev[name]; !ok {
			glog.Infof("lifecycle: file added: %s", name)
		} else if prev[name] != current[name] {
			glog.Infof("lifecycle: file updated: %s", name)
		}
	}
	for name := range prev {
		if _, ok := current[name]; !ok {
			glog.Infof("lifecycle: file removed: %s", name)
		}
	}
}

func jsonBody(resp string) string {
	for i, c := range resp {
		if c == '{' {
			return resp[i:]
		}
	}
	return ""
}
