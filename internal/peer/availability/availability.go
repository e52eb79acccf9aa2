// Package availability tracks a downloader's local, advisory belief
// about whether known seeders are reachable (spec §3, §4.4, §4.5).
package availability

import "sync"

// Tracker is a thread-safe PeerAddress(as string) -> bool map. A
// seeder defaults to available on first sighting, flips to
// unavailable on any failed request, and flips back only after a
// successful probe.
type Tracker struct {
	mu    sync.Mutex
	state map[string]bool
}

// New creates an empty availability tracker.
func New() *Tracker {
	return &Tracker{state: make(map[string]bool)}
}

// Observe ensures addr has an entry, defaulting to available if this
// is the first time it's been seen.
func (t *Tracker) Observe(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state[addr]; !ok {
		t.state[addr] = true
	}
}

// MarkUnavailable flips addr to unavailable.
func (t *Tracker) MarkUnavailable(addr string) {
	t.mu.Lock()
	t.state[addr] = false
	t.mu.Unlock()
}

// MarkAvailable flips addr to available (only meaningful after a
// successful probe, per spec §3).
func (t *Tracker) MarkAvailable(addr string) {
	t.mu.Lock()
	t.state[addr] = true
	t.mu.Unlock()
}

// IsAvailable reports addr's current belief. Unknown addresses are
// treated as available (consistent with Observe's default).
func (t *Tracker) IsAvailable(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.state[addr]
	return !ok || v
}

// Unavailable returns a snapshot of every address currently marked
// unavailable, for the periodic recovery prober (spec §4.5).
func (t *Tracker) Unavailable() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for addr, ok := range t.state {
		if !ok {
			out = append(out, addr)
		}
	}
	return out
}
