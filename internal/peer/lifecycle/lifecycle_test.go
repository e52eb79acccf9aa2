package lifecycle

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/peer/availability"
	"github.com/chunkswarm/chunkswarm/internal/peer/server"
	"github.com/chunkswarm/chunkswarm/internal/tracker"
	"github.com/chunkswarm/chunkswarm/internal/trackerclient"
)

func newTestTrackerServer(t *testing.T, peerLimit int) (*net.UDPAddr, func()) {
	t.Helper()
	trk := tracker.New(peerLimit, time.Minute)
	srv, err := tracker.Listen(trk, "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	return srv.Addr().(*net.UDPAddr), func() {
		cancel()
		srv.Close()
	}
}

func newClientFor(t *testing.T, addr *net.UDPAddr) *trackerclient.Client {
	t.Helper()
	client, err := trackerclient.New("127.0.0.1", addr.Port, 0, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestTracker(t *testing.T, peerLimit int) (*trackerclient.Client, func()) {
	t.Helper()
	addr, cleanup := newTestTrackerServer(t, peerLimit)
	return newClientFor(t, addr), cleanup
}

func newTestStore(t *testing.T, files map[string][]byte) *chunkstore.Store {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	store, err := chunkstore.Open(dir, 1024)
	require.NoError(t, err)
	return store
}

func TestRegisterScansAndPushesFiles(t *testing.T) {
	trk, cleanup := newTestTracker(t, 10)
	defer cleanup()
	store := newTestStore(t, map[string][]byte{"a.bin": []byte("hello")})

	mgr := New(trk, store, availability.New(), Options{Username: "alice", PeerTCPPort: 12000})
	require.NoError(t, mgr.Register(context.Background()))
	assert.NotEmpty(t, mgr.PeerID())
	assert.Len(t, mgr.knownFiles, 1)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	addr, cleanup := newTestTrackerServer(t, 10)
	defer cleanup()
	store1 := newTestStore(t, nil)
	store2 := newTestStore(t, nil)

	mgr1 := New(newClientFor(t, addr), store1, availability.New(), Options{Username: "alice", PeerTCPPort: 12000})
	require.NoError(t, mgr1.Register(context.Background()))

	// Second manager, a distinct UDP client (distinct source port),
	// re-using the same username.
	mgr2 := New(newClientFor(t, addr), store2, availability.New(), Options{Username: "alice", PeerTCPPort: 12001})
	err := mgr2.Register(context.Background())
	assert.Error(t, err)
}

func TestRescanPushesUpdateOnChange(t *testing.T) {
	trk, cleanup := newTestTracker(t, 10)
	defer cleanup()
	dir := t.TempDir()
	store, err := chunkstore.Open(dir, 1024)
	require.NoError(t, err)

	mgr := New(trk, store, availability.New(), Options{Username: "alice", PeerTCPPort: 12000})
	require.NoError(t, mgr.Register(context.Background()))
	assert.Empty(t, mgr.knownFiles)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.bin"), []byte("data"), 0o644))
	mgr.rescan()
	assert.Len(t, mgr.knownFiles, 1)
}

func TestReseedPushesUpdateOnNewFile(t *testing.T) {
	trk, cleanup := newTestTracker(t, 10)
	defer cleanup()
	dir := t.TempDir()
	store, err := chunkstore.Open(dir, 1024)
	require.NoError(t, err)

	mgr := New(trk, store, availability.New(), Options{Username: "alice", PeerTCPPort: 12000})
	require.NoError(t, mgr.Register(context.Background()))
	assert.Empty(t, mgr.knownFiles)

	// Simulate spec §4.4 step 10: a download handed the file to the
	// store directly (not through the fsnotify watcher), so Reseed
	// must pick it up synchronously, unlike RequestRescan which needs
	// Run's rescanLoop to be active.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reseeded.bin"), []byte("data"), 0o644))
	mgr.Reseed()
	assert.Len(t, mgr.knownFiles, 1)
}

func TestDisconnect(t *testing.T) {
	trk, cleanup := newTestTracker(t, 10)
	defer cleanup()
	store := newTestStore(t, nil)

	mgr := New(trk, store, availability.New(), Options{Username: "alice", PeerTCPPort: 12000})
	require.NoError(t, mgr.Register(context.Background()))
	assert.NoError(t, mgr.Disconnect())
}

func TestProbeUnavailableRecoversOnPong(t *testing.T) {
	store := newTestStore(t, nil)
	peerSrv, err := server.Listen(&nopStore{}, "127.0.0.1:0")
	require.NoError(t, err)
	go peerSrv.Serve()
	defer peerSrv.Close()

	trk, cleanup := newTestTracker(t, 10)
	defer cleanup()

	port := peerSrv.Addr().(*net.TCPAddr).Port
	avail := availability.New()
	addr := "127.0.0.1"
	avail.Observe(addr)
	avail.MarkUnavailable(addr)

	mgr := New(trk, store, avail, Options{Username: "alice", PeerTCPPort: port, ConnectTimeout: time.Second})
	mgr.probeUnavailable()
	assert.True(t, avail.IsAvailable(addr))
}

type nopStore struct{}

func (nopStore) GetMetadata(string) (chunkstore.FileMetadata, error) { return chunkstore.FileMetadata{}, os.ErrNotExist }
func (nopStore) ReadChunk(string, int) ([]byte, error)               { return nil, os.ErrNotExist }
