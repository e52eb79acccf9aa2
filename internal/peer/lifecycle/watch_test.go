package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/internal/peer/availability"
)

func TestWatcherTriggersRescanAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	mgr := New(nil, nil, availability.New(), Options{Username: "alice"})

	w, err := NewWatcher(dir, mgr)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.bin"), []byte("x"), 0o644))

	select {
	case <-mgr.rescanNow:
	case <-time.After(4 * time.Second):
		t.Fatal("watcher did not request a rescan within the debounce window")
	}
	assert.True(t, true)
}
