package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.TrackerHost)
	assert.Equal(t, 10860, cfg.TrackerUDPPort)
	assert.Equal(t, int64(1<<20), cfg.ChunkSize)
	assert.Equal(t, 10, cfg.PeerLimit)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.config")
	content := "# comment line\n" +
		"tracker_host = tracker.example.com\n" +
		"tracker_udp_port=9999\n" +
		"chunk_size = 2048\n" +
		"keep_alive_interval = 5s\n" +
		"peer_timeout = 45\n" +
		"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tracker.example.com", cfg.TrackerHost)
	assert.Equal(t, 9999, cfg.TrackerUDPPort)
	assert.EqualValues(t, 2048, cfg.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 45*time.Second, cfg.PeerTimeout)
}

func TestLoadToleratesMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/peer.config")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.TrackerHost)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.config")
	require.NoError(t, os.WriteFile(path, []byte("tracker_host=from-file\n"), 0o644))

	t.Setenv("TRACKER_HOST", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.TrackerHost)
}

func TestLoadRejectsInvalidPeerLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.config")
	require.NoError(t, os.WriteFile(path, []byte("peer_limit=0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestTrackerAddr(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:10860", cfg.TrackerAddr())
}
