package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/peerproto"
)

func writeChunkFile(t *testing.T, dir string, id int, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("chunk-%d", id))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func metaWithNChunks(n int) peerproto.Metadata {
	chunks := make([]chunkstore.ChunkInfo, n)
	for i := range chunks {
		chunks[i] = chunkstore.ChunkInfo{ID: i}
	}
	return peerproto.Metadata{Chunks: chunks}
}

func TestReassembleOrdersChunksAscending(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunkFile(t, dir, 0, []byte("hello "))
	c1 := writeChunkFile(t, dir, 1, []byte("world"))

	completed := map[int]string{1: c1, 0: c0}
	out := filepath.Join(dir, "out.bin")

	require.NoError(t, reassemble(out, metaWithNChunks(2), completed))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestReassembleFailsOnMissingChunk(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunkFile(t, dir, 0, []byte("hello "))
	completed := map[int]string{0: c0}
	out := filepath.Join(dir, "out.bin")

	err := reassemble(out, metaWithNChunks(2), completed)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDigestFileMatchesSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := []byte("digest me")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := digestFile(path)
	require.NoError(t, err)
	want := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}
