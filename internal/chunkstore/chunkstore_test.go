package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestScanIndexesAndPersists(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.bin", []byte("hello world"))

	s, err := Open(dir, 4)
	require.NoError(t, err)
	require.NoError(t, s.Scan())

	meta, err := s.GetMetadata("a.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 11, meta.Size)
	assert.Len(t, meta.Chunks, 3) // 4 + 4 + 3 bytes

	// sidecar must survive a fresh Open.
	s2, err := Open(dir, 4)
	require.NoError(t, err)
	meta2, err := s2.GetMetadata("a.bin")
	require.NoError(t, err)
	assert.Equal(t, meta.Digest, meta2.Digest)
}

func TestScanRemovesDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "gone.bin", []byte("bye"))

	s, err := Open(dir, 1024)
	require.NoError(t, err)
	require.NoError(t, s.Scan())
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.bin")))
	require.NoError(t, s.Scan())

	_, err = s.GetMetadata("gone.bin")
	assert.Error(t, err)
}

func TestScanSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.bin", []byte("stable content"))

	s, err := Open(dir, 1024)
	require.NoError(t, err)
	require.NoError(t, s.Scan())
	first, err := s.GetMetadata("a.bin")
	require.NoError(t, err)

	require.NoError(t, s.Scan())
	second, err := s.GetMetadata("a.bin")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReadChunkVerifiesOffsets(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.bin", []byte("0123456789"))

	s, err := Open(dir, 4)
	require.NoError(t, err)
	require.NoError(t, s.Scan())

	c0, err := s.ReadChunk("a.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), c0)

	c2, err := s.ReadChunk("a.bin", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), c2)

	_, err = s.ReadChunk("a.bin", 99)
	assert.Error(t, err)
}

func TestAddCopiesAndIndexes(t *testing.T) {
	srcDir := t.TempDir()
	writeTempFile(t, srcDir, "external.bin", []byte("payload"))

	dir := t.TempDir()
	s, err := Open(dir, 1024)
	require.NoError(t, err)

	require.NoError(t, s.Add("external.bin", filepath.Join(srcDir, "external.bin")))

	meta, err := s.GetMetadata("external.bin")
	require.NoError(t, err)
	assert.EqualValues(t, len("payload"), meta.Size)

	_, err = os.Stat(filepath.Join(dir, "external.bin"))
	assert.NoError(t, err)
}

func TestOpenToleratesMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1024)
	require.NoError(t, err)
	assert.Empty(t, s.Filenames())
}

func TestOpenToleratesCorruptSidecar(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, sidecarName, []byte("{not json"))
	s, err := Open(dir, 1024)
	require.NoError(t, err)
	assert.Empty(t, s.Filenames())
}
