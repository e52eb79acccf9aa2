package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/chunkswarm/chunkswarm/internal/peerproto"
)

// reassemble concatenates each chunk's temp file into outPath in
// ascending chunk-id order (spec §4.4 step 8), refusing to proceed if
// any chunk failed to land in completed.
func reassemble(outPath string, meta peerproto.Metadata, completed map[int]string) error {
	if len(completed) != len(meta.Chunks) {
		return ErrIncomplete
	}

	tmp, err := os.CreateTemp("", "chunkswarm-assemble-*")
	if err != nil {
		return fmt.Errorf("client: create assembly temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for id := 0; id < len(meta.Chunks); id++ {
		path, ok := completed[id]
		if !ok {
			tmp.Close()
			return ErrIncomplete
		}
		if err := appendFile(tmp, path); err != nil {
			tmp.Close()
			return fmt.Errorf("client: append chunk %d: %w", id, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("client: close assembly temp file: %w", err)
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return fmt.Errorf("client: move assembled file into place: %w", err)
	}
	return nil
}

func appendFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

// digestFile streams path through SHA-256 for whole-file verification
// (spec §4.1, §4.4 step 9), never loading the file into memory at once.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
