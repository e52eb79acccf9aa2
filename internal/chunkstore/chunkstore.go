// Package chunkstore maintains the local filesystem view of a shared
// directory plus its persisted metadata sidecar (spec §4.1).
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/chunkswarm/chunkswarm/internal/errs"
)

// DefaultChunkSize is the nominal chunk size used when none is
// configured: 1 MiB, per spec §3.
const DefaultChunkSize = 1 << 20

const sidecarName = "shared_files.json"

// ChunkInfo describes one chunk of a file.
type ChunkInfo struct {
	ID     int    `json:"id"`
	Size   int64  `json:"size"`
	Digest string `json:"checksum"`
}

// FileMetadata describes the whole-file digest and per-chunk table
// for one file in the store.
type FileMetadata struct {
	Size   int64       `json:"size"`
	Digest string      `json:"checksum"`
	Chunks []ChunkInfo `json:"chunks"`
}

type sidecar struct {
	Files map[string]FileMetadata `json:"files"`
}

// Store is a ChunkStore: an index of files available for seeding,
// backed by the shared directory and persisted as a JSON sidecar.
type Store struct {
	dir       string
	chunkSize int64

	mu    sync.RWMutex
	files map[string]FileMetadata
}

// Open loads (or initializes) the chunk store rooted at dir. A missing
// sidecar is tolerated and treated as an empty index.
func Open(dir string, chunkSize int64) (*Store, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create shared dir: %w", err)
	}
	s := &Store{dir: dir, chunkSize: chunkSize, files: make(map[string]FileMetadata)}

	raw, err := os.ReadFile(filepath.Join(dir, sidecarName))
	switch {
	case err == nil:
		var sc sidecar
		if jerr := json.Unmarshal(raw, &sc); jerr != nil {
			glog.Warningf("chunkstore: sidecar at %s is corrupt, starting empty: %v", dir, jerr)
			break
		}
		if sc.Files != nil {
			s.files = sc.Files
		}
	case os.IsNotExist(err):
		glog.V(1).Infof("chunkstore: no sidecar at %s yet", dir)
	default:
		return nil, fmt.Errorf("chunkstore: read sidecar: %w", err)
	}
	return s, nil
}

func (s *Store) sidecarPath() string { return filepath.Join(s.dir, sidecarName) }

// persist atomically replaces the sidecar: write to a temp file in the
// same directory, then rename over the target (spec §3/§4.1).
func (s *Store) persist() error {
	sc := sidecar{Files: s.files}
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("chunkstore: marshal sidecar: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".shared_files-*.json.tmp")
	if err != nil {
		return fmt.Errorf("chunkstore: create temp sidecar: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: write temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: close temp sidecar: %w", err)
	}
	if err := os.Rename(tmpName, s.sidecarPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chunkstore: rename temp sidecar: %w", err)
	}
	return nil
}

// Scan enumerates regular files in the shared directory (except the
// sidecar) and recomputes metadata for any that are new or whose
// whole-file digest has changed, using a streaming SHA-256 over fixed
// chunkSize blocks.
func (s *Store) Scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("chunkstore: read shared dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	changed := false
	for _, ent := range entries {
		if ent.IsDir() || ent.Name() == sidecarName || filepath.Ext(ent.Name()) == ".tmp" {
			continue
		}
		name := ent.Name()
		seen[name] = true

		path := filepath.Join(s.dir, name)
		meta, err := hashFile(path, s.chunkSize)
		if err != nil {
			glog.Warningf("chunkstore: skipping %s: %v", name, err)
			continue
		}

		if existing, ok := s.files[name]; ok && existing.Digest == meta.Digest {
			continue
		}
		s.files[name] = meta
		changed = true
		glog.Infof("chunkstore: indexed %s (%d bytes, %d chunks)", name, meta.Size, len(meta.Chunks))
	}

	// Drop entries whose backing file disappeared.
	for name := range s.files {
		if !seen[name] {
			delete(s.files, name)
			changed = true
			glog.Infof("chunkstore: removed %s (file missing)", name)
		}
	}

	if changed {
		return s.persist()
	}
	return nil
}

// Reconcile removes entries whose backing files have disappeared,
// without rehashing surviving files. Intended as a cheap periodic job
// distinct from a full Scan.
func (s *Store) Reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for name := range s.files {
		if _, err := os.Stat(filepath.Join(s.dir, name)); err != nil {
			if os.IsNotExist(err) {
				delete(s.files, name)
				changed = true
				glog.Infof("chunkstore: reconcile removed %s", name)
				continue
			}
			glog.Warningf("chunkstore: reconcile stat %s: %v", name, err)
		}
	}
	if changed {
		return s.persist()
	}
	return nil
}

// GetMetadata returns the stored FileMetadata for filename, or a
// NotFound error.
func (s *Store) GetMetadata(filename string) (FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.files[filename]
	if !ok {
		return FileMetadata{}, errs.Wrap(errs.KindNotFound, "file not in chunk store", fmt.Errorf("%s", filename))
	}
	return m, nil
}

// Filenames returns a snapshot of every filename currently indexed.
func (s *Store) Filenames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.files))
	for name := range s.files {
		out = append(out, name)
	}
	return out
}

// ReadChunk returns the exact byte range for chunk id of filename. The
// absolute file offset is the prefix sum of prior chunk sizes (not
// id*chunkSize, since the last chunk may be short). The bytes are
// re-hashed and a mismatch is logged but does not prevent the read
// from being returned — the requester re-verifies end to end.
func (s *Store) ReadChunk(filename string, id int) ([]byte, error) {
	s.mu.RLock()
	meta, ok := s.files[filename]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Wrap(errs.KindNotFound, "file not in chunk store", fmt.Errorf("%s", filename))
	}
	if id < 0 || id >= len(meta.Chunks) {
		return nil, errs.Wrap(errs.KindNotFound, "chunk id out of range", fmt.Errorf("%s chunk %d", filename, id))
	}

	var offset int64
	for i := 0; i < id; i++ {
		offset += meta.Chunks[i].Size
	}
	want := meta.Chunks[id]

	f, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "opening file for chunk read", err)
	}
	defer f.Close()

	buf := make([]byte, want.Size)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "seeking to chunk offset", err)
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "reading chunk bytes", err)
	}

	sum := sha256.Sum256(buf)
	if hex.EncodeToString(sum[:]) != want.Digest {
		glog.Warningf("chunkstore: digest mismatch reading %s chunk %d (on-disk content changed since last scan)", filename, id)
	}
	return buf, nil
}

// Add copies sourcePath into the shared directory as filename (if not
// already located there), regenerates its metadata, and persists.
func (s *Store) Add(filename, sourcePath string) error {
	dest := filepath.Join(s.dir, filename)
	if abs, err := filepath.Abs(sourcePath); err == nil {
		if absDest, derr := filepath.Abs(dest); derr == nil && abs == absDest {
			sourcePath = dest // already in place
		}
	}
	if sourcePath != dest {
		if err := copyFile(sourcePath, dest); err != nil {
			return fmt.Errorf("chunkstore: add %s: %w", filename, err)
		}
	}

	meta, err := hashFile(dest, s.chunkSize)
	if err != nil {
		return fmt.Errorf("chunkstore: hash %s: %w", filename, err)
	}

	s.mu.Lock()
	s.files[filename] = meta
	err = s.persist()
	s.mu.Unlock()
	if err != nil {
		glog.Errorf("chunkstore: persist after add %s: %v", filename, err)
	}
	glog.Infof("chunkstore: added %s (%d bytes, %d chunks)", filename, meta.Size, len(meta.Chunks))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".add-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// hashFile streams filename in chunkSize blocks, computing both the
// whole-file digest and per-chunk digests in a single pass.
func hashFile(path string, chunkSize int64) (FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileMetadata{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileMetadata{}, err
	}
	if !info.Mode().IsRegular() {
		return FileMetadata{}, fmt.Errorf("%s is not a regular file", path)
	}

	whole := sha256.New()
	var chunks []ChunkInfo
	buf := make([]byte, chunkSize)
	var total int64
	for id := 0; ; id++ {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			h := sha256.Sum256(buf[:n])
			chunks = append(chunks, ChunkInfo{ID: id, Size: int64(n), Digest: hex.EncodeToString(h[:])})
			whole.Write(buf[:n])
			total += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return FileMetadata{}, rerr
		}
		if int64(n) < chunkSize {
			break
		}
	}

	return FileMetadata{
		Size:   total,
		Digest: hex.EncodeToString(whole.Sum(nil)),
		Chunks: chunks,
	}, nil
}

// Dir returns the shared directory root.
func (s *Store) Dir() string { return s.dir }

// ChunkSize returns the configured nominal chunk size.
func (s *Store) ChunkSize() int64 { return s.chunkSize }
