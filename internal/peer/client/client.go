// Package client implements the peer's downloader: given a filename,
// fetch a validated copy from the swarm concurrently (spec §4.4).
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/errs"
	"github.com/chunkswarm/chunkswarm/internal/peer/availability"
	"github.com/chunkswarm/chunkswarm/internal/peerproto"
	"github.com/chunkswarm/chunkswarm/internal/trackerclient"
	"github.com/chunkswarm/chunkswarm/internal/trackerproto"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Typed abort reasons for the download algorithm (spec §4.4, §8).
var (
	ErrNoSeeders     = errs.New(errs.KindNotFound, "no seeders available for file")
	ErrNoMetadata    = errs.New(errs.KindUnavailable, "no seeder responded with metadata")
	ErrIncomplete    = errs.New(errs.KindUnavailable, "download incomplete: not all chunks retrieved")
	ErrCorruptResult = errs.New(errs.KindIntegrityFailure, "downloaded file failed whole-file digest verification")
)

// minWorkers is the floor on the worker pool size (spec §4.4 step 5).
const minWorkers = 4

// seeder is one entry from a filtered GET_PEERS response.
type seeder struct {
	id   string
	host string
}

// key identifies s in the shared availability map: its host, which is
// also what the lifecycle's recovery prober dials.
func (s seeder) key() string {
	return s.host
}

// Downloader coordinates chunked, parallel, integrity-checked
// downloads from the swarm (spec §4.4).
type Downloader struct {
	tracker *trackerclient.Client
	avail   *availability.Tracker

	selfID      string
	peerTCPPort int

	downloadDir    string
	connectTimeout time.Duration
	readTimeout    time.Duration

	// store and onReseed back step 10's optional re-seed (spec §4.4):
	// hand a finished download to the Chunk Store and tell the
	// tracker. Both are nil unless the caller configures them. With no
	// store, a reseed request is skipped with a logged warning and the
	// download itself still succeeds.
	store    *chunkstore.Store
	onReseed func()

	// downloadMu serializes whole downloads on this peer (spec §5,
	// §9: "a peer-wide lock held for the entire duration to prevent
	// two concurrent downloads from clobbering the same temp
	// directory"). Kept as the source does it; a per-filename lock
	// would allow concurrent downloads of distinct files instead.
	downloadMu sync.Mutex
}

// Options configures a Downloader.
type Options struct {
	SelfID         string // this peer's stable id (spec §9 self-identification)
	PeerTCPPort    int    // conventional, fixed TCP port every peer server listens on (spec §3, §6)
	DownloadDir    string
	ConnectTimeout time.Duration // default 10s (spec §6)
	ReadTimeout    time.Duration // default 10s (spec §6)

	// Store, if set, lets Download honor a caller's reseed request
	// (spec §4.4 step 10) by handing the verified file to
	// Store.Add. Leave nil for callers that never reseed.
	Store *chunkstore.Store
	// OnReseed is invoked after a successful Store.Add so the caller
	// can push the updated file set to the tracker (UPDATE_FILES),
	// e.g. lifecycle.Manager.Reseed. Leave nil to skip notifying the
	// tracker while still adding the file to the store.
	OnReseed func()
}

// New creates a Downloader that talks to the tracker through trk and
// shares avail with the peer lifecycle's recovery prober.
func New(trk *trackerclient.Client, avail *availability.Tracker, opts Options) *Downloader {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	return &Downloader{
		tracker:        trk,
		avail:          avail,
		selfID:         opts.SelfID,
		peerTCPPort:    opts.PeerTCPPort,
		downloadDir:    opts.DownloadDir,
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		store:          opts.Store,
		onReseed:       opts.OnReseed,
	}
}

// Result is the outcome of a successful download.
type Result struct {
	Path     string
	Metadata peerproto.Metadata
}

// Download runs the full ten-step algorithm from spec §4.4 for
// filename and returns the path to the verified output file. When
// reseed is true, the verified file is additionally handed to the
// Chunk Store and advertised to the tracker (step 10); the download
// itself still succeeds if that follow-up fails, since the caller
// already has a verified file in hand.
func (d *Downloader) Download(ctx context.Context, filename string, reseed bool) (*Result, error) {
	d.downloadMu.Lock()
	defer d.downloadMu.Unlock()

	// Step 1: ask the tracker for seeders, self-excluding.
	seeders, err := d.getPeers(filename)
	if err != nil {
		return nil, err
	}
	if len(seeders) == 0 {
		return nil, ErrNoSeeders
	}

	// Step 2: initialize availability for every new seeder.
	for _, s := range seeders {
		d.avail.Observe(s.key())
	}

	// Step 3: fetch metadata from the first available seeder that responds.
	meta, err := d.fetchMetadata(filename, seeders)
	if err != nil {
		return nil, err
	}

	// Steps 4-7: parallel chunked download.
	tmpDir, completed, err := d.downloadChunks(ctx, filename, meta, seeders)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	// Step 8: reassemble in ascending chunk-id order.
	outPath := filepath.Join(d.downloadDir, filename)
	if err := reassemble(outPath, meta, completed); err != nil {
		return nil, err
	}

	// Step 9: whole-file digest verification.
	digest, err := digestFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("client: verifying %s: %w", filename, err)
	}
	if digest != meta.Digest {
		glog.Warningf("client: %s failed whole-file verification (want %s got %s)", filename, meta.Digest, digest)
		return nil, ErrCorruptResult
	}

	glog.Infof("client: download of %s complete and verified (%d bytes)", filename, meta.Size)

	// Step 10: re-seed, if the caller asked for it.
	if reseed {
		d.reseed(filename, outPath)
	}

	return &Result{Path: outPath, Metadata: meta}, nil
}

// reseed implements spec §4.4 step 10: hand the verified download to
// the Chunk Store and let the caller push the updated file set to the
// tracker. Failures here are logged, not returned, since the caller's
// download already succeeded.
func (d *Downloader) reseed(filename, path string) {
	if d.store == nil {
		glog.Warningf("client: re-seed of %s requested but no chunk store configured", filename)
		return
	}
	if err := d.store.Add(filename, path); err != nil {
		glog.Warningf("client: re-seed of %s failed: %v", filename, err)
		return
	}
	glog.Infof("client: re-seeded %s into chunk store", filename)
	if d.onReseed != nil {
		d.onReseed()
	}
}

// getPeers performs spec §4.4 step 1: GET_PEERS plus self-exclusion.
func (d *Downloader) getPeers(filename string) ([]seeder, error) {
	resp, err := d.tracker.Send("GET_PEERS " + filename)
	if err != nil {
		return nil, fmt.Errorf("client: GET_PEERS %s: %w", filename, err)
	}
	if wire.StatusCode(resp) == "404" {
		return nil, errs.Wrap(errs.KindNotFound, "file not known to tracker", fmt.Errorf("%s", filename))
	}

	body := jsonBody(resp)
	var parsed trackerproto.GetPeersResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, errs.Wrap(errs.KindProtocolViolation, "malformed GET_PEERS response", err)
	}

	var out []seeder
	for i, hp := range parsed.Seeders {
		var id string
		if i < len(parsed.SeederIDs) {
			id = parsed.SeederIDs[i]
		}
		if id != "" && d.selfID != "" && id == d.selfID {
			continue // self-exclusion by stable id (spec §9)
		}
		out = append(out, seeder{id: id, host: hp[0]})
	}
	return out, nil
}

// jsonBody extracts the JSON payload from a tracker response line
// (e.g. "200 OK {...}" -> "{...}").
func jsonBody(resp string) string {
	if idx := strings.IndexByte(resp, '{'); idx >= 0 {
		return resp[idx:]
	}
	return ""
}

// fetchMetadata performs spec §4.4 step 3.
func (d *Downloader) fetchMetadata(filename string, seeders []seeder) (peerproto.Metadata, error) {
	for _, s := range seeders {
		if !d.avail.IsAvailable(s.key()) {
			continue
		}
		meta, err := d.requestMetadata(s, filename)
		if err != nil {
			glog.Infof("client: metadata fetch from %s failed: %v", s.host, err)
			d.avail.MarkUnavailable(s.key())
			continue
		}
		return meta, nil
	}
	return peerproto.Metadata{}, ErrNoMetadata
}

func (d *Downloader) requestMetadata(s seeder, filename string) (peerproto.Metadata, error) {
	conn, err := d.dial(s)
	if err != nil {
		return peerproto.Metadata{}, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("REQUEST_METADATA " + filename + "\n")); err != nil {
		return peerproto.Metadata{}, err
	}

	raw, err := readAll(conn, d.readTimeout)
	if err != nil {
		return peerproto.Metadata{}, err
	}
	switch string(raw) {
	case peerproto.FileNotFound:
		return peerproto.Metadata{}, errs.New(errs.KindNotFound, "seeder reports file not found")
	case peerproto.MetadataNotAvailable:
		return peerproto.Metadata{}, errs.New(errs.KindUnavailable, "seeder metadata not available")
	}

	var meta peerproto.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return peerproto.Metadata{}, errs.Wrap(errs.KindProtocolViolation, "malformed metadata response", err)
	}
	return meta, nil
}

func (d *Downloader) dial(s seeder) (net.Conn, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(d.peerTCPPort))
	conn, err := net.DialTimeout("tcp", addr, d.connectTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "dial seeder "+addr, err)
	}
	return conn, nil
}

func readAll(conn net.Conn, timeout time.Duration) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	return io.ReadAll(conn)
}

// downloadChunks implements spec §4.4 steps 4-7: work queue, worker
// pool bound one-per-seeder, per-chunk retry/requeue on failure.
func (d *Downloader) downloadChunks(ctx context.Context, filename string, meta peerproto.Metadata, seeders []seeder) (tmpDir string, completed map[int]string, err error) {
	n := len(meta.Chunks)
	tmpDir, err = os.MkdirTemp(d.downloadDir, filename+".tmp-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return "", nil, fmt.Errorf("client: create temp dir: %w", err)
	}
	if n == 0 {
		return tmpDir, map[int]string{}, nil // empty file: zero chunks (spec §8)
	}

	ideal := 2 * runtime.NumCPU()
	if ideal < minWorkers {
		ideal = minWorkers
	}
	workers := ideal
	if workers > len(seeders) {
		workers = len(seeders)
	}
	if workers < 1 {
		workers = 1
	}

	queue := make(chan int, n*2)
	for id := 0; id < n; id++ {
		queue <- id
	}

	var mu sync.Mutex
	completed = make(map[int]string, n)
	var wg sync.WaitGroup
	wg.Add(n)

	var lastProgress time.Time
	var progressMu sync.Mutex
	touch := func() {
		progressMu.Lock()
		lastProgress = time.Now()
		progressMu.Unlock()
	}
	touch()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	stop := make(chan struct{})
	for i := 0; i < workers; i++ {
		s := seeders[i]
		go d.worker(s, filename, meta, tmpDir, queue, &mu, completed, &wg, stop, touch)
	}

	watchdog := time.NewTicker(d.readTimeout)
	defer watchdog.Stop()

	giveUpAfter := 6 * d.readTimeout
	for {
		select {
		case <-done:
			close(stop)
			return tmpDir, completed, nil
		case <-ctx.Done():
			close(stop)
			return tmpDir, completed, ctx.Err()
		case <-watchdog.C:
			progressMu.Lock()
			stale := time.Since(lastProgress)
			progressMu.Unlock()
			if stale > giveUpAfter && allUnavailable(d.avail, seeders[:workers]) {
				close(stop)
				glog.Warningf("client: %s giving up, all bound seeders unavailable for %s", filename, stale)
				return tmpDir, completed, ErrIncomplete
			}
		}
	}
}

func allUnavailable(avail *availability.Tracker, seeders []seeder) bool {
	for _, s := range seeders {
		if avail.IsAvailable(s.key()) {
			return false
		}
	}
	return true
}

func (d *Downloader) worker(s seeder, filename string, meta peerproto.Metadata, tmpDir string, queue chan int, mu *sync.Mutex, completed map[int]string, wg *sync.WaitGroup, stop chan struct{}, touch func()) {
	for {
		select {
		case <-stop:
			return
		case id, ok := <-queue:
			if !ok {
				return
			}
			if !d.avail.IsAvailable(s.key()) {
				time.Sleep(50 * time.Millisecond)
				select {
				case queue <- id:
				case <-stop:
				}
				continue
			}

			mu.Lock()
			_, already := completed[id]
			mu.Unlock()
			if already {
				wg.Done()
				continue
			}

			path, err := d.fetchChunk(s, filename, id, meta.Chunks[id], tmpDir)
			if err != nil {
				glog.Infof("client: chunk %s#%d from %s failed: %v", filename, id, s.host, err)
				d.avail.MarkUnavailable(s.key())
				select {
				case queue <- id:
				case <-stop:
				}
				continue
			}

			mu.Lock()
			completed[id] = path
			mu.Unlock()
			touch()
			wg.Done()
		}
	}
}

// fetchChunk requests one chunk, verifies its digest, and writes it to
// tmpDir. A short/zero read is rejected outright, never accepted as a
// partial chunk (spec §9's "partial data on timeout" decision).
func (d *Downloader) fetchChunk(s seeder, filename string, id int, info chunkstore.ChunkInfo, tmpDir string) (string, error) {
	conn, err := d.dial(s)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(fmt.Sprintf("REQUEST_CHUNK %s %d\n", filename, id))); err != nil {
		return "", errs.Wrap(errs.KindUnavailable, "send chunk request", err)
	}

	conn.SetReadDeadline(time.Now().Add(d.readTimeout))

	if info.Size >= int64(len(peerproto.ChunkNotFound)) {
		probe := make([]byte, len(peerproto.ChunkNotFound))
		nProbe, perr := io.ReadFull(conn, probe)
		if perr == nil && string(probe[:nProbe]) == peerproto.ChunkNotFound {
			return "", errs.New(errs.KindNotFound, "seeder reports chunk not found")
		}
		buf := make([]byte, info.Size)
		copy(buf, probe[:nProbe])
		read, rerr := io.ReadFull(conn, buf[nProbe:])
		total := nProbe + read
		if rerr != nil || int64(total) != info.Size {
			return "", errs.Wrap(errs.KindTimeout, fmt.Sprintf("short chunk read (%d/%d bytes)", total, info.Size), rerr)
		}
		return d.verifyAndStore(filename, id, info, buf, tmpDir)
	}

	// Chunk smaller than the CHUNK_NOT_FOUND literal: read whatever
	// arrives and compare directly against the not-found marker.
	raw, rerr := io.ReadAll(conn)
	if rerr != nil {
		return "", errs.Wrap(errs.KindTimeout, "reading small chunk", rerr)
	}
	if string(raw) == peerproto.ChunkNotFound {
		return "", errs.New(errs.KindNotFound, "seeder reports chunk not found")
	}
	if int64(len(raw)) != info.Size {
		return "", errs.Wrap(errs.KindTimeout, fmt.Sprintf("short chunk read (%d/%d bytes)", len(raw), info.Size), nil)
	}
	return d.verifyAndStore(filename, id, info, raw, tmpDir)
}

func (d *Downloader) verifyAndStore(filename string, id int, info chunkstore.ChunkInfo, buf []byte, tmpDir string) (string, error) {
	sum := sha256.Sum256(buf)
	if hex.EncodeToString(sum[:]) != info.Digest {
		return "", errs.New(errs.KindIntegrityFailure, "chunk digest mismatch")
	}

	path := filepath.Join(tmpDir, fmt.Sprintf("chunk-%08d", id))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("client: write chunk %s#%d: %w", filename, id, err)
	}
	return path, nil
}
