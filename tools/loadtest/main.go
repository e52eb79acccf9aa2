// Command loadtest drives a single manual download against a running
// tracker and swarm, for exercising the system end to end outside of
// the full peer daemon. Styled after the teacher's download-test tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/peer/availability"
	"github.com/chunkswarm/chunkswarm/internal/peer/client"
	"github.com/chunkswarm/chunkswarm/internal/trackerclient"
	"github.com/chunkswarm/chunkswarm/internal/trackerproto"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("============================================")
	log.Println(" CHUNKSWARM LOAD TEST - MANUAL DOWNLOAD")
	log.Println("============================================")

	reseedSharedDir := flag.String("reseed-shared-dir", "", "if set with -reseed-username, add the downloaded file here and advertise it to the tracker (spec §4.4 step 10)")
	reseedUsername := flag.String("reseed-username", "", "username to push UPDATE_FILES as; must already be registered with the tracker")
	flag.Parse()
	args := flag.Args()

	if len(args) < 4 {
		log.Fatal("Usage: loadtest [-reseed-shared-dir dir -reseed-username name] <tracker-host> <tracker-udp-port> <peer-tcp-port> <filename> [download-dir]")
	}
	trackerHost := args[0]
	trackerPort := mustAtoi(args[1])
	peerTCPPort := mustAtoi(args[2])
	filename := args[3]
	downloadDir := "/tmp/chunkswarm-loadtest"
	if len(args) > 4 {
		downloadDir = args[4]
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		log.Fatalf("create download dir: %v", err)
	}

	log.Printf("[1/4] Dialing tracker at %s:%d", trackerHost, trackerPort)
	trk, err := trackerclient.New(trackerHost, trackerPort, 0, 10*time.Second)
	if err != nil {
		log.Fatalf("dial tracker: %v", err)
	}
	defer trk.Close()

	log.Printf("[2/4] Querying GET_PEERS for %q", filename)
	avail := availability.New()
	opts := client.Options{
		PeerTCPPort:    peerTCPPort,
		DownloadDir:    downloadDir,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
	}
	reseed := *reseedSharedDir != "" && *reseedUsername != ""
	if reseed {
		store, err := chunkstore.Open(*reseedSharedDir, 4*1024*1024)
		if err != nil {
			log.Fatalf("open re-seed chunk store: %v", err)
		}
		opts.Store = store
		opts.OnReseed = func() { pushUpdateFiles(trk, store, *reseedUsername) }
	}
	dl := client.New(trk, avail, opts)

	log.Printf("[3/4] Downloading %q into %s", filename, downloadDir)
	start := time.Now()
	result, err := dl.Download(context.Background(), filename, reseed)
	if err != nil {
		log.Fatalf("download failed: %v", err)
	}
	elapsed := time.Since(start)

	log.Printf("[4/4] Done in %s", elapsed)
	log.Printf("  Path:     %s", result.Path)
	log.Printf("  Size:     %d bytes", result.Metadata.Size)
	log.Printf("  Checksum: %s", result.Metadata.Digest)
	log.Printf("  Chunks:   %d", len(result.Metadata.Chunks))
	if elapsed > 0 {
		log.Printf("  Throughput: %.2f MB/s", float64(result.Metadata.Size)/1024/1024/elapsed.Seconds())
	}
}

// pushUpdateFiles sends the re-seed store's current file set to the
// tracker under username, mirroring lifecycle.Manager's rescan push
// for this tool's caller, which has no running Manager to do it for.
func pushUpdateFiles(trk *trackerclient.Client, store *chunkstore.Store, username string) {
	names := store.Filenames()
	sort.Strings(names)
	entries := make([]trackerproto.FileEntry, 0, len(names))
	for _, name := range names {
		meta, err := store.GetMetadata(name)
		if err != nil {
			continue
		}
		entries = append(entries, trackerproto.FileEntry{Filename: name, Size: meta.Size, Checksum: meta.Digest})
	}
	payload, err := json.Marshal(trackerproto.FilesPayload{Files: entries})
	if err != nil {
		log.Printf("re-seed: marshal UPDATE_FILES payload: %v", err)
		return
	}
	resp, err := trk.Send(fmt.Sprintf("UPDATE_FILES %s %s", username, payload))
	if err != nil {
		log.Printf("re-seed: UPDATE_FILES failed: %v", err)
		return
	}
	if wire.StatusCode(resp) != "200" {
		log.Printf("re-seed: UPDATE_FILES rejected: %s", resp)
		return
	}
	log.Printf("re-seed: advertised %d files to tracker as %s", len(entries), username)
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid integer argument: %q", s)
	}
	return n
}
