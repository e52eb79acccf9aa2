// Command peer runs a chunkswarm peer: it seeds everything under its
// shared directory and, given -download, fetches one file from the
// swarm before exiting (spec §4.3, §4.4, §4.5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/config"
	"github.com/chunkswarm/chunkswarm/internal/peer/availability"
	"github.com/chunkswarm/chunkswarm/internal/peer/client"
	"github.com/chunkswarm/chunkswarm/internal/peer/lifecycle"
	"github.com/chunkswarm/chunkswarm/internal/peer/server"
	"github.com/chunkswarm/chunkswarm/internal/statusapi"
	"github.com/chunkswarm/chunkswarm/internal/trackerclient"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "peer.config", "path to the peer config file")
	username := flag.String("username", "", "username to register with the tracker (overrides config)")
	download := flag.String("download", "", "if set, download this filename from the swarm and exit")
	reseed := flag.Bool("reseed", false, "with -download, add the downloaded file to the shared chunk store and re-advertise it to the tracker")
	flag.Parse()

	glog.Infof("chunkswarm peer %s starting", Version)

	workDir, _ := os.Getwd()
	path := *configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		glog.Fatalf("peer: load config: %v", err)
	}
	if *username != "" {
		cfg.Username = *username
	}
	if cfg.Username == "" {
		glog.Fatalf("peer: username must be set (config file or -username)")
	}

	store, err := chunkstore.Open(cfg.SharedDir, cfg.ChunkSize)
	if err != nil {
		glog.Fatalf("peer: open chunk store: %v", err)
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		glog.Fatalf("peer: create download dir: %v", err)
	}

	trk, err := trackerclient.New(cfg.TrackerHost, cfg.TrackerUDPPort, 0, cfg.ConnectTimeout)
	if err != nil {
		glog.Fatalf("peer: connect to tracker: %v", err)
	}
	defer trk.Close()

	avail := availability.New()

	peerSrv, err := server.Listen(store, fmt.Sprintf(":%d", cfg.PeerTCPPort))
	if err != nil {
		glog.Fatalf("peer: listen on peer TCP port: %v", err)
	}
	go func() {
		if err := peerSrv.Serve(); err != nil {
			glog.Errorf("peer: server loop exited: %v", err)
		}
	}()
	defer peerSrv.Close()

	mgr := lifecycle.New(trk, store, avail, lifecycle.Options{
		Username:                  cfg.Username,
		PeerTCPPort:               cfg.PeerTCPPort,
		KeepAliveInterval:         cfg.KeepAliveInterval,
		RescanInterval:            cfg.RescanInterval,
		AvailabilityProbeInterval: cfg.AvailabilityProbeInterval,
		ConnectTimeout:            cfg.ConnectTimeout,
	})
	if err := mgr.Register(context.Background()); err != nil {
		glog.Fatalf("peer: register with tracker: %v", err)
	}

	watcher, werr := lifecycle.NewWatcher(cfg.SharedDir, mgr)
	if werr != nil {
		glog.Warningf("peer: fsnotify watcher unavailable, relying on periodic rescan only: %v", werr)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	dl := client.New(trk, avail, client.Options{
		SelfID:         mgr.PeerID(),
		PeerTCPPort:    cfg.PeerTCPPort,
		DownloadDir:    cfg.DownloadDir,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		Store:          store,
		OnReseed:       mgr.Reseed,
	})

	if *download != "" {
		result, err := dl.Download(context.Background(), *download, *reseed)
		if err != nil {
			mgr.Disconnect()
			glog.Fatalf("peer: download %s: %v", *download, err)
		}
		glog.Infof("peer: downloaded %s to %s", *download, result.Path)
		mgr.Disconnect()
		return
	}

	status := statusapi.New(fmt.Sprintf(":%d", cfg.StatusHTTPPort), func() (interface{}, error) {
		return struct {
			Username    string   `json:"username"`
			PeerID      string   `json:"peer_id"`
			Files       []string `json:"files"`
			Unavailable []string `json:"unavailable_seeders"`
		}{
			Username:    cfg.Username,
			PeerID:      mgr.PeerID(),
			Files:       store.Filenames(),
			Unavailable: avail.Unavailable(),
		}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := status.Serve(ctx); err != nil {
			glog.Warningf("peer: status server: %v", err)
		}
	}()

	lifecycleDone := make(chan struct{})
	go func() { mgr.Run(ctx); close(lifecycleDone) }()

	glog.Info("peer: running, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	glog.Info("peer: shutdown signal received")
	cancel()

	select {
	case <-lifecycleDone:
	case <-time.After(10 * time.Second):
		glog.Warning("peer: lifecycle did not stop within timeout, exiting anyway")
	}
	glog.Info("peer: stopped")
}
