// Command tracker runs the chunkswarm tracker daemon: UDP membership
// and file→seeders index (spec §4.2).
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

	"github.com/chunkswarm/chunkswarm/internal/auditlog"
	"github.com/chunkswarm/chunkswarm/internal/config"
	"github.com/chunkswarm/chunkswarm/internal/statusapi"
	"github.com/chunkswarm/chunkswarm/internal/tracker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "tracker.config", "path to the tracker config file")
	flag.Parse()

	glog.Infof("chunkswarm tracker %s starting", Version)

	workDir, _ := os.Getwd()
	path := *configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		glog.Fatalf("tracker: load config: %v", err)
	}
	glog.Infof("tracker: udp_port=%d peer_limit=%d peer_timeout=%s status_port=%d",
		cfg.TrackerUDPPort, cfg.PeerLimit, cfg.PeerTimeout, cfg.StatusHTTPPort)

	t := tracker.New(cfg.PeerLimit, cfg.PeerTimeout)

	if cfg.AuditDSN != "" {
		sink, err := auditlog.Open(cfg.AuditDSN)
		if err != nil {
			glog.Fatalf("tracker: audit sink: %v", err)
		}
		defer sink.Close()
		t.SetAuditRecorder(sink)
	}

	srv, err := tracker.Listen(t, fmt.Sprintf(":%d", cfg.TrackerUDPPort))
	if err != nil {
		glog.Fatalf("tracker: listen: %v", err)
	}

	status := statusapi.New(fmt.Sprintf(":%d", cfg.StatusHTTPPort), func() (interface{}, error) {
		return t.Snapshot(), nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	go func() {
		if err := status.Serve(ctx); err != nil {
			glog.Warningf("tracker: status server: %v", err)
		}
	}()

	glog.Info("tracker: running, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	glog.Info("tracker: shutdown signal received")
	cancel()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			glog.Warningf("tracker: serve exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		glog.Warning("tracker: serve did not stop within timeout, exiting anyway")
	}
	glog.Info("tracker: stopped")
}
