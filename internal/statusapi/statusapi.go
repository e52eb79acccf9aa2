// Package statusapi is the ambient, read-only HTTP+websocket status
// surface carried on both the tracker and peer daemons. It never
// mutates tracker or peer state: the wire protocols in spec §4.2/§4.3
// remain the only way to do that. Routing follows the teacher's
// internal/api/server.go (gorilla/mux, grouped routes); the event feed
// reuses internal/websocket's hub shape for whatever events are handed
// to Hub.Publish; graceful shutdown is modeled
// on the majestrate-chihaya HTTP server's tylerb/graceful usage.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/tylerb/graceful"
)

// Snapshotter returns the current state to publish at GET /status. The
// tracker and peer daemons each implement this with their own view
// (membership+repository, or local chunk store+availability).
type Snapshotter func() (interface{}, error)

// Server is the ambient HTTP status server.
type Server struct {
	router  *mux.Router
	hub     *Hub
	grace   *graceful.Server
	addr    string
	snapper Snapshotter
}

// New builds a Server bound to addr (e.g. ":10861") that reports
// snapshot() at /status and streams Hub events at /status/stream.
func New(addr string, snapshot Snapshotter) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		hub:     NewHub(),
		addr:    addr,
		snapper: snapshot,
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/status/stream", s.hub.handleWebSocket).Methods("GET")
	return s
}

// Hub returns the event hub, for components to Publish progress events.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapper()
	if err != nil {
		glog.Warningf("statusapi: snapshot failed: %v", err)
		http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		glog.Warningf("statusapi: encode snapshot: %v", err)
	}
}

// Serve runs the hub and HTTP listener, blocking until ctx is
// cancelled, at which point it drains in-flight connections (spec
// §4.5's graceful shutdown, extended to cover this ambient surface).
func (s *Server) Serve(ctx context.Context) error {
	go s.hub.run(ctx)

	s.grace = &graceful.Server{
		Timeout: 5 * time.Second,
		Server: &http.Server{
			Addr:    s.addr,
			Handler: s.router,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		glog.Infof("statusapi: listening on %s", s.addr)
		errCh <- s.grace.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.grace.Stop(s.grace.Timeout)
		<-errCh
		glog.Info("statusapi: shut down cleanly")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("statusapi: serve: %w", err)
		}
		return nil
	}
}
