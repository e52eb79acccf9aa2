package tracker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
)

const maxDatagramSize = 4096 // spec §6: 4096 bytes max for LIST_FILES/LIST_ACTIVE

// Server binds a Tracker to a single UDP socket and dispatches each
// incoming datagram to its own goroutine (spec §4.2, §5: "Requests are
// processed concurrently; all shared-state mutations serialize on a
// single mutual-exclusion region").
type Server struct {
	tracker *Tracker
	conn    *net.UDPConn

	sweepPeriod time.Duration

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Listen binds the UDP socket for the tracker at addr (e.g. ":9000").
func Listen(t *Tracker, addr string) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("tracker: listen %s: %w", addr, err)
	}
	return &Server{
		tracker:     t,
		conn:        conn,
		sweepPeriod: DefaultSweepPeriod,
		stop:        make(chan struct{}),
	}, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve runs the receive loop and the inactivity sweeper until ctx is
// canceled or Close is called. It blocks until both have exited.
func (s *Server) Serve(ctx context.Context) error {
	s.wg.Add(1)
	go s.runSweeper(ctx)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.wg.Wait()
			return ctx.Err()
		case <-s.stop:
			s.wg.Wait()
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stop:
				s.wg.Wait()
				return nil
			default:
			}
			glog.Warningf("tracker: read error: %v", err)
			continue
		}

		frame := string(buf[:n])
		s.wg.Add(1)
		go func(frame string, addr *net.UDPAddr) {
			defer s.wg.Done()
			resp := s.tracker.Handle(frame, addr.IP.String(), addr.Port)
			if len(resp) > maxDatagramSize {
				resp = resp[:maxDatagramSize]
			}
			if _, err := s.conn.WriteToUDP([]byte(resp), addr); err != nil {
				glog.Warningf("tracker: write response to %s: %v", addr, err)
			}
		}(frame, addr)
	}
}

// Close stops the server. Safe to call multiple times.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
}

// runSweeper periodically removes peers inactive longer than
// peerTimeout (spec §4.2).
func (s *Server) runSweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tracker.sweep()
		}
	}
}

// sweep removes every peer whose last activity predates peerTimeout,
// cascading file repository cleanup (spec §3, §4.2).
func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.peerTimeout)

	t.mu.Lock()
	var expired []string
	for key, rec := range t.peers {
		if rec.lastActivity.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	type removedPeer struct {
		username string
		host     string
		port     int
	}
	removed := make([]removedPeer, 0, len(expired))
	for _, key := range expired {
		rec := t.peers[key]
		removed = append(removed, removedPeer{rec.username, rec.addr.Host, rec.addr.Port})
		t.removePeerLocked(key)
	}
	t.mu.Unlock()

	for _, r := range removed {
		glog.Infof("tracker: sweep removed %s@%s:%d (reason=timeout)", r.username, r.host, r.port)
		t.audit.Record("SWEEP", r.username, r.host, r.port, "timeout")
	}
}
