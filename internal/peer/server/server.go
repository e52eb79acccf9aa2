// Package server implements the peer's TCP listener: PING,
// REQUEST_METADATA, REQUEST_CHUNK (spec §4.3).
package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chunkswarm/chunkswarm/internal/chunkstore"
	"github.com/chunkswarm/chunkswarm/internal/errs"
	"github.com/chunkswarm/chunkswarm/internal/peerproto"
)

// Store is the subset of *chunkstore.Store the peer server depends
// on, kept as an interface so tests can substitute a fake.
type Store interface {
	GetMetadata(filename string) (chunkstore.FileMetadata, error)
	ReadChunk(filename string, id int) ([]byte, error)
}

// Server accepts many concurrent TCP connections; each handles
// exactly one request and then closes (spec §4.3).
type Server struct {
	store    Store
	listener net.Listener

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Listen binds the peer's TCP socket at addr (e.g. ":12000").
func Listen(store Store, addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer server: listen %s: %w", addr, err)
	}
	return &Server{store: store, listener: ln, stop: make(chan struct{})}, nil
}

// Addr returns the bound local address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				s.wg.Wait()
				return nil
			default:
			}
			glog.Warningf("peer server: accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and returns at once; Serve
// then returns after in-flight connections finish.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.listener.Close()
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		glog.V(1).Infof("peer server: read request from %s: %v", conn.RemoteAddr(), err)
		return
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 3)

	switch fields[0] {
	case "PING":
		s.writeAll(conn, []byte(peerproto.Pong))
	case "REQUEST_METADATA":
		if len(fields) < 2 {
			s.writeAll(conn, []byte(peerproto.MetadataNotAvailable))
			return
		}
		s.handleRequestMetadata(conn, fields[1])
	case "REQUEST_CHUNK":
		if len(fields) < 3 {
			s.writeAll(conn, []byte(peerproto.ChunkNotFound))
			return
		}
		id, err := strconv.Atoi(fields[2])
		if err != nil {
			s.writeAll(conn, []byte(peerproto.ChunkNotFound))
			return
		}
		s.handleRequestChunk(conn, fields[1], id)
	default:
		glog.Warningf("peer server: unknown request %q from %s", fields[0], conn.RemoteAddr())
	}
}

func (s *Server) handleRequestMetadata(conn net.Conn, filename string) {
	meta, err := s.store.GetMetadata(filename)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			s.writeAll(conn, []byte(peerproto.FileNotFound))
			return
		}
		glog.Warningf("peer server: metadata lookup for %s: %v", filename, err)
		s.writeAll(conn, []byte(peerproto.MetadataNotAvailable))
		return
	}
	body, err := json.Marshal(peerproto.FromChunkStore(meta))
	if err != nil {
		s.writeAll(conn, []byte(peerproto.MetadataNotAvailable))
		return
	}
	s.writeAll(conn, body)
}

func (s *Server) handleRequestChunk(conn net.Conn, filename string, id int) {
	data, err := s.store.ReadChunk(filename, id)
	if err != nil {
		glog.V(1).Infof("peer server: chunk %s#%d unavailable: %v", filename, id, err)
		s.writeAll(conn, []byte(peerproto.ChunkNotFound))
		return
	}
	s.writeAll(conn, data)
}

// writeAll streams the response, tolerating short writes as the spec
// requires ("partial sends are permitted; clients must tolerate short
// reads") by looping until everything is sent or an error occurs.
func (s *Server) writeAll(conn net.Conn, data []byte) {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			glog.V(1).Infof("peer server: write to %s: %v", conn.RemoteAddr(), err)
			return
		}
		data = data[n:]
	}
}
