// Package trackerclient is the UDP request/response client shared by
// the peer downloader (GET_PEERS) and the peer lifecycle (REGISTER,
// KEEP_ALIVE, UPDATE_FILES, DISCONNECT) — spec §4.2, §4.4, §4.5, §6.
// Send accepts any frame, so other verbs go through it the same way.
//
// Client owns a single UDP socket, dialed once and reused for every
// request: spec §3 defines PeerAddress as "a stable identifier across
// tracker interactions", so the source port the tracker observes must
// not change between REGISTER and later KEEP_ALIVE/DISCONNECT calls.
package trackerclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chunkswarm/chunkswarm/internal/errs"
)

const maxDatagramSize = 4096

// Client sends one request datagram and waits for one response
// datagram (spec §4.2: "one request, one response") over a single,
// long-lived UDP socket.
type Client struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	timeout time.Duration
}

// New dials the tracker's UDP address once. localPort, if non-zero,
// fixes the local UDP port this peer presents as its PeerAddress
// (useful when the peer wants a predictable port to advertise
// elsewhere); zero lets the OS pick an ephemeral port, which remains
// stable for the lifetime of this Client.
func New(host string, port int, localPort int, timeout time.Duration) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("trackerclient: resolve %s:%d: %w", host, port, err)
	}
	var laddr *net.UDPAddr
	if localPort != 0 {
		laddr = &net.UDPAddr{Port: localPort}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindTrackerUnreachable, "dial tracker", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Send transmits frame and returns the tracker's response, or a
// Timeout/TrackerUnreachable error.
func (c *Client) Send(frame string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write([]byte(frame)); err != nil {
		return "", errs.Wrap(errs.KindTrackerUnreachable, "send to tracker", err)
	}

	buf := make([]byte, maxDatagramSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", errs.Wrap(errs.KindTimeout, "tracker response", err)
		}
		return "", errs.Wrap(errs.KindTrackerUnreachable, "read tracker response", err)
	}
	return string(buf[:n]), nil
}

// LocalAddr returns the (host, port) this client presents to the
// tracker — its PeerAddress.
func (c *Client) LocalAddr() (host string, port int) {
	local := c.conn.LocalAddr().(*net.UDPAddr)
	return local.IP.String(), local.Port
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}
