package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Event is one JSON object, sent as a single websocket text message to
// observers of /status/stream. Only events handed to Hub.Publish are
// sent; the tracker and peer daemons do not publish any. Purely
// observational; nothing consumes these to drive protocol state.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out Events to every connected /status/stream observer.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	publish    chan Event
	register   chan *client
	unregister chan *client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		publish:    make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Publish broadcasts ev to every connected observer. Non-blocking: a
// full publish queue drops the event rather than stall the caller.
func (h *Hub) Publish(ev Event) {
	ev.At = time.Now()
	select {
	case h.publish <- ev:
	default:
		glog.Warningf("statusapi: event queue full, dropped %s event", ev.Type)
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]struct{})
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case ev := <-h.publish:
			body, err := json.Marshal(ev)
			if err != nil {
				glog.Warningf("statusapi: marshal event: %v", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- body:
				default:
					glog.Warningf("statusapi: slow observer, dropping connection")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("statusapi: websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.register <- c
	go c.writeLoop()
	go c.readLoop(h)
}

// readLoop only exists to notice the peer closing the connection;
// /status/stream is push-only.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for body := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}
