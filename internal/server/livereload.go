package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/kiln/internal/events"
	"github.com/conneroisu/kiln/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// ChangeMessage is the JSON frame sent to live-reload clients.
type ChangeMessage struct {
	Type       string    `json:"type"`
	Path       string    `json:"path,omitempty"`
	Suppressed bool      `json:"suppressed"`
	Timestamp  time.Time `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub relays change events from the environment bus to every connected
// live-reload websocket.
type Hub struct {
	clients    map[*client]bool
	mutex      sync.RWMutex
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     logging.Logger
}

// NewHub creates a hub. Run must be called for it to deliver anything.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.WithComponent("livereload"),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run forwards changes to clients until ctx is done, then disconnects them.
func (h *Hub) Run(ctx context.Context, changes <-chan events.Change) {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug(ctx, "client connected", "clients", count)
		case c := <-h.unregister:
			h.drop(c)
		case change, ok := <-changes:
			if !ok {
				return
			}
			h.broadcast(ctx, change)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, change events.Change) {
	message, err := json.Marshal(ChangeMessage{
		Type:       "change",
		Path:       change.Path,
		Suppressed: change.Suppressed,
		Timestamp:  change.Timestamp,
	})
	if err != nil {
		h.logger.Error(ctx, err, "cannot encode change")
		return
	}

	var failed []*client
	h.mutex.RLock()
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			failed = append(failed, c)
		}
	}
	h.mutex.RUnlock()

	for _, c := range failed {
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{
		conn: conn,
		send: make(chan []byte, 16),
		hub:  h,
	}
	go c.writePump()
	go c.readPump()

	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// readPump drains the connection so pings, pongs and close frames are
// processed.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, _, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.hub.logger.Debug(context.Background(), "websocket closed", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
