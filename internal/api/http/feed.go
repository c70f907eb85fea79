package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"corpus-dispatch/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	feedBuffer   = 256
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// feedClient is one subscriber. Its writer goroutine drains send; the hub
// closes send when it drops the client.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans progress events out to websocket subscribers. It implements
// domain.ProgressNotifier; events published while the buffer is full are
// dropped, and so is any subscriber that cannot keep up.
type Hub struct {
	clients    map[*feedClient]bool
	broadcast  chan []byte
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan []byte, feedBuffer),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "progress-feed"),
	}
}

// Run owns the subscriber set until ctx is done, then releases every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug("feed client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				h.logger.Debug("feed client disconnected", "clients", len(h.clients))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("feed client too slow, dropping it", "clients", len(h.clients)-1)
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *feedClient) {
	delete(h.clients, c)
	close(c.send)
}

// Publish never blocks.
func (h *Hub) Publish(ev domain.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal progress event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("progress feed full, event dropped", "kind", ev.Kind)
	}
}

// ServeHTTP upgrades the request and keeps the subscription until the
// client goes away or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade feed connection", "error", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		h.write(c)
	}()

	// subscribers never send anything we care about; reading detects close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case h.unregister <- c:
	case <-h.done:
	}
	<-written
}

// write delivers queued events until the hub closes send, then closes the
// connection, which also ends the read loop.
func (h *Hub) write(c *feedClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("feed write failed", "error", err)
			c.conn.Close()
			// the read loop unregisters us; drain until the hub closes send
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
