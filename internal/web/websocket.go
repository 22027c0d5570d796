package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one frame of the live feed.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	clientQueue  = 32
	writeTimeout = 10 * time.Second
)

// client is one websocket subscriber with its own send queue. Fanout never
// writes to a socket directly, so one slow reader cannot stall the feed
// for everyone else.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// writePump drains the send queue onto the socket until the queue closes
// or a write fails.
func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
}

type Hub struct {
	broadcast chan Event

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan Event, 256),
		clients:   make(map[*client]struct{}),
	}
}

// Run fans broadcast events out to every connected client. Each event is
// marshalled once; a client whose queue is full is evicted rather than
// waited on.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// The reader stopped keeping up.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("event feed saturated, dropping event", "type", ev.Type)
	}
}

func (h *Hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := s.hub.register(conn)
	go c.writePump()

	// The feed is one-way; reading only notices the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister(c)
}
