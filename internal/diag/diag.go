// Package diag is a local-only, best-effort event feed for watching a
// Node's role transitions and registry mutations live. It is not part
// of the peer-to-peer wire protocol: nothing outside this process ever
// depends on it, and a nil *Hub is always safe to use.
package diag

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a single diagnostic notification broadcast to connected
// local clients.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub fans out Events to any number of locally-connected WebSocket
// clients. The zero value is not usable; construct with NewHub.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub returns a Hub. Call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Run drains register/unregister/broadcast until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if err := c.WriteJSON(ev); err != nil {
					go func(c *websocket.Conn) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Notify enqueues an event for broadcast. It never blocks: a full
// queue drops the event rather than stall the caller. Safe to call on
// a nil *Hub, which makes it a no-op.
func (h *Hub) Notify(eventType string, data interface{}) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- Event{Type: eventType, Timestamp: time.Now(), Data: data}:
	default:
		log.Printf("diag: event queue full, dropping %q event", eventType)
	}
}

// ServeWS upgrades the request to a WebSocket and registers the
// connection with the hub. The connection is read-only from the
// client's point of view; any inbound message is discarded, and the
// read loop exists only to detect disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diag: upgrade failed: %v", err)
		return
	}
	h.register <- conn
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- conn
				return
			}
		}
	}()
}
