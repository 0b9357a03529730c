// Package events broadcasts post lifecycle transitions to connected admin
// dashboards over websockets. Single broadcaster goroutine; slow or dead
// clients are dropped rather than blocking the pipeline.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxConnections = 100

// PostEvent is one status transition pushed to dashboards.
type PostEvent struct {
	PostID     uuid.UUID `json:"post_id"`
	Status     string    `json:"status"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Hub fans post events out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	events chan PostEvent
}

// NewHub creates an empty hub. Run must be started for events to flow.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		events:  make(chan PostEvent, 256),
	}
}

// Publish enqueues an event without blocking; events are dropped if the
// buffer is full (dashboards are best-effort).
func (h *Hub) Publish(ev PostEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.events <- ev:
	default:
	}
}

// Register adds a client connection. Returns false if the hub is full.
func (h *Hub) Register(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxConnections {
		return false
	}
	h.clients[conn] = struct{}{}
	log.Printf("event hub: client registered, total %d", len(h.clients))
	return true
}

// Unregister removes and closes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Run drains the event channel and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev PostEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
