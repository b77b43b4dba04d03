package realtime

import (
	"log/slog"
	"sync"

	v1 "qamanager/shared/contracts/realtime/v1"
)

// Hub is the set of connected feed clients.
//
// Register/Unregister are safe under concurrent Broadcast, and Broadcast
// never blocks on a slow client.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	if c == nil || c.SessionID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.SessionID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("feed.client.join", "session_id", c.SessionID, "clients", n)
}

// Unregister removes a client and then signals its shutdown.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	c := h.clients[sessionID]
	delete(h.clients, sessionID)
	n := len(h.clients)
	h.mu.Unlock()

	if c != nil {
		c.Close()
		h.log.Info("feed.client.leave", "session_id", sessionID, "clients", n)
	}
}

// Broadcast fans env out to every client. Returns how many accepted it.
func (h *Hub) Broadcast(env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.clients {
		if c.offer(env) {
			n++
		}
	}
	return n
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
