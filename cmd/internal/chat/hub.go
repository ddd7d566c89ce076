package chat

import (
	"log/slog"
	"sync"

	v1 "relay/shared/contracts/chat/v1"
)

// Hub is the per-worker connection table: session id -> send handle.
// It is the only broadcast capability handed to the fanout layer; there is no
// ambient global socket registry.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the connection table.
func (h *Hub) Register(client *Client) {
	if h == nil || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.SessionID] = client
	h.mu.Unlock()

	h.log.Info("hub.client.register", "session_id", client.SessionID)
}

// Unregister removes a client and signals shutdown for it.
func (h *Hub) Unregister(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	var cl *Client

	h.mu.Lock()
	cl = h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()

	// Signal client shutdown after removing from the table.
	// This ordering avoids race windows where a broadcaster still holds a
	// pointer while the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	h.log.Info("hub.client.unregister", "session_id", sessionID)
}

// Broadcast fanouts an envelope to all connected clients on this worker.
// Non-blocking: if a client queue is full or the client is shutting down, it
// is dropped for that client.
func (h *Hub) Broadcast(env v1.Envelope) {
	h.BroadcastExcept("", env)
}

// BroadcastExcept fanouts an envelope to all clients except exceptSessionID.
func (h *Hub) BroadcastExcept(exceptSessionID string, env v1.Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		if c == nil || id == exceptSessionID {
			continue
		}

		select {
		case <-c.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			// Drop rather than block the whole worker.
		}
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
