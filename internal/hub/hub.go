// Package hub fans events out to connected browser clients over
// per-connection buffered channels.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

const sendBuffer = 100

// Hub routes JSON-encoded events to subscribed client connections. A
// client whose buffer is full has the event dropped rather than blocking
// the event loop for everyone else.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan []byte
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[string]chan []byte)}
}

// Register subscribes a client id and returns the channel its connection
// writer drains. The channel is closed by Unregister.
func (h *Hub) Register(id string) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []byte, sendBuffer)
	h.clients[id] = ch
	return ch
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

// Send delivers an event to a single client. Unknown ids are a no-op:
// the client may have disconnected between submission and completion.
func (h *Hub) Send(id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: failed to encode event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if ch, ok := h.clients[id]; ok {
		push(ch, data, id)
	}
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(v any) {
	h.broadcast("", v)
}

// BroadcastExcept delivers an event to every client but the named one,
// used to relay one client's input to its peers.
func (h *Hub) BroadcastExcept(exclude string, v any) {
	h.broadcast(exclude, v)
}

func (h *Hub) broadcast(exclude string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("hub: failed to encode event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.clients {
		if id == exclude {
			continue
		}
		push(ch, data, id)
	}
}

func push(ch chan []byte, data []byte, id string) {
	select {
	case ch <- data:
	default:
		log.Printf("hub: dropping event for slow client %s", id)
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
