package sse

import (
	"sync"

	"github.com/satp-gateway/satp-gateway/internal/application/transfer"
)

const clientBuffer = 64

// client is one subscribed event stream. A sessionID filter of "" receives
// every event.
type client struct {
	sessionID string
	ch        chan transfer.Event
}

// Hub fans transfer events out to SSE subscribers. Publish never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// transfer engine.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Subscribe registers a stream. Events are dropped for slow consumers.
func (h *Hub) Subscribe(clientID, sessionID string) <-chan transfer.Event {
	c := &client{sessionID: sessionID, ch: make(chan transfer.Event, clientBuffer)}
	h.mu.Lock()
	h.clients[clientID] = c
	h.mu.Unlock()
	return c.ch
}

// Unsubscribe removes a stream and closes its channel.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
}

// Publish implements transfer.EventSink.
func (h *Hub) Publish(event transfer.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.sessionID != "" && c.sessionID != event.SessionID {
			continue
		}
		select {
		case c.ch <- event:
		default:
		}
	}
}

// ClientCount reports the number of live subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.ch)
		delete(h.clients, id)
	}
}
