package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/talgya/cult-world/internal/governance"
)

const subscriberBuffer = 256

// Hub fans governance events out to stream subscribers. Slow subscribers
// lose events rather than stall the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan []byte
	nextID uint64

	dropped atomic.Uint64
}

var _ governance.EventSink = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan []byte)}
}

// Emit encodes ev once and offers it to every subscriber.
func (h *Hub) Emit(ev governance.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("stream event encode failed", "category", ev.Category, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The channel closes on Unsubscribe.
func (h *Hub) Subscribe() (uint64, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan []byte, subscriberBuffer)
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
