package poller

import (
	"sync"
	"sync/atomic"

	"github.com/fentz26/lexgate/internal/snapshot"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub fans deltas out to subscribers without blocking the poller.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan snapshot.Delta]struct{}
	dropped atomic.Uint64
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan snapshot.Delta]struct{})}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe(buffer int) chan snapshot.Delta {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan snapshot.Delta, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (h *Hub) Unsubscribe(ch chan snapshot.Delta) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers d to every subscriber with room for it. Slow
// subscribers miss the message.
func (h *Hub) Publish(d snapshot.Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- d:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages slow subscribers missed.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
