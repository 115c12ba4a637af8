package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is how many undelivered events a subscriber may hold.
const DefaultBufferSize = 64

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBufferSize sets the per-subscriber buffer. Values below 1 are ignored.
func WithBufferSize(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// MemoryHub is an in-process EventHub. Publish never blocks: an event for a
// subscriber whose buffer is full is dropped and counted.
type MemoryHub struct {
	bufferSize int

	mu      sync.RWMutex
	subs    map[uint64]subscription
	nextID  uint64
	dropped atomic.Uint64
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		bufferSize: DefaultBufferSize,
		subs:       make(map[uint64]subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription that lasts until cancel is
// called or ctx ends. cancel may be called more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan StreamEvent, h.bufferSize)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscription{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := sync.OnceFunc(func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	})
	context.AfterFunc(ctx, cancel)
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
