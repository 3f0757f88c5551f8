package streaming

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowcanvas/pkg/schema"
)

const defaultChannelBuffer = 256

// subscriber holds a channel and filter for a single channel subscriber.
type subscriber struct {
	ch     chan schema.ExecutionEvent
	filter EventFilter
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// MemoryHub is an in-memory EventHub.
//
// Listeners are called on the publishing goroutine and therefore observe
// events in exactly the order they were published. Channel subscribers are
// fed without blocking: a full channel drops the event for that subscriber
// only, so transports must be able to recover (the panel replays from the
// journal).
type MemoryHub struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	listeners []listenerEntry
	seq       atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish delivers an event to every listener and matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event schema.ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	listeners := make([]listenerEntry, len(h.listeners))
	copy(listeners, h.listeners)
	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()

	// Called outside the lock so a listener may add or remove listeners.
	for _, l := range listeners {
		l.fn(event)
	}
	return nil
}

// Subscribe creates a buffered channel subscription filtered by filter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.ExecutionEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}

	return ch, cancel, nil
}

// AddListener registers a synchronous listener. The returned function
// removes it; calling it more than once is harmless.
func (h *MemoryHub) AddListener(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	id := h.seq.Add(1)

	h.mu.Lock()
	h.listeners = append(h.listeners, listenerEntry{id: id, fn: fn})
	sort.Slice(h.listeners, func(i, j int) bool { return h.listeners[i].id < h.listeners[j].id })
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, l := range h.listeners {
			if l.id == id {
				h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dropped returns how many channel deliveries were dropped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

var _ EventHub = (*MemoryHub)(nil)
