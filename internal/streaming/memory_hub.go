package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch      chan StreamEvent
	filter  EventFilter
	dropped atomic.Uint64
}

// MemoryHub is an in-process EventHub backed by buffered channels.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
}

// NewMemoryHub creates a MemoryHub. buffer sizes each subscriber channel; zero
// takes the default.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Publish delivers event to every matching subscriber. It never blocks: a
// subscriber with a full channel misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan StreamEvent, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.OrgID != uuid.Nil && f.OrgID != e.OrgID {
		return false
	}
	if f.PlaybookID != uuid.Nil && f.PlaybookID != e.PlaybookID {
		return false
	}
	if f.RunID != uuid.Nil && f.RunID != e.RunID {
		return false
	}
	if f.GroupID != uuid.Nil && (e.GroupID == nil || *e.GroupID != f.GroupID) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	return true
}
