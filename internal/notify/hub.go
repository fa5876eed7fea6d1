package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harlowe/matterflow/pkg/schema"
)

const defaultChannelBuffer = 64

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Hub provides in-process pub/sub over notification events. The
// automation runner and the tool surface subscribe here; the runtime's
// queue publishes into it via a HubDispatcher.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

type subscriber struct {
	ch     chan *schema.Event
	filter Filter
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to all matching subscribers. Non-blocking: a
// slow subscriber with a full channel misses the event.
func (h *Hub) Publish(ctx context.Context, event *schema.Event) error {
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
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. Returns a receive-only
// channel and a cancel function that must be called to release it.
func (h *Hub) Subscribe(filter Filter) (<-chan *schema.Event, func()) {
	id := h.seq.Add(1)
	ch := make(chan *schema.Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Dispatcher adapts the Hub to the Dispatcher interface.
func (h *Hub) Dispatcher() Dispatcher {
	return DispatcherFunc(func(ctx context.Context, event *schema.Event) error {
		return h.Publish(ctx, event)
	})
}

func matchFilter(f Filter, e *schema.Event) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
