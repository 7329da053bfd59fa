// Package notify implements the lifecycle event fan-out. Delivery is
// best-effort and at-most-once: publishers never block and slow subscribers
// lose events rather than backing up the reconciler.
package notify

import (
	"context"
	"sync"

	"github.com/braintheria/bounty_layer/internal/app/system"
	"github.com/braintheria/bounty_layer/pkg/logger"
)

// Event types published by the platform.
const (
	QuestionCreated = "question:created"
	QuestionClosed  = "question:closed"
	AnswerCreated   = "answer:created"
	AnswerUpdated   = "answer:updated"
	AnswerDeleted   = "answer:deleted"
	AnswerConfirmed = "answer:confirmed"
	BountyUpdated   = "bounty:updated"
)

// Event is a lifecycle notification delivered to stream subscribers.
type Event struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
}

const subscriberBuffer = 16

// Hub is the broadcast channel for lifecycle events. It is owned by the
// application and injected into the services that publish, never imported
// as a process-global.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
	dropped uint64
	log     *logger.Logger
}

var _ system.Service = (*Hub)(nil)

// NewHub creates an idle hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Hub{subs: make(map[int]chan Event), log: log}
}

func (h *Hub) Name() string { return "notify-hub" }

func (h *Hub) Start(context.Context) error { return nil }

// Stop closes every subscriber channel. Publishing after Stop is a no-op.
func (h *Hub) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	return nil
}

// Subscribe registers a listener. The returned cancel function must be
// called when the consumer goes away; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish broadcasts the event to all current subscribers without blocking.
// Events for subscribers with a full buffer are dropped.
func (h *Hub) Publish(eventType, entityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	ev := Event{Type: eventType, EntityID: entityID}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Dropped reports how many events were discarded due to slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
