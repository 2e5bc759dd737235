// Package trigger – bus.go is the in-process event bus EVENT triggers
// subscribe to. Publish is synchronous and non-blocking for publishers in
// practice: handlers run inline, so they must be quick or spawn their own
// goroutines.
package trigger

import (
	"context"
	"sync"
	"time"
)

// Event is something that happened that triggers may react to.
type Event struct {
	Type      string
	TenantID  string
	Data      map[string]string
	Timestamp time.Time
}

// EventHandler consumes published events.
type EventHandler func(ctx context.Context, evt Event)

// EventBus fans events out to subscribers by type. Subscribing to "*"
// receives everything.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for an event type ("*" for all).
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers the event to matching subscribers.
func (b *EventBus) Publish(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[evt.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[evt.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, evt)
	}
}
