// Package bus implements the in-process event bus the evaluation engines
// subscribe to. Delivery is synchronous and per-handler panic isolated: one
// misbehaving handler cannot prevent delivery to the others.
package bus

import (
	"sync"

	"streamhub/internal/core"
)

// Handler consumes one stream event.
type Handler func(ev core.StreamEvent)

// Bus is a minimal observer registry with explicit subscribe/unsubscribe.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	logger   core.ILogger
}

// New creates an event bus.
func New(logger core.ILogger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger.WithField("component", "event_bus"),
	}
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	return id
}

// Unsubscribe removes a handler. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish delivers the event to every registered handler.
func (b *Bus) Publish(ev core.StreamEvent) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev core.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "panic", r, "kind", ev.Kind, "user", ev.User)
		}
	}()
	h(ev)
}

// HandlerCount returns the number of registered handlers.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
