// Package events delivers typed engine events to observers in strict
// program order.
package events

import (
	"sync"
	"sync/atomic"

	"rlm/internal/logging"
	"rlm/pkg/types"
)

// Handler consumes engine events. Handlers run on the publisher goroutine;
// slow handlers slow the engine, which is the price of ordered delivery.
type Handler func(types.Event)

// Bus is the ordered event fan-out. Events published from one goroutine are
// observed by every subscriber in publication order.
type Bus struct {
	mu       sync.Mutex
	handlers map[int64]Handler
	order    []int64
	nextID   atomic.Int64
	logger   logging.Logger
	closed   bool
}

// NewBus creates an event bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[int64]Handler),
		logger:   logging.OrNop(logger),
	}
}

// Subscribe registers a handler for all events and returns its id.
func (b *Bus) Subscribe(handler Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid := b.nextID.Add(1)
	b.handlers[sid] = handler
	b.order = append(b.order, sid)
	return sid
}

// Unsubscribe removes a handler.
func (b *Bus) Unsubscribe(sid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[sid]; !ok {
		return
	}
	delete(b.handlers, sid)
	for i, existing := range b.order {
		if existing == sid {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers the event to every subscriber, in subscription order,
// synchronously. A panicking handler is recovered and logged so one observer
// cannot take down the engine.
func (b *Bus) Publish(event types.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(b.order))
	for _, sid := range b.order {
		handlers = append(handlers, b.handlers[sid])
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

func (b *Bus) deliver(handler Handler, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked on %s: %v", event.EventType(), r)
		}
	}()
	handler(event)
}

// Close stops further delivery. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int64]Handler)
	b.order = nil
}
