package eventsaga

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sasha-s/go-deadlock"
)

// EventHandler reacts to one delivered event. A returned error is logged by
// the dispatcher and never propagated to the publisher.
type EventHandler func(ctx context.Context, event DomainEvent) error

// Dispatcher fans inbound events out to the handlers subscribed to their
// type. Publishing never fails from the caller's point of view: every handler
// for the type is attempted and handler failures stay inside the dispatcher.
type Dispatcher struct {
	mu       deadlock.RWMutex
	handlers map[EventType][]EventHandler
	logger   Logger
}

func NewDispatcher(logger Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType][]EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type. Multiple handlers per type
// are allowed and all are invoked on publish.
func (d *Dispatcher) Subscribe(eventType EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = append(d.handlers[eventType], handler)
	d.logger.Debug(context.Background(), "dispatcher subscribed handler", "event_type", eventType, "handlers", len(d.handlers[eventType]))
}

// Publish delivers the event to every handler subscribed to its type. Events
// whose type matches no subscription are silently ignored; most events are
// not saga related.
func (d *Dispatcher) Publish(ctx context.Context, event DomainEvent) {
	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers[event.EventType]))
	copy(handlers, d.handlers[event.EventType])
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug(ctx, "dispatcher has no handler for event", "event_type", event.EventType, "aggregate_id", event.AggregateID)
		return
	}

	for i, handler := range handlers {
		if err := d.invoke(ctx, handler, event); err != nil {
			d.logger.Error(ctx, "event handler failed", "event_type", event.EventType, "aggregate_id", event.AggregateID, "event_id", event.EventID, "handler", i, "error", err)
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, handler EventHandler, event DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			d.logger.Error(ctx, "event handler panicked", "event_type", event.EventType, "stack_trace", string(buf[:n]))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}
