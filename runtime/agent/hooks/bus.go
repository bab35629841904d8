// Package hooks fans protocol events out to in-process observers. The
// runtime publishes every event of a run to a Bus; persistence, streaming
// sinks and tests subscribe to it instead of registering lifecycle callbacks.
package hooks

import (
	"context"
	"errors"
	"sync"

	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// Bus publishes events to registered subscribers in a fan-out pattern.
	// The bus is thread-safe and supports concurrent Publish, Register, and
	// Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and iteration stops at the first subscriber error.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		Publish(ctx context.Context, event stream.Event) error
		// Register adds a subscriber to the bus and returns a Subscription that
		// can be closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	//
	// HandleEvent should return an error only if event processing fails in a
	// way that should halt the run (e.g. a critical persistence failure).
	// Non-critical failures should be logged and ignored.
	Subscriber interface {
		HandleEvent(ctx context.Context, event stream.Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event stream.Event) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs a new in-memory event bus.
func NewBus() Bus {
	return &bus{}
}

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event stream.Event) error {
	return f(ctx, event)
}

// Publish delivers event to a snapshot of the registered subscribers.
func (b *bus) Publish(ctx context.Context, event stream.Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s.sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, cur := range s.bus.subs {
			if cur == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
