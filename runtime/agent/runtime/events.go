package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/stepflow/runtime/agent/hooks"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// emitter serializes event construction and delivery for one run so that
	// sequence numbers follow emission order even when tool calls of a batch
	// report concurrently.
	emitter struct {
		mu      sync.Mutex
		bus     hooks.Bus
		factory *stream.Factory
	}

	// publishError wraps delivery failures so the loop can tell them apart
	// from model and tool errors.
	publishError struct {
		err error
	}
)

func newEmitter(bus hooks.Bus, scope stream.Scope, last int64, now func() time.Time) *emitter {
	return &emitter{bus: bus, factory: stream.NewFactory(scope, last).WithClock(now)}
}

// emit builds and publishes the next event. Delivery ignores the caller's
// cancellation so terminal events of cancelled runs still reach subscribers.
func (e *emitter) emit(ctx context.Context, t stream.EventType, stepID string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, err := e.factory.New(t, stepID, payload)
	if err != nil {
		return &publishError{err: err}
	}
	if err := e.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		return &publishError{err: err}
	}
	return nil
}

// sequence returns the sequence of the last event emitted.
func (e *emitter) sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.factory.Sequence()
}

func (e *publishError) Error() string { return "publish event: " + e.err.Error() }

func (e *publishError) Unwrap() error { return e.err }

func isPublishError(err error) bool {
	var pe *publishError
	return errors.As(err, &pe)
}
