package hooks

import (
	"context"
	"errors"

	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// StreamSubscriber forwards bus events to a stream.Sink such as an SSE
	// connection or a Pulse stream. An optional filter restricts the
	// forwarded event types.
	StreamSubscriber struct {
		sink  stream.Sink
		types map[stream.EventType]struct{}
	}
)

// NewStreamSubscriber returns a subscriber forwarding events to sink. When
// types is non-empty only those event types are forwarded.
func NewStreamSubscriber(sink stream.Sink, types ...stream.EventType) (*StreamSubscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	s := &StreamSubscriber{sink: sink}
	if len(types) > 0 {
		s.types = make(map[stream.EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	return s, nil
}

// HandleEvent implements Subscriber. Sink errors are returned so the
// publisher sees streaming failures.
func (s *StreamSubscriber) HandleEvent(ctx context.Context, event stream.Event) error {
	if s.types != nil {
		if _, ok := s.types[event.Type]; !ok {
			return nil
		}
	}
	return s.sink.Send(ctx, event)
}
