package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/stepflow/features/stream/pulse/clients/pulse"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// Decoder converts a Pulse entry payload into an event.
	Decoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads the streams. Required.
		Client clientspulse.Client
		// SinkName is the consumer group name. Defaults to
		// "stepflow_subscriber".
		SinkName string
		// Buffer is the capacity of the event channel. Defaults to 64.
		Buffer int
		// Decoder defaults to JSON decoding of stream.Event.
		Decoder Decoder
	}

	// Subscriber reads run events back from Pulse streams.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
		decode Decoder
	}
)

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client: opts.Client,
		name:   opts.SinkName,
		buffer: opts.Buffer,
		decode: opts.Decoder,
	}
	if s.name == "" {
		s.name = "stepflow_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.decode == nil {
		s.decode = decodeEvent
	}
	return s, nil
}

// SubscribeRun subscribes to the default stream of a run.
func (s *Subscriber) SubscribeRun(ctx context.Context, runID string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	return s.Subscribe(ctx, StreamName(runID), opts...)
}

// Subscribe opens a consumer group on streamID. Events are delivered in
// stream order; an event whose sequence does not exceed the last one
// delivered for its run is acknowledged and dropped, so redeliveries never
// reach the caller twice. Both channels are closed when the returned cancel
// function is called, ctx is done, the stream sink closes or an error is
// reported.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	last := make(map[string]int64)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			ev, err := s.decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			if ev.Sequence > last[ev.RunID] {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				last[ev.RunID] = ev.Sequence
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decodeEvent(payload []byte) (stream.Event, error) {
	var ev stream.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return stream.Event{}, err
	}
	if ev.Type == "" || ev.RunID == "" {
		return stream.Event{}, errors.New("event type and run id are required")
	}
	return ev, nil
}
