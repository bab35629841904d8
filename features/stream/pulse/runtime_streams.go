package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/stepflow/features/stream/pulse/clients/pulse"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// RuntimeStreams shares one Pulse client between the publishing sink
	// handed to the runtime and the subscribers serving clients.
	RuntimeStreams struct {
		sink   *Sink
		client clientspulse.Client
	}

	// RuntimeStreamsOptions configures NewRuntimeStreams.
	RuntimeStreamsOptions struct {
		// Client is required.
		Client clientspulse.Client
		// Sink overrides the publishing sink options. Its Client field is
		// ignored.
		Sink Options
	}
)

// NewRuntimeStreams builds the publishing sink on opts.Client.
func NewRuntimeStreams(opts RuntimeStreamsOptions) (*RuntimeStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RuntimeStreams{sink: sink, client: opts.Client}, nil
}

// Sink returns the publishing sink, suitable for runtime.WithStream.
func (r *RuntimeStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber returns a subscriber on the shared client.
func (r *RuntimeStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// DestroyRun deletes the default stream of a finished run.
func (r *RuntimeStreams) DestroyRun(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	str, err := r.client.Stream(StreamName(runID))
	if err != nil {
		return err
	}
	return str.Destroy(ctx)
}

// Close closes the publishing sink and its client. Cancel subscribers first.
func (r *RuntimeStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
