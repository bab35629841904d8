// Package pulse publishes run events to goa.design/pulse streams and reads
// them back. Services build a Redis client, wrap it with
// features/stream/pulse/clients/pulse and hand the resulting Sink to the
// runtime through runtime.WithStream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/stepflow/features/stream/pulse/clients/pulse"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes the events. Required.
		Client clientspulse.Client
		// StreamID maps an event to its Pulse stream. Defaults to
		// "run/<run_id>".
		StreamID func(stream.Event) (string, error)
		// OnPublished runs after each successful publish. An error it returns
		// is returned by Send.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes an event written to Pulse.
	PublishedEvent struct {
		Event    stream.Event
		StreamID string
		EntryID  string
	}

	// Sink implements stream.Sink on Pulse. It is safe for concurrent use.
	Sink struct {
		client      clientspulse.Client
		streamID    func(stream.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
	}
)

// NewSink returns a Pulse sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sid := opts.StreamID
	if sid == nil {
		sid = RunStreamID
	}
	return &Sink{client: opts.Client, streamID: sid, onPublished: opts.OnPublished}, nil
}

// RunStreamID returns the default stream of an event: "run/<run_id>".
func RunStreamID(e stream.Event) (string, error) {
	if e.RunID == "" {
		return "", errors.New("stream event missing run id")
	}
	return StreamName(e.RunID), nil
}

// StreamName returns the name of the default stream of a run.
func StreamName(runID string) string {
	return fmt.Sprintf("run/%s", runID)
}

// Send publishes the JSON encoding of event under its type name.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	sid, err := s.streamID(event)
	if err != nil {
		return err
	}
	str, err := s.client.Stream(sid)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	id, err := str.Add(ctx, string(event.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: event, StreamID: sid, EntryID: id})
	}
	return nil
}

// Close closes the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ stream.Sink = (*Sink)(nil)
