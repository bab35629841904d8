package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent/stream"
)

func testEvent(t *testing.T, runID string, seq int64) stream.Event {
	t.Helper()
	f := stream.NewFactory(stream.Scope{RunID: runID, SessionID: "sess-1"}, seq-1).
		WithClock(func() time.Time { return time.Unix(1700000000, 0) })
	ev, err := f.New(stream.StepDelta, "step-1", stream.StepDeltaPayload{Text: "hi"})
	require.NoError(t, err)
	return ev
}

func TestSendPublishesEvent(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	ev := testEvent(t, "run-123", 1)
	require.NoError(t, sink.Send(context.Background(), ev))

	fs := client.stream("run/run-123")
	require.Len(t, fs.entries, 1)
	assert.Equal(t, string(stream.StepDelta), fs.entries[0].event)
	var got stream.Event
	require.NoError(t, json.Unmarshal(fs.entries[0].payload, &got))
	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.Equal(t, ev.RunID, got.RunID)
	assert.JSONEq(t, string(ev.Data), string(got.Data))
}

func TestOnPublishedCalled(t *testing.T) {
	client := newFakeClient()
	var got PublishedEvent
	sink, err := NewSink(Options{
		Client: client,
		OnPublished: func(_ context.Context, pe PublishedEvent) error {
			got = pe
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testEvent(t, "run-1", 3)))
	assert.Equal(t, "run/run-1", got.StreamID)
	assert.Equal(t, entryID(1), got.EntryID)
	assert.Equal(t, int64(3), got.Event.Sequence)
}

func TestSendErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeClient) Options
		event func(*testing.T) stream.Event
		want  string
	}{
		{
			name:  "missing_run_id",
			setup: func(c *fakeClient) Options { return Options{Client: c} },
			event: func(*testing.T) stream.Event { return stream.Event{Type: stream.StepDelta} },
			want:  "stream event missing run id",
		},
		{
			name: "stream_error",
			setup: func(c *fakeClient) Options {
				c.streamErr = errBoom
				return Options{Client: c}
			},
			event: func(t *testing.T) stream.Event { return testEvent(t, "r", 1) },
			want:  "boom",
		},
		{
			name: "add_error",
			setup: func(c *fakeClient) Options {
				c.stream("run/r").addErr = errors.New("add-failed")
				return Options{Client: c}
			},
			event: func(t *testing.T) stream.Event { return testEvent(t, "r", 1) },
			want:  "add-failed",
		},
		{
			name: "on_published_error",
			setup: func(c *fakeClient) Options {
				return Options{Client: c, OnPublished: func(context.Context, PublishedEvent) error {
					return errors.New("after-publish")
				}}
			},
			event: func(t *testing.T) stream.Event { return testEvent(t, "r", 1) },
			want:  "after-publish",
		},
		{
			name: "custom_stream_id_error",
			setup: func(c *fakeClient) Options {
				return Options{Client: c, StreamID: func(stream.Event) (string, error) {
					return "", errors.New("no stream")
				}}
			},
			event: func(t *testing.T) stream.Event { return testEvent(t, "r", 1) },
			want:  "no stream",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink, err := NewSink(tc.setup(newFakeClient()))
			require.NoError(t, err)
			require.EqualError(t, sink.Send(context.Background(), tc.event(t)), tc.want)
		})
	}
}

func TestCustomStreamID(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(Options{
		Client: client,
		StreamID: func(e stream.Event) (string, error) {
			return "session/" + e.SessionID, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testEvent(t, "run-1", 1)))
	require.Len(t, client.stream("session/sess-1").entries, 1)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}
