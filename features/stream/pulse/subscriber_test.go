package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/stepflow/runtime/agent/stream"
)

func entry(t *testing.T, id string, ev stream.Event) *streaming.Event {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return &streaming.Event{ID: id, EventName: string(ev.Type), Payload: payload}
}

func receive(t *testing.T, events <-chan stream.Event) (stream.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-events:
		return ev, ok
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for event")
	}
	return stream.Event{}, false
}

func TestSubscribeEmitsEventsAndDropsRedeliveries(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 4})
	require.NoError(t, err)

	events, errs, cancel, err := sub.SubscribeRun(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()

	fs := client.stream("run/run-1")
	assert.Equal(t, "stepflow_subscriber", fs.lastSink)
	fs.sink.events <- entry(t, "1-0", testEvent(t, "run-1", 1))
	fs.sink.events <- entry(t, "2-0", testEvent(t, "run-1", 2))
	fs.sink.events <- entry(t, "3-0", testEvent(t, "run-1", 2))
	fs.sink.events <- entry(t, "4-0", testEvent(t, "run-1", 3))
	close(fs.sink.events)

	var seqs []int64
	for {
		ev, ok := receive(t, events)
		if !ok {
			break
		}
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0"}, fs.sink.ackedIDs())
	_, ok := <-errs
	assert.False(t, ok)
}

func TestSubscribeDecoderError(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{
		Client: client,
		Decoder: func([]byte) (stream.Event, error) {
			return stream.Event{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-1")
	require.NoError(t, err)
	defer cancel()
	client.stream("run/run-1").sink.events <- &streaming.Event{Payload: []byte("{}")}

	require.EqualError(t, <-errs, "pulse decode payload: decode error")
	_, ok := receive(t, events)
	require.False(t, ok)
}

func TestSubscribeDefaultDecoderRejectsIncompleteEvents(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	_, errs, cancel, err := sub.SubscribeRun(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()
	client.stream("run/run-1").sink.events <- &streaming.Event{Payload: []byte(`{"sequence":1}`)}
	require.ErrorContains(t, <-errs, "event type and run id are required")
}

func TestSubscribeAckError(t *testing.T) {
	client := newFakeClient()
	fs := client.stream("run/run-1")
	fs.sink.ackErr = errBoom
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.SubscribeRun(context.Background(), "run-1")
	require.NoError(t, err)
	defer cancel()
	fs.sink.events <- entry(t, "1-0", testEvent(t, "run-1", 1))

	ev, ok := receive(t, events)
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Sequence)
	require.ErrorIs(t, <-errs, errBoom)
}

func TestSubscribeValidation(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")

	sub, err := NewSubscriber(SubscriberOptions{Client: newFakeClient()})
	require.NoError(t, err)
	_, _, _, err = sub.SubscribeRun(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}
