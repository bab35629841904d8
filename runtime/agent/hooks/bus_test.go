package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent/stream"
)

func event(t stream.EventType, seq int64) stream.Event {
	return stream.Event{Type: t, RunID: "run-1", SessionID: "sess-1", Sequence: seq}
}

func TestBusPublishFanOutInRegistrationOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		_, err := bus.Register(SubscriberFunc(func(context.Context, stream.Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(ctx, event(stream.RunStarted, 1)))
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	boom := errors.New("boom")
	called := false
	_, err := bus.Register(SubscriberFunc(func(context.Context, stream.Event) error { return boom }))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(context.Context, stream.Event) error {
		called = true
		return nil
	}))
	require.NoError(t, err)
	require.ErrorIs(t, bus.Publish(context.Background(), event(stream.RunStarted, 1)), boom)
	require.False(t, called)
}

func TestBusRegisterNil(t *testing.T) {
	t.Parallel()

	_, err := NewBus().Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	count := 0
	subscription, err := bus.Register(SubscriberFunc(func(context.Context, stream.Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, event(stream.RunStarted, 1)))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	require.NoError(t, bus.Publish(ctx, event(stream.RunCompleted, 2)))
	require.Equal(t, 1, count)
}

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *recordingSink) Send(_ context.Context, e stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close(context.Context) error { return nil }

func TestStreamSubscriberFilters(t *testing.T) {
	t.Parallel()

	_, err := NewStreamSubscriber(nil)
	require.Error(t, err)

	sink := &recordingSink{}
	sub, err := NewStreamSubscriber(sink, stream.ToolCallStarted, stream.ToolCallCompleted)
	require.NoError(t, err)
	bus := NewBus()
	_, err = bus.Register(sub)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, event(stream.StepDelta, 1)))
	require.NoError(t, bus.Publish(ctx, event(stream.ToolCallStarted, 2)))
	require.NoError(t, bus.Publish(ctx, event(stream.ToolCallCompleted, 3)))
	require.Len(t, sink.events, 2)
	require.Equal(t, int64(3), sink.events[1].Sequence)
}
