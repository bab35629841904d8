package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/stepflow/features/stream/pulse/clients/pulse"
)

func TestRuntimeStreamsSinkLifecycle(t *testing.T) {
	client := newFakeClient()
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())
	require.NoError(t, streams.Close(context.Background()))
	require.Equal(t, 1, client.closeCount)

	_, err = NewRuntimeStreams(RuntimeStreamsOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestRuntimeStreamsDestroyRun(t *testing.T) {
	client := newFakeClient()
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)

	require.NoError(t, streams.DestroyRun(context.Background(), "run-1"))
	require.True(t, client.stream("run/run-1").destroyed)
	require.EqualError(t, streams.DestroyRun(context.Background(), ""), "run id is required")
}

func TestRuntimeStreamsSubscriberUsesClient(t *testing.T) {
	client := newFakeClient()
	streams, err := NewRuntimeStreams(RuntimeStreamsOptions{Client: client})
	require.NoError(t, err)

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front", Buffer: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, errs, stop, err := sub.SubscribeRun(ctx, "test")
	require.NoError(t, err)
	fs := client.stream("run/test")
	require.Equal(t, "front", fs.lastSink)
	close(fs.sink.events)
	stop()

	select {
	case _, ok := <-events:
		require.False(t, ok, "expected closed events channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for events close")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok, "expected closed errs channel")
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for errs close")
	}
	require.True(t, fs.sink.isClosed())
}

type fakeClient struct {
	mu         sync.Mutex
	streams    map[string]*fakeStream
	streamErr  error
	closeCount int
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (f *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream(name), nil
}

func (f *fakeClient) stream(name string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{sink: newFakeSink()}
		f.streams[name] = s
	}
	return s
}

func (f *fakeClient) Close(context.Context) error {
	f.closeCount++
	return nil
}

type fakeEntry struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu        sync.Mutex
	entries   []fakeEntry
	addErr    error
	sink      *fakeSink
	lastSink  string
	destroyed bool
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.entries = append(f.entries, fakeEntry{event: event, payload: payload})
	return entryID(len(f.entries)), nil
}

func (f *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	f.lastSink = name
	return f.sink, nil
}

func (f *fakeStream) Destroy(context.Context) error {
	f.destroyed = true
	return nil
}

type fakeSink struct {
	events chan *streaming.Event
	ackErr error

	mu     sync.Mutex
	acked  []string
	closed bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan *streaming.Event, 16)}
}

func (f *fakeSink) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	if f.ackErr != nil {
		return f.ackErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ev.ID)
	return nil
}

func (f *fakeSink) Close(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSink) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func entryID(n int) string {
	return fmt.Sprintf("%d-0", n)
}

var errBoom = errors.New("boom")
