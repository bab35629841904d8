package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/hooks"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// scriptedModel replays one scripted turn per Stream call.
	scriptedModel struct {
		mu       sync.Mutex
		turns    []modelTurn
		repeat   *modelTurn
		requests []*model.Request
	}

	modelTurn struct {
		chunks []model.Chunk
		err    error
		// failAfter ends the stream with an error once chunks are read.
		failAfter error
		// block waits for the attempt context to end.
		block bool
	}

	sliceStreamer struct {
		chunks []model.Chunk
		pos    int
		err    error
	}

	// recorder captures every event published on a bus.
	recorder struct {
		mu     sync.Mutex
		events []stream.Event
	}
)

func (m *scriptedModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	m.mu.Lock()
	i := len(m.requests)
	cp := *req
	cp.Messages = append([]*model.Message(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	var turn modelTurn
	switch {
	case i < len(m.turns):
		turn = m.turns[i]
	case m.repeat != nil:
		turn = *m.repeat
	default:
		m.mu.Unlock()
		return nil, errors.New("unexpected model call")
	}
	m.mu.Unlock()
	if turn.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return &sliceStreamer{chunks: turn.chunks, err: turn.failAfter}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) *model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (s *sliceStreamer) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStreamer) Close() error { return nil }

func (s *sliceStreamer) Metadata() map[string]any { return nil }

// textTurn answers with text split over two deltas.
func textTurn(text string) modelTurn {
	half := len(text) / 2
	return modelTurn{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Text: text[:half]},
		{Type: model.ChunkTypeText, Text: text[half:]},
		{Type: model.ChunkTypeUsage, UsageDelta: &model.TokenUsage{InputTokens: 10, OutputTokens: 5}},
		{Type: model.ChunkTypeStop, StopReason: "end_turn"},
	}}
}

// toolTurn requests the given calls, streaming each argument string in two
// fragments with the id and name only on the first one.
func toolTurn(calls ...model.ToolCall) modelTurn {
	var chunks []model.Chunk
	for i, c := range calls {
		half := len(c.Arguments) / 2
		chunks = append(chunks,
			model.Chunk{Type: model.ChunkTypeToolCallDelta, ToolCallDelta: &model.ToolCallDelta{Index: i, ID: c.ID, Name: c.Name, ArgumentsDelta: c.Arguments[:half]}},
			model.Chunk{Type: model.ChunkTypeToolCallDelta, ToolCallDelta: &model.ToolCallDelta{Index: i, ArgumentsDelta: c.Arguments[half:]}},
		)
	}
	chunks = append(chunks,
		model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &model.TokenUsage{InputTokens: 20, OutputTokens: 8}},
		model.Chunk{Type: model.ChunkTypeStop, StopReason: "tool_use"},
	)
	return modelTurn{chunks: chunks}
}

func (r *recorder) HandleEvent(_ context.Context, ev stream.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *recorder) ofType(t stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types() []stream.EventType {
	var out []stream.EventType
	for _, ev := range r.all() {
		if ev.Type != stream.StepDelta {
			out = append(out, ev.Type)
		}
	}
	return out
}

var weatherSchema = json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)

var calcSchema = json.RawMessage(`{"type":"object","properties":{"expr":{"type":"string"}},"required":["expr"]}`)

var fileSchema = json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path"]}`)

// newTestRuntime returns a runtime with fast retries and a recorder
// subscribed to its bus.
func newTestRuntime(t *testing.T, opts ...RuntimeOption) (*Runtime, *recorder) {
	t.Helper()
	base := []RuntimeOption{WithLimits(Limits{
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		ToolTimeout:          time.Second,
	})}
	rt := New(append(base, opts...)...)
	rec := &recorder{}
	_, err := rt.Bus.Register(rec)
	require.NoError(t, err)
	return rt, rec
}

func register(t *testing.T, rt *Runtime, id agent.Ident, m model.Client, ts ...tools.Tool) {
	t.Helper()
	reg, err := tools.NewRegistry(ts...)
	require.NoError(t, err)
	require.NoError(t, rt.RegisterAgent(AgentRegistration{
		ID:           id,
		Model:        m,
		ModelName:    "test-model",
		SystemPrompt: "You are a test agent.",
		Tools:        reg,
	}))
}

// requireWellFormed checks the invariants every run's event stream holds:
// sequences strictly increase and every tool completion pairs with a start.
func requireWellFormed(t *testing.T, events []stream.Event) {
	t.Helper()
	last := map[string]int64{}
	started := map[string]int{}
	finished := map[string]int{}
	for _, ev := range events {
		require.Greater(t, ev.Sequence, last[ev.RunID], "sequence of %s", ev.Type)
		last[ev.RunID] = ev.Sequence
		switch ev.Type {
		case stream.ToolCallStarted:
			var p stream.ToolCallStartedPayload
			require.NoError(t, ev.Decode(&p))
			started[ev.RunID+"/"+p.ToolCallID]++
		case stream.ToolCallCompleted:
			var p stream.ToolCallCompletedPayload
			require.NoError(t, ev.Decode(&p))
			key := ev.RunID + "/" + p.ToolCallID
			require.Greater(t, started[key], finished[key], "completion without start for %s", key)
			finished[key]++
		case stream.ToolCallFailed:
			var p stream.ToolCallFailedPayload
			require.NoError(t, ev.Decode(&p))
			key := ev.RunID + "/" + p.ToolCallID
			require.Greater(t, started[key], finished[key], "failure without start for %s", key)
			finished[key]++
		}
	}
	require.Equal(t, started, finished)
}

// counter is a concurrency-safe call counter for tool handlers.
type counter struct {
	mu   sync.Mutex
	n    int
	args []string
}

func (c *counter) add(args tools.Args) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.args = append(c.args, args.Canonical())
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

var _ hooks.Subscriber = (*recorder)(nil)
