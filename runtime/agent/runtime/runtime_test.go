package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/tools"
)

func TestRun_CompletesWithoutTools(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{textTurn("Hello there")}}
	register(t, rt, "chat", m)

	out, err := rt.Run(context.Background(), RunInput{AgentID: "chat", Query: "hi", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, out.Status)
	require.Equal(t, "Hello there", out.FinalResponse)
	require.Equal(t, 1, out.Metrics.ModelCalls)
	require.Equal(t, 2, out.Metrics.Steps)
	require.Equal(t, 15, out.Metrics.Usage.TotalTokens)

	require.Equal(t, []stream.EventType{
		stream.RunStarted,
		stream.StepCompleted,
		stream.StepCompleted,
		stream.UsageUpdate,
		stream.MetricsSnapshot,
		stream.RunCompleted,
	}, rec.types())
	require.Len(t, rec.ofType(stream.StepDelta), 2)
	requireWellFormed(t, rec.all())

	req := m.request(0)
	require.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, model.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "hi", req.Messages[1].Content)

	run, err := rt.SessionStore.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, run.Status)
	require.Equal(t, "Hello there", run.FinalResponse)
	require.Equal(t, rec.all()[len(rec.all())-1].Sequence, run.EventSequence)
}

func TestRun_ParallelToolCalls(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	var weather, calc counter
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(
			model.ToolCall{ID: "call-w", Name: "get_weather", Arguments: `{"city":"Paris"}`},
			model.ToolCall{ID: "call-c", Name: "calculate", Arguments: `{"expr":"2+2"}`},
		),
		textTurn("Sunny in Paris and 2+2=4"),
	}}
	register(t, rt, "assistant", m,
		tools.New("get_weather", "weather", weatherSchema, func(_ context.Context, args tools.Args, _ *tools.CallContext) (*tools.Output, error) {
			weather.add(args)
			time.Sleep(5 * time.Millisecond)
			return &tools.Output{Content: "sunny"}, nil
		}),
		tools.New("calculate", "calc", calcSchema, func(_ context.Context, args tools.Args, _ *tools.CallContext) (*tools.Output, error) {
			calc.add(args)
			return &tools.Output{Content: "4"}, nil
		}),
	)

	out, err := rt.Run(context.Background(), RunInput{AgentID: "assistant", Query: "weather and math"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, out.Status)
	require.Equal(t, 1, weather.count())
	require.Equal(t, 1, calc.count())
	require.Equal(t, 2, out.Metrics.ToolCalls)

	events := rec.all()
	requireWellFormed(t, events)
	require.Len(t, rec.ofType(stream.ToolCallStarted), 2)
	require.Len(t, rec.ofType(stream.ToolCallCompleted), 2)
	require.Empty(t, rec.ofType(stream.ToolCallFailed))

	var assistant *session.Step
	for _, ev := range rec.ofType(stream.StepCompleted) {
		var p stream.StepCompletedPayload
		require.NoError(t, ev.Decode(&p))
		if p.Step.Role == model.RoleAssistant && assistant == nil {
			assistant = p.Step
		}
	}
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 2)
	require.Equal(t, `{"city":"Paris"}`, assistant.ToolCalls[0].Arguments)
	require.Equal(t, stream.RunCompleted, events[len(events)-1].Type)

	second := m.request(1)
	var toolMsgs []*model.Message
	for _, msg := range second.Messages {
		if msg.Role == model.RoleTool {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	require.Len(t, toolMsgs, 2)
	require.Equal(t, "call-w", toolMsgs[0].ToolCallID)
	require.Equal(t, "call-c", toolMsgs[1].ToolCallID)

	steps, err := rt.SessionStore.GetSteps(context.Background(), out.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, s := range steps {
		require.Equal(t, int64(i+1), s.Sequence)
	}
}

func TestRun_ToolFailuresAreRecoverable(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(
			model.ToolCall{ID: "c1", Name: "missing", Arguments: `{}`},
			model.ToolCall{ID: "c2", Name: "get_weather", Arguments: `{"city":`},
			model.ToolCall{ID: "c3", Name: "explode", Arguments: `{}`},
		),
		textTurn("sorry"),
	}}
	register(t, rt, "a", m,
		tools.New("get_weather", "weather", weatherSchema, func(context.Context, tools.Args, *tools.CallContext) (*tools.Output, error) {
			return &tools.Output{Content: "sunny"}, nil
		}),
		tools.New("explode", "panics", nil, func(context.Context, tools.Args, *tools.CallContext) (*tools.Output, error) {
			panic("boom")
		}),
	)

	out, err := rt.Run(context.Background(), RunInput{AgentID: "a", Query: "go"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, out.Status)
	requireWellFormed(t, rec.all())

	kinds := map[string]string{}
	for _, ev := range rec.ofType(stream.ToolCallFailed) {
		var p stream.ToolCallFailedPayload
		require.NoError(t, ev.Decode(&p))
		kinds[p.ToolCallID] = p.Kind
	}
	require.Equal(t, map[string]string{"c1": "not_found", "c2": "invalid_arguments", "c3": "panic"}, kinds)

	for _, msg := range m.request(1).Messages {
		if msg.Role == model.RoleTool {
			require.True(t, msg.IsError)
			require.True(t, strings.HasPrefix(msg.Content, "error: "))
		}
	}
}

func TestRun_RetriesNonFatalModelErrors(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{{block: true}, {block: true}, textTurn("finally")}}
	require.NoError(t, rt.RegisterAgent(AgentRegistration{
		ID:     "slow",
		Model:  m,
		Limits: Limits{ModelTimeout: 20 * time.Millisecond},
	}))

	start := time.Now()
	out, err := rt.Run(context.Background(), RunInput{AgentID: "slow", Query: "q"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, out.Status)
	require.Equal(t, "finally", out.FinalResponse)
	require.Equal(t, 3, m.calls())
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Empty(t, rec.ofType(stream.Error))
	require.Len(t, rec.ofType(stream.StepCompleted), 2)
}

func TestRun_RetryResetsStreamedDeltas(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	broken := textTurn("Hello wor")
	broken.chunks = broken.chunks[:2]
	broken.failAfter = model.ErrRateLimited
	m := &scriptedModel{turns: []modelTurn{broken, textTurn("Hello world")}}
	require.NoError(t, rt.RegisterAgent(AgentRegistration{
		ID:     "a",
		Model:  m,
		Limits: Limits{RetryInitialInterval: time.Millisecond},
	}))

	out, err := rt.Run(context.Background(), RunInput{AgentID: "a", Query: "q"})
	require.NoError(t, err)
	require.Equal(t, "Hello world", out.FinalResponse)
	require.Equal(t, 2, m.calls())

	var text strings.Builder
	resets := 0
	for _, ev := range rec.ofType(stream.StepDelta) {
		var p stream.StepDeltaPayload
		require.NoError(t, ev.Decode(&p))
		if p.Reset {
			resets++
			text.Reset()
			continue
		}
		text.WriteString(p.Text)
	}
	require.Equal(t, 1, resets)
	require.Equal(t, "Hello world", text.String())
}

func TestRun_RetryWithoutDeltasSkipsReset(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{{err: model.ErrRateLimited}, textTurn("ok")}}
	require.NoError(t, rt.RegisterAgent(AgentRegistration{
		ID:     "a",
		Model:  m,
		Limits: Limits{RetryInitialInterval: time.Millisecond},
	}))

	_, err := rt.Run(context.Background(), RunInput{AgentID: "a", Query: "q"})
	require.NoError(t, err)
	for _, ev := range rec.ofType(stream.StepDelta) {
		var p stream.StepDeltaPayload
		require.NoError(t, ev.Decode(&p))
		require.False(t, p.Reset)
	}
}

func TestRun_FatalModelErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	fatal := model.NewProviderError("openai", "stream", 401, model.ProviderErrorKindAuth, "bad key", false, nil)
	m := &scriptedModel{repeat: &modelTurn{err: fatal}}
	register(t, rt, "a", m)

	out, err := rt.Run(context.Background(), RunInput{AgentID: "a", Query: "q"})
	require.Error(t, err)
	require.True(t, errors.Is(err, fatal))
	require.Equal(t, session.RunStatusFailed, out.Status)
	require.Equal(t, 1, m.calls())

	errs := rec.ofType(stream.Error)
	require.Len(t, errs, 1)
	var p stream.ErrorPayload
	require.NoError(t, errs[0].Decode(&p))
	require.True(t, p.IsFatal)
	require.Equal(t, 1, p.Attempts)

	failed := rec.ofType(stream.RunFailed)
	require.Len(t, failed, 1)
	var fp stream.RunFailedPayload
	require.NoError(t, failed[0].Decode(&fp))
	require.True(t, fp.IsFatal)
}

func TestRun_ExhaustedRetriesEmitNonFatalError(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{repeat: &modelTurn{err: model.ErrRateLimited}}
	register(t, rt, "a", m)

	_, err := rt.Run(context.Background(), RunInput{AgentID: "a", Query: "q"})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, DefaultMaxModelRetries+1, m.calls())
	errs := rec.ofType(stream.Error)
	require.Len(t, errs, 1)
	var p stream.ErrorPayload
	require.NoError(t, errs[0].Decode(&p))
	require.False(t, p.IsFatal)
	require.Equal(t, DefaultMaxModelRetries+1, p.Attempts)
}

func TestRun_StepLimit(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	loop := toolTurn(model.ToolCall{ID: "", Name: "calculate", Arguments: `{"expr":"1"}`})
	m := &scriptedModel{repeat: &loop}
	calc := tools.New("calculate", "calc", calcSchema, func(context.Context, tools.Args, *tools.CallContext) (*tools.Output, error) {
		return &tools.Output{Content: "1"}, nil
	})
	reg, err := tools.NewRegistry(calc)
	require.NoError(t, err)
	require.NoError(t, rt.RegisterAgent(AgentRegistration{ID: "looper", Model: m, Tools: reg, Limits: Limits{MaxSteps: 3}}))

	out, err := rt.Run(context.Background(), RunInput{AgentID: "looper", Query: "q"})
	require.ErrorIs(t, err, ErrStepLimitExceeded)
	require.Equal(t, session.RunStatusFailed, out.Status)
	require.Equal(t, 3, m.calls())
	require.Len(t, rec.ofType(stream.RunFailed), 1)
	require.Empty(t, rec.ofType(stream.Error))
	requireWellFormed(t, rec.all())

	// Calls streamed without an id are assigned distinct ids.
	ids := map[string]bool{}
	for _, ev := range rec.ofType(stream.ToolCallStarted) {
		var p stream.ToolCallStartedPayload
		require.NoError(t, ev.Decode(&p))
		require.NotEmpty(t, p.ToolCallID)
		ids[p.ToolCallID] = true
	}
	require.Len(t, ids, 3)
}

func TestRun_UnknownAgentAndDepth(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	_, err := rt.Run(context.Background(), RunInput{AgentID: "nope", Query: "q"})
	require.ErrorIs(t, err, ErrAgentNotFound)

	register(t, rt, "a", &scriptedModel{})
	_, err = rt.Run(context.Background(), RunInput{AgentID: "a", Query: "q", Depth: DefaultMaxDepth + 1})
	require.ErrorIs(t, err, ErrMaxDepthExceeded)
	require.ErrorIs(t, rt.RegisterAgent(AgentRegistration{ID: "a", Model: &scriptedModel{}}), ErrDuplicateAgent)
}

func TestHistory_IsIdempotent(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "calculate", Arguments: `{"expr":"6*7"}`}),
		textTurn("42"),
	}}
	register(t, rt, "a", m, tools.New("calculate", "calc", calcSchema, func(context.Context, tools.Args, *tools.CallContext) (*tools.Output, error) {
		return &tools.Output{Content: "42"}, nil
	}))
	ctx := context.Background()
	sessionID := "shared"

	// A previous run in the same session must not leak into the history.
	first, err := rt.Run(ctx, RunInput{AgentID: "a", Query: "q1", SessionID: sessionID})
	require.NoError(t, err)
	m.mu.Lock()
	m.turns = append(m.turns, textTurn("done"))
	m.mu.Unlock()
	second, err := rt.Run(ctx, RunInput{AgentID: "a", Query: "q2", SessionID: sessionID})
	require.NoError(t, err)

	h1, err := rt.History(ctx, first.RunID)
	require.NoError(t, err)
	h2, err := rt.History(ctx, first.RunID)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1.Steps, 4)

	var streamed []stream.Event
	for _, ev := range rec.all() {
		if ev.RunID == first.RunID {
			streamed = append(streamed, ev)
		}
	}
	require.Len(t, h1.Events, len(streamed))
	for i := range streamed {
		require.Equal(t, streamed[i].Sequence, h1.Events[i].Sequence)
		require.Equal(t, streamed[i].Type, h1.Events[i].Type)
	}

	h3, err := rt.History(ctx, second.RunID)
	require.NoError(t, err)
	require.Len(t, h3.Steps, 2)
	require.Equal(t, int64(5), h3.Steps[0].Sequence)
}

func TestStart_StreamsEventsAndCancels(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "wait", Arguments: `{}`}),
	}}
	register(t, rt, "a", m, tools.New("wait", "blocks", nil, func(ctx context.Context, _ tools.Args, _ *tools.CallContext) (*tools.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	h, err := rt.Start(context.Background(), RunInput{AgentID: "a", Query: "q"})
	require.NoError(t, err)

	var events []stream.Event
	for ev := range h.Events() {
		events = append(events, ev)
		if ev.Type == stream.ToolCallStarted {
			require.NoError(t, h.Cancel(context.Background(), "user stop"))
		}
	}
	out, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, session.RunStatusCancelled, out.Status)

	requireWellFormed(t, events)
	last := events[len(events)-1]
	require.Equal(t, stream.RunCancelled, last.Type)
	var p stream.RunCancelledPayload
	require.NoError(t, last.Decode(&p))
	require.Equal(t, "user stop", p.Reason)

	failed := 0
	for _, ev := range events {
		if ev.Type == stream.ToolCallFailed {
			var fp stream.ToolCallFailedPayload
			require.NoError(t, ev.Decode(&fp))
			require.Equal(t, "canceled", fp.Kind)
			failed++
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, 1, m.calls())
	require.ErrorIs(t, rt.Cancel(context.Background(), out.RunID, "again"), ErrRunNotActive)
}

func TestHandle_CloseStopsUndrainedDelivery(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	started := make(chan struct{})
	var once sync.Once
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "wait", Arguments: `{}`}),
	}}
	register(t, rt, "a", m, tools.New("wait", "blocks", nil, func(ctx context.Context, _ tools.Args, _ *tools.CallContext) (*tools.Output, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	h, err := rt.Start(ctx, RunInput{AgentID: "a", Query: "q"})
	require.NoError(t, err)
	<-started

	h.Close()
	h.Close()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-h.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Cancel(ctx, "stop"))
	out, err := h.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, session.RunStatusCancelled, out.Status)
}

func activeSequencers(rt *Runtime) int {
	rt.seqMu.Lock()
	defer rt.seqMu.Unlock()
	return len(rt.sequencers)
}

func TestSequencers_ReleasedWhenRunsStop(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	started := make(chan struct{})
	var once sync.Once
	m := &scriptedModel{turns: []modelTurn{
		textTurn("first"),
		toolTurn(model.ToolCall{ID: "c1", Name: "wait", Arguments: `{}`}),
	}}
	register(t, rt, "a", m, tools.New("wait", "blocks", nil, func(ctx context.Context, _ tools.Args, _ *tools.CallContext) (*tools.Output, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	_, err := rt.Run(ctx, RunInput{AgentID: "a", SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	require.Zero(t, activeSequencers(rt))

	h, err := rt.Start(ctx, RunInput{AgentID: "a", SessionID: "s1", Query: "again"})
	require.NoError(t, err)
	<-started
	require.Equal(t, 1, activeSequencers(rt))
	require.NoError(t, h.Cancel(ctx, "stop"))
	for range h.Events() {
	}
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, activeSequencers(rt))

	hist, err := rt.SessionStore.GetSteps(ctx, "s1", 0)
	require.NoError(t, err)
	for i, step := range hist {
		require.Equal(t, int64(i+1), step.Sequence)
	}
}

func TestToolTimeout_IsRecoverable(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "slow", Arguments: `{}`}),
		textTurn("gave up"),
	}}
	register(t, rt, "a", m, tools.New("slow", "slow", nil, func(context.Context, tools.Args, *tools.CallContext) (*tools.Output, error) {
		time.Sleep(200 * time.Millisecond)
		return &tools.Output{Content: "late"}, nil
	}, tools.WithTimeout(10*time.Millisecond)))

	out, err := rt.Run(context.Background(), RunInput{AgentID: "a", Query: "q"})
	require.NoError(t, err)
	require.Equal(t, "gave up", out.FinalResponse)
	failed := rec.ofType(stream.ToolCallFailed)
	require.Len(t, failed, 1)
	var p stream.ToolCallFailedPayload
	require.NoError(t, failed[0].Decode(&p))
	require.Equal(t, "timeout", p.Kind)
}
