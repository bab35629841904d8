package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/permission"
	perminmem "goa.design/stepflow/runtime/agent/permission/inmem"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/tools"
)

const writeArgs = `{"path": "/tmp/notes.txt",  "content":"hi"}`

func newPermissionRuntime(t *testing.T, opts permission.Options) (*Runtime, *recorder, *permission.Manager) {
	t.Helper()
	if opts.Store == nil {
		opts.Store = perminmem.New()
	}
	mgr, err := permission.NewManager(opts)
	require.NoError(t, err)
	rt, rec := newTestRuntime(t, WithPermissions(mgr))
	return rt, rec, mgr
}

func writeFileTool(c *counter) tools.Tool {
	return tools.New("write_file", "writes a file", fileSchema, func(_ context.Context, args tools.Args, cc *tools.CallContext) (*tools.Output, error) {
		c.add(args)
		return &tools.Output{Content: "written"}, nil
	})
}

func suspendingRun(t *testing.T) (*Runtime, *recorder, *permission.Manager, *counter, *scriptedModel, *RunOutput) {
	t.Helper()
	rt, rec, mgr := newPermissionRuntime(t, permission.Options{Allow: []string{"calculate"}})
	var writes counter
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(model.ToolCall{ID: "call-1", Name: "write_file", Arguments: writeArgs}),
		textTurn("file written"),
	}}
	register(t, rt, "writer", m, writeFileTool(&writes))

	out, err := rt.Run(context.Background(), RunInput{AgentID: "writer", Query: "save my notes", UserID: "alice"})
	require.NoError(t, err)
	return rt, rec, mgr, &writes, m, out
}

func TestRun_SuspendsOnNeedsAuth(t *testing.T) {
	t.Parallel()

	rt, rec, _, writes, _, out := suspendingRun(t)
	ctx := context.Background()

	require.Equal(t, session.RunStatusSuspended, out.Status)
	require.NotNil(t, out.Interaction)
	require.Equal(t, interaction.TypeConfirm, out.Interaction.Type)
	require.Equal(t, "call-1", out.Interaction.ToolCallID)
	require.Equal(t, writeArgs, out.Interaction.ToolArgs)
	require.Equal(t, `write_file({"content":"hi","path":"/tmp/notes.txt"})`, out.Interaction.Resource())
	require.Equal(t, 0, writes.count())

	require.Empty(t, rec.ofType(stream.ToolCallStarted))
	require.Empty(t, rec.ofType(stream.ToolCallCompleted))
	types := rec.types()
	require.Equal(t, []stream.EventType{stream.InteractionRequest, stream.ExecutionSuspended}, types[len(types)-2:])

	run, err := rt.SessionStore.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusSuspended, run.Status)
	require.Equal(t, out.Interaction.ID, run.PendingInteractionID)

	stored, err := rt.SessionStore.GetInteractionRequest(ctx, out.Interaction.ID)
	require.NoError(t, err)
	require.Equal(t, writeArgs, stored.ToolArgs)
}

func TestResume_ConfirmedReplaysExactCall(t *testing.T) {
	t.Parallel()

	rt, rec, mgr, writes, m, out := suspendingRun(t)
	ctx := context.Background()
	id := out.Interaction.ID

	resumed, err := rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, resumed.Status)
	require.Equal(t, "file written", resumed.FinalResponse)
	require.Equal(t, 1, writes.count())
	require.Equal(t, `{"content":"hi","path":"/tmp/notes.txt"}`, writes.args[0])

	completed := rec.ofType(stream.ToolCallCompleted)
	require.Len(t, completed, 1)
	var p stream.ToolCallCompletedPayload
	require.NoError(t, completed[0].Decode(&p))
	require.Equal(t, "call-1", p.ToolCallID)

	started := rec.ofType(stream.ToolCallStarted)
	require.Len(t, started, 1)
	var sp stream.ToolCallStartedPayload
	require.NoError(t, started[0].Decode(&sp))
	require.Equal(t, writeArgs, sp.Arguments)

	require.Len(t, rec.ofType(stream.ExecutionResumed), 1)
	requireWellFormed(t, rec.all())

	dec, err := mgr.Check(ctx, "alice", out.Interaction.Resource())
	require.NoError(t, err)
	require.Equal(t, permission.Allowed, dec)

	// The replayed result is part of the transcript of the next model call.
	msgs := m.request(1).Messages
	last := msgs[len(msgs)-1]
	require.Equal(t, model.RoleTool, last.Role)
	require.Equal(t, "call-1", last.ToolCallID)
	require.Equal(t, "written", last.Content)

	_, err = rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.ErrorIs(t, err, interaction.ErrAlreadyAnswered)
}

func TestResume_DeniedNeverExecutes(t *testing.T) {
	t.Parallel()

	rt, rec, mgr, writes, m, out := suspendingRun(t)
	ctx := context.Background()
	id := out.Interaction.ID

	resumed, err := rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: false})
	require.ErrorIs(t, err, ErrDeniedByUser)
	require.Equal(t, session.RunStatusFailed, resumed.Status)
	require.Equal(t, 0, writes.count())
	require.Equal(t, 1, m.calls())
	require.Empty(t, rec.ofType(stream.ToolCallStarted))
	require.Len(t, rec.ofType(stream.RunFailed), 1)

	run, err := rt.SessionStore.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusFailed, run.Status)

	dec, err := mgr.Check(ctx, "alice", out.Interaction.Resource())
	require.NoError(t, err)
	require.Equal(t, permission.NeedsAuth, dec)
}

func TestResume_Validation(t *testing.T) {
	t.Parallel()

	rt, _, _, _, _, out := suspendingRun(t)
	ctx := context.Background()
	id := out.Interaction.ID

	_, err := rt.Resume(ctx, "interaction-unknown", &interaction.Response{RequestID: "interaction-unknown", Type: interaction.TypeConfirm})
	require.ErrorIs(t, err, interaction.ErrNotFound)

	_, err = rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeInput, Text: "x"})
	require.ErrorIs(t, err, interaction.ErrTypeMismatch)

	_, err = rt.Resume(ctx, id, &interaction.Response{RequestID: "other", Type: interaction.TypeConfirm})
	require.ErrorIs(t, err, interaction.ErrRequestMismatch)

	rt.now = func() time.Time { return time.Now().Add(DefaultInteractionTTL + time.Hour) }
	_, err = rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.ErrorIs(t, err, interaction.ErrExpired)
}

func TestResume_GrantAvoidsLaterSuspension(t *testing.T) {
	t.Parallel()

	rt, rec, _, writes, m, out := suspendingRun(t)
	ctx := context.Background()
	id := out.Interaction.ID
	_, err := rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.NoError(t, err)

	m.mu.Lock()
	m.turns = append(m.turns,
		toolTurn(model.ToolCall{ID: "call-2", Name: "write_file", Arguments: `{"content":"hi","path":"/tmp/notes.txt"}`}),
		textTurn("again"),
	)
	m.mu.Unlock()
	again, err := rt.Run(ctx, RunInput{AgentID: "writer", Query: "save again", UserID: "alice", SessionID: out.SessionID})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, again.Status)
	require.Equal(t, 2, writes.count())
	require.Len(t, rec.ofType(stream.InteractionRequest), 1)
}

func TestRun_GlobalDenyWinsOverGrant(t *testing.T) {
	t.Parallel()

	rt, rec, mgr := newPermissionRuntime(t, permission.Options{Deny: []string{"write_file(*/etc/*)"}})
	ctx := context.Background()
	require.NoError(t, mgr.SavePattern(ctx, "bob", "write_file", permission.EffectAllow))
	var writes counter
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(
			model.ToolCall{ID: "c1", Name: "write_file", Arguments: `{"path":"/etc/passwd"}`},
			model.ToolCall{ID: "c2", Name: "write_file", Arguments: `{"path":"/tmp/x"}`},
		),
		textTurn("done"),
	}}
	register(t, rt, "w", m, writeFileTool(&writes))

	out, err := rt.Run(ctx, RunInput{AgentID: "w", Query: "q", UserID: "bob"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, out.Status)
	require.Equal(t, 1, writes.count())

	failed := rec.ofType(stream.ToolCallFailed)
	require.Len(t, failed, 1)
	var p stream.ToolCallFailedPayload
	require.NoError(t, failed[0].Decode(&p))
	require.Equal(t, "c1", p.ToolCallID)
	require.Equal(t, "permission_denied", p.Kind)
}

func TestRun_SuspensionInterruptsBatch(t *testing.T) {
	t.Parallel()

	rt, rec, _ := newPermissionRuntime(t, permission.Options{Allow: []string{"calculate"}})
	var writes, calcs counter
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(
			model.ToolCall{ID: "c1", Name: "calculate", Arguments: `{"expr":"1+1"}`},
			model.ToolCall{ID: "c2", Name: "write_file", Arguments: `{"path":"/a"}`},
			model.ToolCall{ID: "c3", Name: "write_file", Arguments: `{"path":"/b"}`},
		),
		textTurn("done"),
	}}
	reg, err := tools.NewRegistry(writeFileTool(&writes), tools.New("calculate", "calc", calcSchema, func(_ context.Context, args tools.Args, _ *tools.CallContext) (*tools.Output, error) {
		calcs.add(args)
		return &tools.Output{Content: "2"}, nil
	}))
	require.NoError(t, err)
	require.NoError(t, rt.RegisterAgent(AgentRegistration{ID: "w", Model: m, Tools: reg, Limits: Limits{MaxConcurrentTools: 1}}))

	ctx := context.Background()
	out, err := rt.Run(ctx, RunInput{AgentID: "w", Query: "q", UserID: "carol"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusSuspended, out.Status)
	require.Equal(t, "c2", out.Interaction.ToolCallID)
	require.Equal(t, 1, calcs.count())
	requireWellFormed(t, rec.all())

	steps, err := rt.SessionStore.GetSteps(ctx, out.SessionID, 0)
	require.NoError(t, err)
	byCall := map[string]*session.Step{}
	for _, s := range steps {
		if s.Role == model.RoleTool {
			byCall[s.ToolCallID] = s
		}
	}
	require.Len(t, byCall, 2)
	require.Nil(t, byCall["c1"].Error)
	require.Equal(t, "not_executed", string(byCall["c3"].Error.Kind))

	id := out.Interaction.ID
	resumed, err := rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, resumed.Status)
	require.Equal(t, 1, writes.count())
	requireWellFormed(t, rec.all())
}

func TestResume_ToolInputRequest(t *testing.T) {
	t.Parallel()

	rt, rec := newTestRuntime(t)
	var (
		seen   []string
		prompt string
	)
	ask := tools.New("pick_region", "asks the user", nil, func(_ context.Context, _ tools.Args, cc *tools.CallContext) (*tools.Output, error) {
		if cc.Response == nil {
			return nil, tools.RequestInput(tools.InputRequest{
				Type:    interaction.TypeSelect,
				Prompt:  "Which region?",
				Options: []interaction.Option{{Value: "eu"}, {Value: "us"}},
			})
		}
		seen = append(seen, cc.Response.Selected...)
		prompt = cc.Interaction.Prompt
		return &tools.Output{Content: "region " + cc.Response.Selected[0]}, nil
	})
	m := &scriptedModel{turns: []modelTurn{
		toolTurn(model.ToolCall{ID: "c1", Name: "pick_region", Arguments: `{}`}),
		textTurn("deploying to eu"),
	}}
	register(t, rt, "deployer", m, ask)

	ctx := context.Background()
	out, err := rt.Run(ctx, RunInput{AgentID: "deployer", Query: "deploy"})
	require.NoError(t, err)
	require.Equal(t, session.RunStatusSuspended, out.Status)
	require.Equal(t, interaction.TypeSelect, out.Interaction.Type)

	failed := rec.ofType(stream.ToolCallFailed)
	require.Len(t, failed, 1)
	var fp stream.ToolCallFailedPayload
	require.NoError(t, failed[0].Decode(&fp))
	require.Equal(t, AwaitingInputKind, fp.Kind)

	id := out.Interaction.ID
	h, err := rt.StartResume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeSelect, Selected: []string{"eu"}})
	require.NoError(t, err)
	var types []stream.EventType
	for ev := range h.Events() {
		types = append(types, ev.Type)
	}
	resumed, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCompleted, resumed.Status)
	require.Equal(t, []string{"eu"}, seen)
	require.Equal(t, "Which region?", prompt)
	require.Equal(t, stream.ExecutionResumed, types[0])
	require.Equal(t, stream.RunCompleted, types[len(types)-1])
	requireWellFormed(t, rec.all())
}

func TestCancel_SuspendedRun(t *testing.T) {
	t.Parallel()

	rt, rec, _, _, _, out := suspendingRun(t)
	ctx := context.Background()

	require.NoError(t, rt.Cancel(ctx, out.RunID, "no longer needed"))
	run, err := rt.SessionStore.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCancelled, run.Status)
	require.Len(t, rec.ofType(stream.RunCancelled), 1)
	requireWellFormed(t, rec.all())

	id := out.Interaction.ID
	_, err = rt.Resume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.ErrorIs(t, err, ErrRunNotSuspended)
}

func TestCancel_BeforeResumeClaimsRun(t *testing.T) {
	t.Parallel()

	rt, rec, _, writes, _, out := suspendingRun(t)
	ctx := context.Background()
	id := out.Interaction.ID

	s, req, answer, err := rt.prepareResume(ctx, id, &interaction.Response{RequestID: id, Type: interaction.TypeConfirm, Confirmed: true})
	require.NoError(t, err)
	require.NoError(t, rt.Cancel(ctx, out.RunID, "stop"))

	_, err = s.resume(ctx, req, answer)
	require.ErrorIs(t, err, ErrRunNotSuspended)
	require.ErrorIs(t, err, session.ErrStatusConflict)
	require.Equal(t, 0, writes.count())

	run, err := rt.SessionStore.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusCancelled, run.Status)
	require.Empty(t, rec.ofType(stream.ExecutionResumed))
	requireWellFormed(t, rec.all())
}

// claimingStore runs claim once, right after the first GetRun.
type claimingStore struct {
	session.Store
	claim func()
}

func (s *claimingStore) GetRun(ctx context.Context, runID string) (*session.Run, error) {
	run, err := s.Store.GetRun(ctx, runID)
	if s.claim != nil {
		claim := s.claim
		s.claim = nil
		claim()
	}
	return run, err
}

func TestCancel_ResumeClaimsRunConcurrently(t *testing.T) {
	t.Parallel()

	rt, _, _, _, _, out := suspendingRun(t)
	ctx := context.Background()
	inner := rt.SessionStore

	var rctx context.Context
	rt.SessionStore = &claimingStore{Store: inner, claim: func() {
		run, err := inner.GetRun(ctx, out.RunID)
		require.NoError(t, err)
		run.Status = session.RunStatusRunning
		run.PendingInteractionID = ""
		require.NoError(t, inner.TransitionRun(ctx, run, session.RunStatusSuspended))
		var release func()
		rctx, release = rt.interrupts.Register(ctx, out.RunID)
		t.Cleanup(release)
	}}

	require.NoError(t, rt.Cancel(ctx, out.RunID, "stop"))
	require.ErrorIs(t, context.Cause(rctx), context.Canceled)

	run, err := inner.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	require.Equal(t, session.RunStatusRunning, run.Status)
}
