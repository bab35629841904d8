package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/toolerrors"
)

func TestDefaultContextBuilder_ClosesDanglingCalls(t *testing.T) {
	t.Parallel()

	steps := []*session.Step{
		{Role: model.RoleUser, Content: "write two files"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "write_file", Arguments: `{"path":"a"}`},
			{ID: "c2", Name: "write_file", Arguments: `{"path":"b"}`},
		}},
		{Role: model.RoleTool, ToolCallID: "c1", ToolName: "write_file", Content: "ok"},
		{Role: model.RoleUser, Content: "never mind"},
		{Role: model.RoleAssistant, Content: "fine"},
		{Role: model.RoleTool, ToolCallID: "c3", ToolName: "x", Error: toolerrors.New(toolerrors.KindExecution, "bad")},
	}
	msgs, err := DefaultContextBuilder{}.Build(context.Background(), BuildInput{SystemPrompt: "sys", Steps: steps})
	require.NoError(t, err)

	roles := make([]model.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	require.Equal(t, []model.Role{
		model.RoleSystem, model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleTool, model.RoleUser, model.RoleAssistant, model.RoleTool,
	}, roles)
	require.Equal(t, "sys", msgs[0].Content)
	require.Len(t, msgs[2].ToolCalls, 2)
	require.Equal(t, "c1", msgs[3].ToolCallID)
	require.False(t, msgs[3].IsError)

	synthetic := msgs[4]
	require.Equal(t, "c2", synthetic.ToolCallID)
	require.Equal(t, "write_file", synthetic.Name)
	require.True(t, synthetic.IsError)

	require.True(t, msgs[7].IsError)
}

func TestDefaultContextBuilder_NoSystemPrompt(t *testing.T) {
	t.Parallel()

	msgs, err := DefaultContextBuilder{}.Build(context.Background(), BuildInput{
		Steps: []*session.Step{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestRun_CustomContextBuilder(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t)
	m := &scriptedModel{turns: []modelTurn{textTurn("one"), textTurn("two")}}
	var seen []int
	require.NoError(t, rt.RegisterAgent(AgentRegistration{
		ID:    "a",
		Model: m,
		ContextBuilder: ContextBuilderFunc(func(_ context.Context, in BuildInput) ([]*model.Message, error) {
			seen = append(seen, len(in.Steps))
			last := in.Steps[len(in.Steps)-1]
			return []*model.Message{last.Message()}, nil
		}),
	}))

	ctx := context.Background()
	_, err := rt.Run(ctx, RunInput{AgentID: "a", SessionID: "s", Query: "first"})
	require.NoError(t, err)
	_, err = rt.Run(ctx, RunInput{AgentID: "a", SessionID: "s", Query: "second"})
	require.NoError(t, err)

	require.Equal(t, []int{1, 3}, seen)
	require.Len(t, m.request(1).Messages, 1)
	require.Equal(t, "second", m.request(1).Messages[0].Content)
}
