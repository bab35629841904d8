package runtime

import (
	"context"

	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/session"
)

type (
	// ContextBuilder assembles the message list sent to the model from the
	// persisted steps of the session. It runs when a run starts and when it
	// resumes; within a segment the loop appends messages itself.
	ContextBuilder interface {
		Build(ctx context.Context, in BuildInput) ([]*model.Message, error)
	}

	// ContextBuilderFunc adapts a function to ContextBuilder.
	ContextBuilderFunc func(ctx context.Context, in BuildInput) ([]*model.Message, error)

	// BuildInput is the input of a ContextBuilder.
	BuildInput struct {
		// SystemPrompt is the agent system prompt.
		SystemPrompt string
		// Run is a snapshot of the run being driven.
		Run *session.Run
		// Steps are all the steps of the session, ordered by sequence.
		Steps []*session.Step
	}

	// DefaultContextBuilder replays every step of the session after the
	// system prompt. Tool calls left without a result (a run cancelled while
	// suspended, for instance) are answered with a synthetic error so the
	// transcript stays valid for providers that require every call to be
	// answered.
	DefaultContextBuilder struct{}
)

// Build implements ContextBuilder.
func (f ContextBuilderFunc) Build(ctx context.Context, in BuildInput) ([]*model.Message, error) {
	return f(ctx, in)
}

// Build implements ContextBuilder.
func (DefaultContextBuilder) Build(_ context.Context, in BuildInput) ([]*model.Message, error) {
	msgs := make([]*model.Message, 0, len(in.Steps)+1)
	if in.SystemPrompt != "" {
		msgs = append(msgs, &model.Message{Role: model.RoleSystem, Content: in.SystemPrompt})
	}
	var pending []model.ToolCall
	answered := make(map[string]bool)
	flush := func() {
		for _, c := range pending {
			if !answered[c.ID] {
				msgs = append(msgs, &model.Message{
					Role:       model.RoleTool,
					Content:    "error: tool call was not executed",
					ToolCallID: c.ID,
					Name:       c.Name,
					IsError:    true,
				})
			}
		}
		pending = nil
		clear(answered)
	}
	for _, s := range in.Steps {
		if s.Role == model.RoleTool {
			answered[s.ToolCallID] = true
			msgs = append(msgs, s.Message())
			continue
		}
		flush()
		msgs = append(msgs, s.Message())
		if s.Role == model.RoleAssistant {
			pending = s.ToolCalls
		}
	}
	flush()
	return msgs, nil
}
