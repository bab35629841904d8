package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// AgentToolOptions configures a tool that runs a registered agent.
	AgentToolOptions struct {
		// Name is the tool name. Defaults to the agent id.
		Name string
		// Description documents the tool for the model.
		Description string
		// QueryField is the argument holding the nested query. Defaults to
		// "query".
		QueryField string
		// Timeout bounds the nested run. Zero uses the executor default.
		Timeout time.Duration
	}
)

// Metadata keys set on interactions forwarded from a nested run.
const (
	MetadataChildInteractionID = "child_interaction_id"
	MetadataChildRunID         = "child_run_id"
)

// NewAgentTool exposes the registered agent id as a tool. Each call starts a
// child run linked to the calling run (parent run id, depth + 1) in its own
// session. When the child suspends, its interaction is forwarded to the
// parent run; the parent's resume replays the call, which resumes the child
// with the same answer.
func NewAgentTool(rt *Runtime, id agent.Ident, opts AgentToolOptions) tools.Tool {
	name := opts.Name
	if name == "" {
		name = string(id)
	}
	field := opts.QueryField
	if field == "" {
		field = "query"
	}
	desc := opts.Description
	if desc == "" {
		desc = fmt.Sprintf("Delegates a task to the %s agent.", id)
	}
	schema := json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{%q:{"type":"string","description":"Task for the agent."}},"required":[%q]}`, field, field))

	handler := func(ctx context.Context, args tools.Args, cc *tools.CallContext) (*tools.Output, error) {
		if cc.Response != nil && cc.Interaction != nil {
			if childID, _ := cc.Interaction.Metadata[MetadataChildInteractionID].(string); childID != "" {
				answer := *cc.Response
				answer.RequestID = childID
				return childOutput(rt.Resume(ctx, childID, &answer))
			}
		}
		query, ok := args.String(field)
		if !ok || query == "" {
			return nil, fmt.Errorf("%s is required", field)
		}
		childRunID := generateRunID(id)
		return childOutput(rt.Run(ctx, RunInput{
			AgentID:     id,
			SessionID:   cc.SessionID + "/" + childRunID,
			RunID:       childRunID,
			UserID:      cc.UserID,
			Query:       query,
			ParentRunID: cc.RunID,
			Depth:       cc.Depth + 1,
		}))
	}

	var topts []tools.Option
	if opts.Timeout > 0 {
		topts = append(topts, tools.WithTimeout(opts.Timeout))
	}
	return tools.New(name, desc, schema, handler, topts...)
}

// childOutput maps the outcome of a nested run onto the tool contract.
func childOutput(out *RunOutput, err error) (*tools.Output, error) {
	if err != nil {
		if out != nil && out.Error != "" {
			return nil, errors.New(out.Error)
		}
		return nil, err
	}
	if out.Status == session.RunStatusSuspended && out.Interaction != nil {
		req := out.Interaction
		meta := map[string]any{
			MetadataChildInteractionID: req.ID,
			MetadataChildRunID:         out.RunID,
		}
		return nil, tools.RequestInput(tools.InputRequest{
			Type:        req.Type,
			Title:       req.Title,
			Prompt:      req.Prompt,
			Options:     req.Options,
			MultiSelect: req.MultiSelect,
			Metadata:    meta,
		})
	}
	return &tools.Output{
		Content:    out.FinalResponse,
		Structured: map[string]any{"run_id": out.RunID, "steps": out.Metrics.Steps},
	}, nil
}
