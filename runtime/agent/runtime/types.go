package runtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// RunInput starts a run.
	RunInput struct {
		// AgentID selects the registered agent.
		AgentID agent.Ident
		// SessionID groups runs sharing a conversation. Generated when empty.
		SessionID string
		// RunID overrides the generated run identifier.
		RunID string
		// UserID is the caller identity used for permission checks. May be
		// empty for anonymous callers.
		UserID string
		// Query is the user input.
		Query string
		// ParentRunID links a nested run to the run that started it.
		ParentRunID string
		// Depth is the nesting depth of the run.
		Depth int
	}

	// RunOutput reports the state a run reached when Run, Resume or Wait
	// returned.
	RunOutput struct {
		// RunID identifies the run.
		RunID string
		// SessionID identifies the session of the run.
		SessionID string
		// AgentID is the agent that processed the run.
		AgentID agent.Ident
		// Status is completed, failed, suspended or cancelled.
		Status session.RunStatus
		// FinalResponse is the final assistant content of completed runs.
		FinalResponse string
		// Interaction is the pending request of suspended runs.
		Interaction *interaction.Request
		// Error describes failed runs.
		Error string
		// Metrics aggregates the run cost.
		Metrics session.RunMetrics
	}

	// Outcome is the result of executing one tool call: either Completed with
	// a ToolResult or Suspended on an interaction. Suspension is a control-flow
	// outcome and never travels as an error value.
	Outcome interface {
		isOutcome()
	}

	// Completed carries the result of an executed (or short-circuited) call.
	// Result.Success is false for failed executions.
	Completed struct {
		Result *tools.Result
	}

	// Suspended carries the interaction the call waits on. No result exists
	// for a suspended call.
	Suspended struct {
		Request *interaction.Request
		Reason  SuspendReason
	}

	// SuspendReason explains why a call suspended.
	SuspendReason string
)

const (
	// SuspendPermission indicates the permission manager requires the user
	// to authorize the call resource.
	SuspendPermission SuspendReason = "permission"
	// SuspendInput indicates the tool asked the user for input.
	SuspendInput SuspendReason = "input"
)

func (Completed) isOutcome() {}
func (Suspended) isOutcome() {}

func generateRunID(agentID agent.Ident) string {
	return fmt.Sprintf("%s-%s", agentID, uuid.NewString())
}

func generateSessionID() string { return "session-" + uuid.NewString() }

func generateStepID() string { return "step-" + uuid.NewString() }

func generateInteractionID() string { return "interaction-" + uuid.NewString() }

func outputOf(run *session.Run, req *interaction.Request) *RunOutput {
	return &RunOutput{
		RunID:         run.ID,
		SessionID:     run.SessionID,
		AgentID:       run.AgentID,
		Status:        run.Status,
		FinalResponse: run.FinalResponse,
		Interaction:   req,
		Error:         run.Error,
		Metrics:       run.Metrics,
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
