// Package stream defines the protocol events produced by a run and delivered
// to clients (SSE, WebSocket, message buses such as Pulse).
//
// Every event carries the run and session identifiers and a per-run sequence
// number. Sequence numbers are strictly increasing in emission order, so a
// consumer can rebuild the exact ordering of steps and tool calls from
// sequence numbers alone even when tool calls complete out of order.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/session"
)

type (
	// EventType enumerates protocol event types.
	EventType string

	// Event is one protocol event. Data holds the JSON encoding of the
	// type-specific payload so events are stable across persistence and
	// transports; use Decode to read it back.
	Event struct {
		// Type is the event type.
		Type EventType `json:"type"`
		// RunID is the run that produced the event.
		RunID string `json:"run_id"`
		// SessionID is the session of the run.
		SessionID string `json:"session_id"`
		// StepID is the step the event relates to, when any.
		StepID string `json:"step_id,omitempty"`
		// Sequence orders events within the run.
		Sequence int64 `json:"sequence"`
		// ParentRunID is set on events of nested runs.
		ParentRunID string `json:"parent_run_id,omitempty"`
		// Depth is the nesting depth of the run.
		Depth int `json:"depth,omitempty"`
		// Timestamp is the emission time.
		Timestamp time.Time `json:"timestamp"`
		// Data is the JSON payload.
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Sink delivers events to a transport. Implementations must be safe for
	// concurrent use.
	Sink interface {
		// Send publishes an event.
		Send(ctx context.Context, event Event) error
		// Close releases transport resources. It is idempotent.
		Close(ctx context.Context) error
	}

	// RunStartedPayload is the payload of run_started.
	RunStartedPayload struct {
		AgentID agent.Ident `json:"agent_id"`
		Query   string      `json:"query"`
		UserID  string      `json:"user_id,omitempty"`
	}

	// RunCompletedPayload is the payload of run_completed.
	RunCompletedPayload struct {
		FinalResponse string             `json:"final_response"`
		Metrics       session.RunMetrics `json:"metrics"`
	}

	// RunFailedPayload is the payload of run_failed.
	RunFailedPayload struct {
		Error   string `json:"error"`
		IsFatal bool   `json:"is_fatal"`
	}

	// RunCancelledPayload is the payload of run_cancelled.
	RunCancelledPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// StepDeltaPayload is the payload of step_delta. Exactly one of Text,
	// ToolCall and Reset is set.
	StepDeltaPayload struct {
		Text     string               `json:"text,omitempty"`
		ToolCall *model.ToolCallDelta `json:"tool_call,omitempty"`
		// Reset discards the deltas streamed so far for the current step: the
		// model attempt that produced them failed and is being retried.
		Reset bool `json:"reset,omitempty"`
	}

	// StepCompletedPayload is the payload of step_completed: the persisted
	// step snapshot.
	StepCompletedPayload struct {
		Step *session.Step `json:"step"`
	}

	// ToolCallStartedPayload is the payload of tool_call_started.
	ToolCallStartedPayload struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name"`
		Arguments  string `json:"arguments"`
	}

	// ToolCallCompletedPayload is the payload of tool_call_completed.
	ToolCallCompletedPayload struct {
		ToolCallID string        `json:"tool_call_id"`
		ToolName   string        `json:"tool_name"`
		Content    string        `json:"content"`
		Structured any           `json:"structured,omitempty"`
		Duration   time.Duration `json:"duration"`
		Cached     bool          `json:"cached,omitempty"`
	}

	// ToolCallFailedPayload is the payload of tool_call_failed.
	ToolCallFailedPayload struct {
		ToolCallID string        `json:"tool_call_id"`
		ToolName   string        `json:"tool_name"`
		Error      string        `json:"error"`
		Kind       string        `json:"kind"`
		Duration   time.Duration `json:"duration"`
	}

	// UsageUpdatePayload is the payload of usage_update.
	UsageUpdatePayload struct {
		// Delta is the usage of the last model turn.
		Delta model.TokenUsage `json:"delta"`
		// Total is the run total so far.
		Total model.TokenUsage `json:"total"`
	}

	// MetricsSnapshotPayload is the payload of metrics_snapshot.
	MetricsSnapshotPayload struct {
		Metrics session.RunMetrics `json:"metrics"`
	}

	// InteractionRequestPayload is the payload of interaction_request.
	InteractionRequestPayload struct {
		Request *interaction.Request `json:"request"`
	}

	// ExecutionSuspendedPayload is the payload of execution_suspended.
	ExecutionSuspendedPayload struct {
		InteractionID string `json:"interaction_id"`
		ToolCallID    string `json:"tool_call_id"`
	}

	// ExecutionResumedPayload is the payload of execution_resumed.
	ExecutionResumedPayload struct {
		InteractionID string `json:"interaction_id"`
		ToolCallID    string `json:"tool_call_id"`
		Approved      bool   `json:"approved"`
	}

	// ErrorPayload is the payload of error.
	ErrorPayload struct {
		Message string `json:"message"`
		IsFatal bool   `json:"is_fatal"`
		// Attempts is the number of model attempts made before giving up.
		Attempts int `json:"attempts,omitempty"`
	}
)

const (
	// RunStarted is emitted once when a run starts.
	RunStarted EventType = "run_started"
	// RunCompleted is emitted when a run produces its final response.
	RunCompleted EventType = "run_completed"
	// RunFailed is emitted when a run fails.
	RunFailed EventType = "run_failed"
	// RunCancelled is emitted when a run is cancelled.
	RunCancelled EventType = "run_cancelled"
	// StepDelta streams incremental model text or tool-call fragments.
	StepDelta EventType = "step_delta"
	// StepCompleted carries a finalized, persisted step.
	StepCompleted EventType = "step_completed"
	// ToolCallStarted is emitted before a tool executes.
	ToolCallStarted EventType = "tool_call_started"
	// ToolCallCompleted is emitted for successful tool results.
	ToolCallCompleted EventType = "tool_call_completed"
	// ToolCallFailed is emitted for failed tool results.
	ToolCallFailed EventType = "tool_call_failed"
	// UsageUpdate reports token usage after each model turn.
	UsageUpdate EventType = "usage_update"
	// MetricsSnapshot reports aggregated run metrics.
	MetricsSnapshot EventType = "metrics_snapshot"
	// InteractionRequest announces a pending interaction.
	InteractionRequest EventType = "interaction_request"
	// ExecutionSuspended is emitted when the run pauses on an interaction.
	ExecutionSuspended EventType = "execution_suspended"
	// ExecutionResumed is emitted when a suspended run resumes.
	ExecutionResumed EventType = "execution_resumed"
	// Error reports a model or internal error.
	Error EventType = "error"
)

// Terminal reports whether the event type ends a run's stream. A suspended
// run ends its stream with execution_suspended.
func (t EventType) Terminal() bool {
	switch t {
	case RunCompleted, RunFailed, RunCancelled, ExecutionSuspended:
		return true
	default:
		return false
	}
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}
