// Package session defines the durable records of the step loop (runs, steps
// and pending interactions) and the Store contract that persists them.
//
// Steps are the conversation history: a run is resumed by rebuilding the
// message list from the steps of its session, never from snapshots of
// in-flight model state.
package session

import (
	"context"
	"errors"
	"time"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/toolerrors"
)

type (
	// Run is one top-level (or nested) invocation of an agent against a query.
	Run struct {
		// ID uniquely identifies the run.
		ID string `json:"id"`
		// AgentID identifies the runnable that processed the run.
		AgentID agent.Ident `json:"agent_id"`
		// SessionID is the conversation the run belongs to.
		SessionID string `json:"session_id"`
		// UserID is the caller identity; empty for anonymous callers.
		UserID string `json:"user_id,omitempty"`
		// ParentRunID links a nested run to its parent.
		ParentRunID string `json:"parent_run_id,omitempty"`
		// Depth is the nesting depth; top-level runs have depth 0.
		Depth int `json:"depth"`
		// Status is the lifecycle state.
		Status RunStatus `json:"status"`
		// Query is the input that started the run.
		Query string `json:"query"`
		// FinalResponse is the final assistant content once completed.
		FinalResponse string `json:"final_response,omitempty"`
		// Error describes the failure of failed runs.
		Error string `json:"error,omitempty"`
		// PendingInteractionID references the interaction a suspended run
		// waits on.
		PendingInteractionID string `json:"pending_interaction_id,omitempty"`
		// Metrics aggregates the run cost.
		Metrics RunMetrics `json:"metrics"`
		// EventSequence is the sequence of the last protocol event emitted for
		// the run, so a resumed run keeps numbering where it stopped.
		EventSequence int64 `json:"event_sequence"`
		// CreatedAt is the run creation time.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is the last status transition time.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// RunMetrics aggregates the cost of a run.
	RunMetrics struct {
		// Steps counts persisted steps, tool steps included.
		Steps int `json:"steps"`
		// ModelCalls counts completed model turns.
		ModelCalls int `json:"model_calls"`
		// ToolCalls counts tool results.
		ToolCalls int `json:"tool_calls"`
		// Usage accumulates token consumption.
		Usage model.TokenUsage `json:"usage"`
		// Duration is the wall time spent executing, suspensions excluded.
		Duration time.Duration `json:"duration"`
	}

	// Step is one atomic, immutable unit of conversation history.
	Step struct {
		// ID uniquely identifies the step.
		ID string `json:"id"`
		// SessionID is the owning session.
		SessionID string `json:"session_id"`
		// RunID is the run that produced the step.
		RunID string `json:"run_id"`
		// Sequence orders steps within the session. Strictly increasing and
		// never reused.
		Sequence int64 `json:"sequence"`
		// Role is user, assistant or tool.
		Role model.Role `json:"role"`
		// Content is the message text or tool result content.
		Content string `json:"content"`
		// ToolCalls lists the calls requested by an assistant step.
		ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`
		// ToolCallID links a tool step to the assistant call it answers.
		ToolCallID string `json:"tool_call_id,omitempty"`
		// ToolName is the tool of a tool step.
		ToolName string `json:"tool_name,omitempty"`
		// Arguments is the raw argument string of a tool step.
		Arguments string `json:"arguments,omitempty"`
		// Error is set on failed tool steps.
		Error *toolerrors.ToolError `json:"error,omitempty"`
		// Cached marks tool steps served from the result cache.
		Cached bool `json:"cached,omitempty"`
		// Metrics records the step cost.
		Metrics StepMetrics `json:"metrics"`
		// CreatedAt is the time the step was recorded.
		CreatedAt time.Time `json:"created_at"`
	}

	// StepMetrics records the cost of one step.
	StepMetrics struct {
		// Duration is the model turn or tool execution time.
		Duration time.Duration `json:"duration"`
		// Usage is the token consumption of assistant steps.
		Usage model.TokenUsage `json:"usage"`
	}

	// Store persists runs, steps and interactions.
	//
	// Implementations must be safe for concurrent use and durable: failures are
	// surfaced so the runner can fail the run rather than lose history.
	Store interface {
		// SaveRun inserts or replaces a run.
		SaveRun(ctx context.Context, run *Run) error
		// TransitionRun replaces a run only while its stored status is from.
		// Returns ErrRunNotFound when missing and ErrStatusConflict when the
		// stored status differs.
		TransitionRun(ctx context.Context, run *Run, from RunStatus) error
		// GetRun loads a run. Returns ErrRunNotFound when missing.
		GetRun(ctx context.Context, runID string) (*Run, error)
		// SaveStep appends a step. Returns ErrSequenceConflict when the step
		// sequence is not greater than the last sequence of its session.
		SaveStep(ctx context.Context, step *Step) error
		// GetSteps returns the steps of a session with a sequence greater than
		// sinceSequence, ordered by sequence.
		GetSteps(ctx context.Context, sessionID string, sinceSequence int64) ([]*Step, error)
		// LastSequence returns the highest step sequence of the session, or 0.
		LastSequence(ctx context.Context, sessionID string) (int64, error)
		// SaveInteractionRequest persists a pending interaction.
		SaveInteractionRequest(ctx context.Context, req *interaction.Request) error
		// GetInteractionRequest loads an interaction. Returns
		// interaction.ErrNotFound when missing.
		GetInteractionRequest(ctx context.Context, id string) (*interaction.Request, error)
		// SaveInteractionResponse records the answer to a request. Returns
		// interaction.ErrNotFound for unknown requests and
		// interaction.ErrAlreadyAnswered when an answer exists.
		SaveInteractionResponse(ctx context.Context, resp *interaction.Response) error
		// GetInteractionResponse loads the answer to a request. Returns
		// interaction.ErrNotFound when the request is unanswered.
		GetInteractionResponse(ctx context.Context, requestID string) (*interaction.Response, error)
	}

	// RunStatus represents the lifecycle state of a run.
	RunStatus string
)

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run finished with a final response.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusSuspended indicates the run waits on an interaction.
	RunStatusSuspended RunStatus = "suspended"
	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

var (
	// ErrRunNotFound indicates the run does not exist in the store.
	ErrRunNotFound = errors.New("run not found")
	// ErrStatusConflict indicates a run changed status concurrently.
	ErrStatusConflict = errors.New("run status conflict")
	// ErrSequenceConflict indicates a step sequence was reused or went
	// backwards within a session.
	ErrSequenceConflict = errors.New("step sequence conflict")
)

// Terminal reports whether the status is final. Suspended runs are not
// terminal.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks the fields required to persist a run.
func (r *Run) Validate() error {
	switch {
	case r == nil:
		return errors.New("run is required")
	case r.ID == "":
		return errors.New("run id is required")
	case r.SessionID == "":
		return errors.New("session id is required")
	case r.Status == "":
		return errors.New("run status is required")
	}
	return nil
}

// Validate checks the fields required to persist a step.
func (s *Step) Validate() error {
	switch {
	case s == nil:
		return errors.New("step is required")
	case s.ID == "":
		return errors.New("step id is required")
	case s.SessionID == "":
		return errors.New("session id is required")
	case s.RunID == "":
		return errors.New("run id is required")
	case s.Sequence <= 0:
		return errors.New("step sequence must be > 0")
	case s.Role == model.RoleTool && s.ToolCallID == "":
		return errors.New("tool step requires a tool call id")
	}
	return nil
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	if len(s.ToolCalls) > 0 {
		out.ToolCalls = append([]model.ToolCall(nil), s.ToolCalls...)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return &out
}

// Message converts the step into the model message it stands for.
func (s *Step) Message() *model.Message {
	msg := &model.Message{Role: s.Role, Content: s.Content}
	switch s.Role {
	case model.RoleAssistant:
		msg.ToolCalls = append([]model.ToolCall(nil), s.ToolCalls...)
	case model.RoleTool:
		msg.ToolCallID = s.ToolCallID
		msg.Name = s.ToolName
		msg.IsError = s.Error != nil
	}
	return msg
}
