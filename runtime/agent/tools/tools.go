// Package tools defines the tool contract executed by the step loop, the
// ToolSet registry that resolves tools by name, and the request/result values
// that flow between the model, the executor and persisted steps.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/stepflow/runtime/agent"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/toolerrors"
)

type (
	// Tool is a callable capability exposed to the model. Implementations
	// must be safe for concurrent Execute calls: the executor may run several
	// calls of the same tool in parallel within one model turn.
	Tool interface {
		// Name is the unique identifier the model uses to call the tool.
		Name() string
		// Description documents the tool for the model.
		Description() string
		// Schema is the JSON schema of the tool arguments. Nil accepts any
		// JSON object.
		Schema() json.RawMessage
		// Cacheable reports whether results may be memoized per session for
		// identical arguments.
		Cacheable() bool
		// Execute runs the tool with validated arguments.
		Execute(ctx context.Context, args Args, cc *CallContext) (*Output, error)
	}

	// ResourceProvider is implemented by tools that canonicalize their own
	// permission resource (for example collapsing a path into a directory
	// pattern). Returning the empty string selects the default resource.
	ResourceProvider interface {
		PermissionResource(args Args) string
	}

	// TimeoutProvider is implemented by tools that override the executor
	// default timeout.
	TimeoutProvider interface {
		Timeout() time.Duration
	}

	// Args holds decoded tool arguments. Numbers are kept as json.Number so
	// canonicalization preserves the model's exact digits.
	Args map[string]any

	// Output is what a tool handler returns on success.
	Output struct {
		// Content is the human and model readable result.
		Content string
		// Structured is an optional machine readable result.
		Structured any
	}

	// CallRequest is a tool call extracted from a model response, before the
	// arguments are parsed or validated.
	CallRequest struct {
		// ID is the model-assigned call id.
		ID string `json:"id"`
		// Name is the requested tool name.
		Name string `json:"name"`
		// Arguments is the raw argument string exactly as streamed.
		Arguments string `json:"arguments"`
	}

	// ExecContext carries the run-level identity injected into every call.
	ExecContext struct {
		// SessionID identifies the conversation.
		SessionID string
		// RunID identifies the current run.
		RunID string
		// TraceID correlates the run with external traces.
		TraceID string
		// UserID is the caller identity; empty for anonymous callers.
		UserID string
		// AgentID is the agent driving the run.
		AgentID agent.Ident
		// ParentRunID links a nested run to the run that started it.
		ParentRunID string
		// Depth is the nesting depth; top-level runs have depth 0.
		Depth int
	}

	// CallContext is the per-call context handed to Tool.Execute.
	CallContext struct {
		ExecContext
		// CallID is the id of the call being executed.
		CallID string
		// ToolName is the name of the executing tool.
		ToolName string
		// Response is the user's answer when the call is replayed after an
		// input interaction; nil otherwise.
		Response *interaction.Response
		// Interaction is the request Response answers; nil otherwise.
		Interaction *interaction.Request
	}

	// Result is the uniform outcome of one tool execution. Success is false
	// if and only if Error is set.
	Result struct {
		// ToolName is the executed tool.
		ToolName string `json:"tool_name"`
		// CallID links the result to its originating call.
		CallID string `json:"call_id"`
		// Arguments is the raw argument string of the call.
		Arguments string `json:"arguments"`
		// Content is the model readable result or error description.
		Content string `json:"content"`
		// Structured is the optional machine readable output.
		Structured any `json:"structured,omitempty"`
		// Error describes the failure; nil on success.
		Error *toolerrors.ToolError `json:"error,omitempty"`
		// StartedAt is when execution began.
		StartedAt time.Time `json:"started_at"`
		// EndedAt is when execution finished.
		EndedAt time.Time `json:"ended_at"`
		// Duration is EndedAt minus StartedAt.
		Duration time.Duration `json:"duration"`
		// Success reports whether the tool succeeded.
		Success bool `json:"success"`
		// Cached reports whether the result was served from the result cache.
		Cached bool `json:"cached,omitempty"`
	}
)

// NewResult builds a successful result for req.
func NewResult(req CallRequest, out *Output, started, ended time.Time) *Result {
	r := &Result{
		ToolName:  req.Name,
		CallID:    req.ID,
		Arguments: req.Arguments,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
		Success:   true,
	}
	if out != nil {
		r.Content = out.Content
		r.Structured = out.Structured
	}
	return r
}

// FailedResult builds a failed result for req. The content mirrors the error
// message so the model sees why the call failed.
func FailedResult(req CallRequest, err *toolerrors.ToolError, started, ended time.Time) *Result {
	if err == nil {
		err = toolerrors.New(toolerrors.KindExecution, "tool failed")
	}
	return &Result{
		ToolName:  req.Name,
		CallID:    req.ID,
		Arguments: req.Arguments,
		Content:   "error: " + err.Message,
		Error:     err,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
	}
}

// Request returns the call request the result answers.
func (r *Result) Request() CallRequest {
	return CallRequest{ID: r.CallID, Name: r.ToolName, Arguments: r.Arguments}
}

// Failed reports whether the result carries an error.
func (r *Result) Failed() bool { return r.Error != nil }
