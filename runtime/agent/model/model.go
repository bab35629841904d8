// Package model defines the provider-agnostic contract the step loop uses to
// call language models. Adapters under features/model translate these
// normalized types to provider SDKs (OpenAI, Anthropic) and translate the
// provider streams back into Chunk values.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client streams a model completion. Implementations wrap provider SDKs and
	// must be safe for concurrent use across runs.
	Client interface {
		// Stream sends the request to the provider and returns a Streamer that
		// yields incremental chunks until io.EOF. Callers must Close the
		// returned Streamer.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns Chunk values
	// until io.EOF. It is consumed from a single goroutine.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying provider stream.
		Close() error
		// Metadata returns provider-specific metadata such as the provider
		// name, the resolved model or request identifiers. Contents are
		// optional.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters of one model call.
	Request struct {
		// Model is the provider model identifier. Empty selects the adapter
		// default.
		Model string
		// Messages is the ordered conversation sent to the model.
		Messages []*Message
		// Tools lists the tool schemas the model may call.
		Tools []*ToolDefinition
		// Temperature controls sampling. Zero uses the adapter default.
		Temperature float32
		// MaxTokens caps completion tokens. Zero uses the adapter default.
		MaxTokens int
	}

	// Role identifies the author of a message.
	Role string

	// Message is one conversation entry. Assistant messages may carry tool
	// calls; tool messages carry the result of exactly one call identified by
	// ToolCallID.
	Message struct {
		// Role is the message author.
		Role Role
		// Content is the message text.
		Content string
		// ToolCalls lists the calls requested by an assistant message.
		ToolCalls []ToolCall
		// ToolCallID links a tool message to the assistant call it answers.
		ToolCallID string
		// Name is the tool name for tool messages.
		Name string
		// IsError marks tool messages that report a failed execution.
		IsError bool
	}

	// ToolDefinition describes a tool exposed to the model.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON schema of the tool arguments.
		InputSchema json.RawMessage
	}

	// ToolCall is a completed tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string `json:"id"`
		// Name is the requested tool name.
		Name string `json:"name"`
		// Arguments is the raw JSON argument string produced by the model.
		Arguments string `json:"arguments"`
	}

	// Chunk is one streaming event. Type selects the populated field:
	//
	//   - "text":            Text holds an assistant text delta.
	//   - "tool_call_delta": ToolCallDelta holds a tool call fragment.
	//   - "usage":           UsageDelta reports token usage.
	//   - "stop":            StopReason explains why generation ended.
	Chunk struct {
		Type          string
		Text          string
		ToolCallDelta *ToolCallDelta
		UsageDelta    *TokenUsage
		StopReason    string
	}

	// ToolCallDelta is a fragment of a tool call. Fragments sharing the same
	// Index belong to the same call; ID and Name are usually only present on
	// the first fragment and ArgumentsDelta must be concatenated in arrival
	// order before the arguments form complete JSON.
	ToolCallDelta struct {
		Index          int    `json:"index"`
		ID             string `json:"id,omitempty"`
		Name           string `json:"name,omitempty"`
		ArgumentsDelta string `json:"arguments_delta,omitempty"`
	}

	// TokenUsage records token counts reported by the provider.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Chunk types.
const (
	ChunkTypeText          = "text"
	ChunkTypeToolCallDelta = "tool_call_delta"
	ChunkTypeUsage         = "usage"
	ChunkTypeStop          = "stop"
)

// ErrRateLimited is wrapped by adapters when the provider throttles a request.
// The rate limiter middleware backs off when it observes it.
var ErrRateLimited = errors.New("model: rate limited")

// Add returns the sum of two usage records. TotalTokens falls back to the sum
// of input and output when the provider did not report it.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	out := TokenUsage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}
