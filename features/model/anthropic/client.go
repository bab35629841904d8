// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. Requests are translated to streaming Messages calls using
// github.com/anthropics/anthropic-sdk-go and the server-sent events are
// translated back into model.Chunk values.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/stepflow/runtime/agent/model"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

type (
	// MessagesClient is the subset of the Anthropic SDK used by the adapter.
	// *sdk.MessageService satisfies it.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is used when model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens is the completion cap used when the request sets none.
		// Defaults to 4096.
		MaxTokens int
		// Temperature is used when the request sets none.
		Temperature float64
	}

	// Client implements model.Client on Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}

	// toolNames maps canonical tool names to the names advertised to the
	// provider and back.
	toolNames struct {
		toProvider map[string]string
		toCanon    map[string]string
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey builds a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, names, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	st := c.msg.NewStreaming(ctx, *params)
	if err := st.Err(); err != nil {
		_ = st.Close()
		return nil, classifyError(err)
	}
	return newStreamer(ctx, st, names, string(params.Model)), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, toolNames, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, toolNames{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, names, err := encodeTools(req.Tools)
	if err != nil {
		return nil, toolNames{}, err
	}
	msgs, system, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, toolNames{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := c.temperature
	if req.Temperature > 0 {
		temp = float64(req.Temperature)
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, names, nil
}

// encodeMessages splits out the system prompt and groups consecutive tool
// results into a single user message as required by the Messages API.
func encodeMessages(msgs []*model.Message, names toolNames) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		results      []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool message missing tool call id")
			}
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case model.RoleUser:
			flush()
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleAssistant:
			flush()
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, toolInput(call.Arguments), names.provider(call.Name)))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func toolInput(args string) any {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(args)) {
		return map[string]any{"raw": args}
	}
	return json.RawMessage(args)
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, toolNames, error) {
	names := toolNames{toProvider: map[string]string{}, toCanon: map[string]string{}}
	if len(defs) == 0 {
		return nil, names, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := names.toCanon[sanitized]; ok && prev != def.Name {
			return nil, names, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		names.toCanon[sanitized] = def.Name
		names.toProvider[def.Name] = sanitized
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, names, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, names, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func (n toolNames) provider(name string) string {
	if s, ok := n.toProvider[name]; ok {
		return s
	}
	return sanitizeToolName(name)
}

// canonical returns the tool name the runtime registered for a provider name.
// Names the model invents pass through so the runtime reports them as not
// found.
func (n toolNames) canonical(name string) string {
	if c, ok := n.toCanon[name]; ok {
		return c
	}
	return name
}

// sanitizeToolName replaces characters Anthropic rejects in tool names with
// '_' and truncates to 64 characters.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}

// classifyError maps SDK failures to model.ProviderError. Context errors are
// returned unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status == 529 {
			status = http.StatusServiceUnavailable
		}
		return model.ClassifyHTTPStatus(providerName, "messages.stream", status, http.StatusText(status), err)
	}
	return model.NewProviderError(providerName, "messages.stream", 0, model.ProviderErrorKindUnavailable, "", true, err)
}
