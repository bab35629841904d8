// Package openai provides a model.Client backed by the OpenAI Chat
// Completions streaming API using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/stepflow/runtime/agent/model"
)

const providerName = "openai"

type (
	// ChatClient opens chat completion streams. Use NewChatClient to adapt a
	// go-openai client.
	ChatClient interface {
		CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
	}

	// ChatStream is the receiving side of a chat completion stream.
	// *openai.ChatCompletionStream satisfies it.
	ChatStream interface {
		Recv() (openai.ChatCompletionStreamResponse, error)
		Close() error
	}

	// Options configures the OpenAI adapter.
	Options struct {
		Client       ChatClient
		DefaultModel string
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat  ChatClient
		model string
	}

	sdkClient struct {
		c *openai.Client
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: NewChatClient(openai.NewClient(apiKey)), DefaultModel: defaultModel})
}

// NewChatClient adapts a go-openai client to ChatClient.
func NewChatClient(c *openai.Client) ChatClient {
	return sdkClient{c: c}
}

func (s sdkClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	st, err := s.c.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:         modelID,
		Messages:      encodeMessages(req.Messages),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Tools:         tools,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	st, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classifyError(err)
	}
	return &streamer{
		stream: st,
		meta:   map[string]any{"provider": providerName, "model": modelID},
	}, nil
}

func encodeMessages(msgs []*model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case model.RoleTool:
			msg.ToolCallID = m.ToolCallID
			if m.IsError && !strings.HasPrefix(m.Content, "Error") {
				msg.Content = "Error: " + m.Content
			}
		case model.RoleAssistant:
			for _, call := range m.ToolCalls {
				args := call.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: args},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil {
			continue
		}
		params := def.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if !json.Valid(params) {
			return nil, fmt.Errorf("openai: tool %s schema is not valid JSON", def.Name)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

// streamer converts go-openai stream responses into chunks. One response may
// yield several chunks; they are queued and returned in order.
type streamer struct {
	stream  ChatStream
	pending []model.Chunk
	meta    map[string]any
	done    bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			continue
		}
		if err != nil {
			return model.Chunk{}, classifyError(err)
		}
		s.pending = s.translate(resp)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *streamer) translate(resp openai.ChatCompletionStreamResponse) []model.Chunk {
	if resp.ID != "" {
		s.meta["response_id"] = resp.ID
	}
	if resp.Model != "" {
		s.meta["model"] = resp.Model
	}
	var out []model.Chunk
	for _, choice := range resp.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			out = append(out, model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content})
		}
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			out = append(out, model.Chunk{
				Type: model.ChunkTypeToolCallDelta,
				ToolCallDelta: &model.ToolCallDelta{
					Index:          idx,
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				},
			})
		}
		if choice.FinishReason != "" {
			out = append(out, model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)})
		}
	}
	if u := resp.Usage; u != nil {
		usage := model.TokenUsage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
		}
		s.meta["usage"] = usage
		out = append(out, model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	}
	return out
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	out := make(map[string]any, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out
}
