package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"goa.design/stepflow/runtime/agent/model"
)

type (
	// scriptedModel is an offline model.Client used when no provider is
	// configured. It picks tools from keywords in the user query, then
	// summarizes the tool results of the previous turn.
	scriptedModel struct{}

	chunkStreamer struct {
		chunks []model.Chunk
		pos    int
		meta   map[string]any
	}
)

func (scriptedModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	var chunks []model.Chunk
	last := req.Messages[len(req.Messages)-1]
	switch last.Role {
	case model.RoleTool:
		chunks = textChunks(summarize(req.Messages))
	case model.RoleUser:
		calls := planCalls(last.Content, available(req.Tools))
		if len(calls) == 0 {
			chunks = textChunks("You said: " + last.Content)
			break
		}
		chunks = callChunks(calls)
	default:
		chunks = textChunks("Done.")
	}
	chunks = append(chunks,
		model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: estimateUsage(req, chunks)},
		model.Chunk{Type: model.ChunkTypeStop, StopReason: "end_turn"},
	)
	return &chunkStreamer{chunks: chunks, meta: map[string]any{"provider": providerScripted, "model": req.Model}}, nil
}

func (s *chunkStreamer) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *chunkStreamer) Close() error { return nil }

func (s *chunkStreamer) Metadata() map[string]any { return s.meta }

func available(defs []*model.ToolDefinition) map[string]bool {
	out := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d != nil {
			out[d.Name] = true
		}
	}
	return out
}

// planCalls maps query keywords to tool calls. Only advertised tools are
// called.
func planCalls(query string, tools map[string]bool) []model.ToolCall {
	lower := strings.ToLower(query)
	var calls []model.ToolCall
	add := func(name string, args map[string]any) {
		if !tools[name] {
			return
		}
		b, _ := json.Marshal(args)
		calls = append(calls, model.ToolCall{ID: fmt.Sprintf("call_%d", len(calls)+1), Name: name, Arguments: string(b)})
	}
	if strings.Contains(lower, "weather") {
		add(toolWeather, map[string]any{"city": cityOf(query)})
	}
	if expr := expressionOf(query); expr != "" {
		add(toolCalculate, map[string]any{"expr": expr})
	}
	if strings.Contains(lower, "note") || strings.Contains(lower, "remember") {
		add(toolSaveNote, map[string]any{"title": "reminder", "content": query})
	}
	if strings.Contains(lower, "units") {
		add(toolUnits, map[string]any{})
	}
	return calls
}

// cityOf returns the word following " in ", defaulting to Paris.
func cityOf(query string) string {
	i := strings.LastIndex(strings.ToLower(query), " in ")
	if i < 0 {
		return "Paris"
	}
	rest := strings.TrimSpace(query[i+4:])
	end := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) && r != '-' })
	if end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "Paris"
	}
	return rest
}

// expressionOf returns the longest arithmetic run of query containing an
// operator.
func expressionOf(query string) string {
	isExpr := func(r rune) bool {
		return unicode.IsDigit(r) || strings.ContainsRune("+-*/(). ", r)
	}
	best := ""
	var cur strings.Builder
	flush := func() {
		s := strings.Trim(strings.TrimSpace(cur.String()), ".")
		if strings.ContainsAny(s, "+-*/") && strings.IndexFunc(s, unicode.IsDigit) >= 0 && len(s) > len(best) {
			best = s
		}
		cur.Reset()
	}
	for _, r := range query {
		if isExpr(r) {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return best
}

// summarize answers with the results of the trailing tool messages.
func summarize(msgs []*model.Message) string {
	var parts []string
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == model.RoleTool; i-- {
		parts = append([]string{msgs[i].Content}, parts...)
	}
	return "Here is what I found: " + strings.Join(parts, "; ") + "."
}

func textChunks(text string) []model.Chunk {
	words := strings.SplitAfter(text, " ")
	out := make([]model.Chunk, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, model.Chunk{Type: model.ChunkTypeText, Text: w})
		}
	}
	return out
}

// callChunks streams each call with the id and name on the first fragment
// and the arguments split over two fragments.
func callChunks(calls []model.ToolCall) []model.Chunk {
	out := make([]model.Chunk, 0, 2*len(calls))
	for i, c := range calls {
		half := len(c.Arguments) / 2
		out = append(out,
			model.Chunk{Type: model.ChunkTypeToolCallDelta, ToolCallDelta: &model.ToolCallDelta{Index: i, ID: c.ID, Name: c.Name, ArgumentsDelta: c.Arguments[:half]}},
			model.Chunk{Type: model.ChunkTypeToolCallDelta, ToolCallDelta: &model.ToolCallDelta{Index: i, ArgumentsDelta: c.Arguments[half:]}},
		)
	}
	return out
}

func estimateUsage(req *model.Request, chunks []model.Chunk) *model.TokenUsage {
	in := 0
	for _, m := range req.Messages {
		in += len(m.Content)
	}
	out := 0
	for _, c := range chunks {
		out += len(c.Text)
		if c.ToolCallDelta != nil {
			out += len(c.ToolCallDelta.ArgumentsDelta)
		}
	}
	u := model.TokenUsage{InputTokens: in/4 + 1, OutputTokens: out/4 + 1}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return &u
}
