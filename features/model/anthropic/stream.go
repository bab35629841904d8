package anthropic

import (
	"context"
	"errors"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/stepflow/runtime/agent/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// background goroutine decodes events into a buffered chunk channel.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	names toolNames
}

func newStreamer(ctx context.Context, st *ssestream.Stream[sdk.MessageStreamEventUnion], names toolNames, modelID string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:      cctx,
		cancel:   cancel,
		stream:   st,
		chunks:   make(chan model.Chunk, 32),
		names:    names,
		metadata: map[string]any{"provider": providerName, "model": modelID},
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, classifyError(err)
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return model.Chunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run() {
	defer close(s.chunks)
	p := newChunkProcessor(s.emit, s.setMeta, s.names)
	for {
		if err := s.ctx.Err(); err != nil {
			s.setErr(err)
			return
		}
		if !s.stream.Next() {
			s.setErr(s.stream.Err())
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setMeta(key string, v any) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.metadata[key] = v
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Messages stream events into chunks. Tool use
// blocks are numbered in arrival order so their fragments share an index.
type chunkProcessor struct {
	emit    func(model.Chunk) error
	setMeta func(string, any)
	names   toolNames

	toolIndex   map[int64]int
	nextTool    int
	inputTokens int
	stopReason  string
}

func newChunkProcessor(emit func(model.Chunk) error, setMeta func(string, any), names toolNames) *chunkProcessor {
	return &chunkProcessor{
		emit:      emit,
		setMeta:   setMeta,
		names:     names,
		toolIndex: make(map[int64]int),
	}
}

func (p *chunkProcessor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.inputTokens = int(ev.Message.Usage.InputTokens)
		if ev.Message.ID != "" {
			p.setMeta("message_id", ev.Message.ID)
		}
		if ev.Message.Model != "" {
			p.setMeta("model", string(ev.Message.Model))
		}
		return nil
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" || toolUse.Name == "" {
			return errors.New("anthropic stream: tool use block missing id or name")
		}
		idx := p.nextTool
		p.nextTool++
		p.toolIndex[ev.Index] = idx
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCallDelta,
			ToolCallDelta: &model.ToolCallDelta{
				Index: idx,
				ID:    toolUse.ID,
				Name:  p.names.canonical(toolUse.Name),
			},
		})
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Text})
		case sdk.InputJSONDelta:
			idx, ok := p.toolIndex[ev.Index]
			if !ok || delta.PartialJSON == "" {
				return nil
			}
			return p.emit(model.Chunk{
				Type:          model.ChunkTypeToolCallDelta,
				ToolCallDelta: &model.ToolCallDelta{Index: idx, ArgumentsDelta: delta.PartialJSON},
			})
		}
		return nil
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:  p.inputTokens,
			OutputTokens: int(ev.Usage.OutputTokens),
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		p.setMeta("usage", usage)
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	case sdk.MessageStopEvent:
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
	}
	return nil
}
