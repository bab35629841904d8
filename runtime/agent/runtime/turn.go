package runtime

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/telemetry"
)

type (
	// turnResult is the accumulated output of one successful model turn.
	turnResult struct {
		Content    string
		ToolCalls  []model.ToolCall
		Usage      model.TokenUsage
		StopReason string
		Duration   time.Duration
	}

	// modelError reports a model turn that failed after retries.
	modelError struct {
		err      error
		fatal    bool
		attempts int
	}

	// accumulator assembles streamed chunks into a turn result. Tool call
	// fragments are grouped by index and their argument deltas concatenated
	// in arrival order.
	accumulator struct {
		text  strings.Builder
		calls map[int]*partialCall
		usage model.TokenUsage
		stop  string
	}

	partialCall struct {
		id   string
		name string
		args strings.Builder
	}
)

// modelTurn calls the model with the current messages and retries non-fatal
// failures with exponential backoff. Each attempt restarts the stream from
// the same message state; the partial output of a failed attempt is
// discarded and a reset delta tells consumers to drop what it streamed.
// When the turn fails for good an error event is emitted.
func (s *runState) modelTurn(ctx context.Context) (*turnResult, error) {
	req := &model.Request{
		Model:       s.reg.ModelName,
		Messages:    s.messages,
		Temperature: s.reg.Temperature,
		MaxTokens:   s.reg.MaxTokens,
	}
	if s.reg.Tools != nil {
		req.Tools = s.reg.Tools.Definitions()
	}

	var (
		res      *turnResult
		attempts int
		streamed int
	)
	op := func() error {
		attempts++
		if streamed > 0 {
			if err := s.em.emit(ctx, stream.StepDelta, "", stream.StepDeltaPayload{Reset: true}); err != nil {
				return backoff.Permanent(err)
			}
			streamed = 0
		}
		r, err := s.streamOnce(ctx, req, &streamed)
		if err != nil {
			if ctx.Err() != nil || isPublishError(err) || model.IsFatal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.limits.RetryInitialInterval
	exp.MaxInterval = s.limits.RetryMaxInterval
	exp.MaxElapsedTime = 0
	retries := s.limits.MaxModelRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(retries))
	notify := func(err error, wait time.Duration) {
		s.rt.logger.Warn(ctx, "model call failed, retrying", "run_id", s.run.ID, "attempt", attempts, "wait", wait, "err", err)
		s.rt.metrics.IncCounter(telemetry.MetricModelRetries, 1, "agent", string(s.reg.ID))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil || isPublishError(err) {
			return nil, err
		}
		me := &modelError{err: err, fatal: model.IsFatal(err), attempts: attempts}
		payload := stream.ErrorPayload{Message: err.Error(), IsFatal: me.fatal, Attempts: attempts}
		if perr := s.em.emit(ctx, stream.Error, "", payload); perr != nil {
			return nil, perr
		}
		return nil, me
	}
	return res, nil
}

// streamOnce performs one model attempt bounded by the model timeout.
func (s *runState) streamOnce(ctx context.Context, req *model.Request, streamed *int) (*turnResult, error) {
	actx, cancel := context.WithTimeout(ctx, s.limits.ModelTimeout)
	defer cancel()
	actx, span := s.rt.tracer.Start(actx, telemetry.SpanModelStream,
		trace.WithAttributes(attribute.String("agent", string(s.reg.ID)), attribute.String("model", s.reg.ModelName)))
	defer span.End()

	started := s.rt.now()
	res, err := s.consume(actx, req, streamed)
	elapsed := s.rt.now().Sub(started)
	s.rt.metrics.RecordTimer(telemetry.MetricModelDuration, elapsed, "agent", string(s.reg.ID))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	res.Duration = elapsed
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// consume reads one stream, publishing deltas as they arrive. streamed
// counts the published deltas.
func (s *runState) consume(ctx context.Context, req *model.Request, streamed *int) (*turnResult, error) {
	st, err := s.reg.Model.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	acc := &accumulator{calls: make(map[int]*partialCall)}
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Text == "" {
				continue
			}
			acc.text.WriteString(chunk.Text)
			if err := s.em.emit(ctx, stream.StepDelta, "", stream.StepDeltaPayload{Text: chunk.Text}); err != nil {
				return nil, err
			}
			*streamed++
		case model.ChunkTypeToolCallDelta:
			if chunk.ToolCallDelta == nil {
				continue
			}
			acc.addDelta(chunk.ToolCallDelta)
			d := *chunk.ToolCallDelta
			if err := s.em.emit(ctx, stream.StepDelta, "", stream.StepDeltaPayload{ToolCall: &d}); err != nil {
				return nil, err
			}
			*streamed++
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				acc.usage = acc.usage.Add(*chunk.UsageDelta)
			}
		case model.ChunkTypeStop:
			acc.stop = chunk.StopReason
		}
	}
	return acc.result(), nil
}

func (a *accumulator) addDelta(d *model.ToolCallDelta) {
	pc, ok := a.calls[d.Index]
	if !ok {
		pc = &partialCall{}
		a.calls[d.Index] = pc
	}
	if d.ID != "" {
		pc.id = d.ID
	}
	if d.Name != "" {
		pc.name = d.Name
	}
	pc.args.WriteString(d.ArgumentsDelta)
}

// result finalizes the turn. Calls are ordered by stream index; calls
// streamed without an id are assigned one.
func (a *accumulator) result() *turnResult {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	calls := make([]model.ToolCall, 0, len(idx))
	for _, i := range idx {
		pc := a.calls[i]
		id := pc.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := pc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, model.ToolCall{ID: id, Name: pc.name, Arguments: args})
	}
	return &turnResult{
		Content:    a.text.String(),
		ToolCalls:  calls,
		Usage:      a.usage,
		StopReason: a.stop,
	}
}

func (e *modelError) Error() string { return "model call failed: " + e.err.Error() }

func (e *modelError) Unwrap() error { return e.err }
