package runtime

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/toolerrors"
	"goa.design/stepflow/runtime/agent/tools"
)

// AwaitingInputKind is the tool_call_failed kind reported for calls whose
// handler suspended the run on an interaction. The call is replayed on
// resume and reported again.
const AwaitingInputKind = "awaiting_input"

// errBatchSuspended is the cancellation cause of a batch interrupted by a
// suspension.
var errBatchSuspended = errors.New("tool batch suspended")

// dispatch executes the tool calls of one model turn with bounded
// parallelism. Results are returned in call order; a nil entry marks the
// call that suspended the batch. When several calls suspend, the first in
// call order wins and the others are recorded as not executed.
func (s *runState) dispatch(ctx context.Context, calls []model.ToolCall) ([]*tools.Result, *Suspended, error) {
	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		results  = make([]*tools.Result, len(calls))
		suspends = make([]*Suspended, len(calls))
		started  = make([]bool, len(calls))
	)
	g := new(errgroup.Group)
	g.SetLimit(s.limits.MaxConcurrentTools)
	for i, c := range calls {
		req := tools.CallRequest{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		if bctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if bctx.Err() != nil {
				return nil
			}
			res, susp, begun, err := s.runCall(bctx, req, callOptions{})
			started[i] = begun
			if err != nil {
				cancel(err)
				return err
			}
			if susp != nil {
				suspends[i] = susp
				cancel(errBatchSuspended)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var winner *Suspended
	for i, c := range calls {
		if results[i] != nil {
			continue
		}
		if winner == nil && suspends[i] != nil {
			winner = suspends[i]
			continue
		}
		kind := toolerrors.KindCanceled
		if errors.Is(context.Cause(bctx), errBatchSuspended) {
			kind = toolerrors.KindNotExecuted
		}
		req := tools.CallRequest{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
		res, err := s.skipCall(ctx, req, kind, !started[i])
		if err != nil {
			return nil, nil, err
		}
		results[i] = res
	}
	return results, winner, nil
}

// runCall executes one call and reports it. It returns the result of
// completed calls, or the suspension, and whether tool_call_started was
// emitted. Calls suspended before execution (permission) emit no event.
func (s *runState) runCall(ctx context.Context, req tools.CallRequest, co callOptions) (*tools.Result, *Suspended, bool, error) {
	p, out := s.executor.prepare(ctx, s.exec, req)
	if susp, ok := out.(Suspended); ok {
		return nil, &susp, false, nil
	}
	started := stream.ToolCallStartedPayload{ToolCallID: req.ID, ToolName: req.Name, Arguments: req.Arguments}
	if err := s.em.emit(ctx, stream.ToolCallStarted, "", started); err != nil {
		return nil, nil, false, err
	}
	if out == nil {
		out = s.executor.run(ctx, s.exec, p, co)
	}
	switch o := out.(type) {
	case Suspended:
		payload := stream.ToolCallFailedPayload{
			ToolCallID: req.ID,
			ToolName:   req.Name,
			Error:      "awaiting user input: " + o.Request.Prompt,
			Kind:       AwaitingInputKind,
		}
		if err := s.em.emit(ctx, stream.ToolCallFailed, "", payload); err != nil {
			return nil, nil, true, err
		}
		return nil, &o, true, nil
	case Completed:
		if err := s.report(ctx, o.Result, true); err != nil {
			return nil, nil, true, err
		}
		return o.Result, nil, true, nil
	}
	return nil, nil, true, errors.New("unexpected tool outcome")
}

// skipCall records a call that never ran. withStart emits tool_call_started
// first so every failure event pairs with a start.
func (s *runState) skipCall(ctx context.Context, req tools.CallRequest, kind toolerrors.Kind, withStart bool) (*tools.Result, error) {
	if withStart {
		started := stream.ToolCallStartedPayload{ToolCallID: req.ID, ToolName: req.Name, Arguments: req.Arguments}
		if err := s.em.emit(ctx, stream.ToolCallStarted, "", started); err != nil {
			return nil, err
		}
	}
	now := s.rt.now()
	msg := "tool call not executed: batch interrupted"
	if kind == toolerrors.KindCanceled {
		msg = "tool call canceled"
	}
	res := tools.FailedResult(req, toolerrors.New(kind, msg), now, now)
	if err := s.report(ctx, res, withStart); err != nil {
		return nil, err
	}
	return res, nil
}

// report records the tool step of res, then emits the matching completion
// event (when withEvent) and step_completed.
func (s *runState) report(ctx context.Context, res *tools.Result, withEvent bool) error {
	step, err := s.recordTool(ctx, res)
	if err != nil {
		return err
	}
	if withEvent {
		if res.Failed() {
			err = s.em.emit(ctx, stream.ToolCallFailed, step.ID, stream.ToolCallFailedPayload{
				ToolCallID: res.CallID,
				ToolName:   res.ToolName,
				Error:      res.Error.Message,
				Kind:       string(res.Error.Kind),
				Duration:   res.Duration,
			})
		} else {
			err = s.em.emit(ctx, stream.ToolCallCompleted, step.ID, stream.ToolCallCompletedPayload{
				ToolCallID: res.CallID,
				ToolName:   res.ToolName,
				Content:    res.Content,
				Structured: res.Structured,
				Duration:   res.Duration,
				Cached:     res.Cached,
			})
		}
		if err != nil {
			return err
		}
	}
	return s.em.emit(ctx, stream.StepCompleted, step.ID, stream.StepCompletedPayload{Step: step})
}
