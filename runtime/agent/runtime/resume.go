package runtime

import (
	"context"
	"errors"
	"fmt"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/telemetry"
	"goa.design/stepflow/runtime/agent/toolerrors"
	"goa.design/stepflow/runtime/agent/tools"
)

// Resume answers the pending interaction interactionID and continues the
// suspended run. An affirmative answer replays the exact tool call captured
// at suspend time (after persisting the authorization for confirmations);
// a negative confirmation fails the run without executing the tool.
func (r *Runtime) Resume(ctx context.Context, interactionID string, resp *interaction.Response) (*RunOutput, error) {
	s, req, answer, err := r.prepareResume(ctx, interactionID, resp)
	if err != nil {
		return nil, err
	}
	ctx, release := r.interrupts.Register(ctx, s.run.ID)
	defer release()
	return s.resume(ctx, req, answer)
}

// StartResume is the asynchronous form of Resume.
func (r *Runtime) StartResume(ctx context.Context, interactionID string, resp *interaction.Response) (*Handle, error) {
	s, req, answer, err := r.prepareResume(ctx, interactionID, resp)
	if err != nil {
		return nil, err
	}
	h, err := newHandle(r, s.run.ID)
	if err != nil {
		return nil, err
	}
	rctx, release := r.interrupts.Register(ctx, s.run.ID)
	go func() {
		out, err := s.resume(rctx, req, answer)
		release()
		h.finish(out, err)
	}()
	return h, nil
}

// prepareResume validates the response, records it and loads the run.
func (r *Runtime) prepareResume(ctx context.Context, interactionID string, resp *interaction.Response) (*runState, *interaction.Request, *interaction.Response, error) {
	req, err := r.SessionStore.GetInteractionRequest(ctx, interactionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := r.SessionStore.GetInteractionResponse(ctx, interactionID); err == nil {
		return nil, nil, nil, interaction.ErrAlreadyAnswered
	} else if !errors.Is(err, interaction.ErrNotFound) {
		return nil, nil, nil, err
	}
	now := r.now()
	if err := interaction.ValidateResponse(req, resp, now); err != nil {
		return nil, nil, nil, err
	}
	run, err := r.SessionStore.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, nil, nil, err
	}
	if run.Status != session.RunStatusSuspended || run.PendingInteractionID != req.ID {
		return nil, nil, nil, fmt.Errorf("%w: run %s is %s", ErrRunNotSuspended, run.ID, run.Status)
	}
	reg, err := r.agentByID(run.AgentID)
	if err != nil {
		return nil, nil, nil, err
	}
	answer := *resp
	if answer.RespondedAt.IsZero() {
		answer.RespondedAt = now
	}
	if err := r.SessionStore.SaveInteractionResponse(ctx, &answer); err != nil {
		return nil, nil, nil, err
	}
	return r.newRunState(reg, run), req, &answer, nil
}

// resume continues the run after a validated answer.
func (s *runState) resume(ctx context.Context, req *interaction.Request, resp *interaction.Response) (*RunOutput, error) {
	ctx, span := s.rt.tracer.Start(ctx, telemetry.SpanRun)
	defer span.End()
	s.exec.TraceID = traceID(ctx)
	_, release := s.rt.holdSequencer(s.run.SessionID)
	defer release()

	approved := resp.Approved()
	s.run.Status = session.RunStatusRunning
	s.run.PendingInteractionID = ""
	s.run.UpdatedAt = s.rt.now()
	if err := s.rt.SessionStore.TransitionRun(ctx, s.run.Clone(), session.RunStatusSuspended); err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %w", ErrRunNotSuspended, err)
		}
		return nil, fmt.Errorf("save run: %w", err)
	}
	s.rt.logger.Info(ctx, "run resumed", "run_id", s.run.ID, "interaction_id", req.ID, "approved", approved)
	resumed := stream.ExecutionResumedPayload{InteractionID: req.ID, ToolCallID: req.ToolCallID, Approved: approved}
	if err := s.em.emit(ctx, stream.ExecutionResumed, "", resumed); err != nil {
		return s.finish(ctx, span, s.failed(err))
	}

	// Forwarded interactions of nested runs are always replayed so the
	// nested run observes the answer, denial included.
	_, forwarded := req.Metadata[MetadataChildInteractionID]
	if !approved && !forwarded {
		return s.finish(ctx, span, s.deny(ctx, req))
	}
	if approved && s.rt.Permissions != nil && req.Resource() != "" &&
		(req.Type == interaction.TypeConfirm || req.Type == interaction.TypeCombined) {
		if err := s.rt.Permissions.Save(ctx, req.UserID, req.Resource(), true); err != nil {
			return s.finish(ctx, span, s.failed(fmt.Errorf("save permission: %w", err)))
		}
	}

	call := tools.CallRequest{ID: req.ToolCallID, Name: req.ToolName, Arguments: req.ToolArgs}
	_, susp, _, err := s.runCall(ctx, call, callOptions{request: req, response: resp})
	if err != nil {
		return s.finish(ctx, span, s.failed(err))
	}
	if susp != nil {
		if susp.Reason == SuspendPermission {
			s.rt.logger.Error(ctx, "replayed call suspended again", "run_id", s.run.ID, "tool", call.Name, "resource", susp.Request.Resource())
			return s.finish(ctx, span, s.failed(fmt.Errorf("%w: %s", ErrReplaySuspended, call.Name)))
		}
		return s.finish(ctx, span, terminal{status: session.RunStatusSuspended, request: susp.Request})
	}
	if err := s.buildMessages(ctx); err != nil {
		return s.finish(ctx, span, s.failed(err))
	}
	return s.finish(ctx, span, s.loop(ctx))
}

// deny records the declined call as a failed tool step so the transcript
// stays well formed and fails the run. The decision is not persisted as a
// permission.
func (s *runState) deny(ctx context.Context, req *interaction.Request) terminal {
	now := s.rt.now()
	call := tools.CallRequest{ID: req.ToolCallID, Name: req.ToolName, Arguments: req.ToolArgs}
	res := tools.FailedResult(call, toolerrors.New(toolerrors.KindPermissionDenied, ErrDeniedByUser.Error()), now, now)
	step, err := s.recordTool(ctx, res)
	if err != nil {
		return s.failed(err)
	}
	if err := s.em.emit(ctx, stream.StepCompleted, step.ID, stream.StepCompletedPayload{Step: step}); err != nil {
		return s.failed(err)
	}
	return s.failed(fmt.Errorf("%w: %s", ErrDeniedByUser, req.ToolName))
}
