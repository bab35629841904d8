package runtime

import (
	"context"
	"errors"
	"fmt"

	"goa.design/stepflow/runtime/agent/interrupt"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
)

// Cancel stops a run. A run executing in this process observes the request
// at its next suspension point and ends with run_cancelled. A suspended run
// is cancelled directly: its pending interaction can no longer be answered.
func (r *Runtime) Cancel(ctx context.Context, runID, reason string) error {
	if err := r.cancelActive(ctx, runID, reason); !errors.Is(err, interrupt.ErrUnknownRun) {
		return err
	}
	err := r.cancelSuspended(ctx, runID, reason)
	if errors.Is(err, session.ErrStatusConflict) {
		// A resume claimed the run first; it is now active.
		return r.cancelActive(ctx, runID, reason)
	}
	return err
}

func (r *Runtime) cancelActive(ctx context.Context, runID, reason string) error {
	if err := r.interrupts.Cancel(interrupt.CancelRequest{RunID: runID, Reason: reason}); err != nil {
		return err
	}
	r.logger.Info(ctx, "run cancellation requested", "run_id", runID, "reason", reason)
	return nil
}

func (r *Runtime) cancelSuspended(ctx context.Context, runID, reason string) error {
	run, err := r.SessionStore.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != session.RunStatusSuspended {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, runID, run.Status)
	}
	scope := stream.Scope{RunID: run.ID, SessionID: run.SessionID, ParentRunID: run.ParentRunID, Depth: run.Depth}
	em := newEmitter(r.Bus, scope, run.EventSequence, r.now)
	run.Status = session.RunStatusCancelled
	run.PendingInteractionID = ""
	run.UpdatedAt = r.now()
	run.EventSequence++
	if err := r.SessionStore.TransitionRun(ctx, run, session.RunStatusSuspended); err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return err
		}
		return fmt.Errorf("save run: %w", err)
	}
	if reason == "" {
		reason = "cancelled"
	}
	return em.emit(ctx, stream.RunCancelled, "", stream.RunCancelledPayload{Reason: reason})
}
