package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/telemetry"
)

// Run executes a run to completion, failure, cancellation or suspension and
// blocks until then. Suspension is not an error: the returned output carries
// the pending interaction and a nil error. Failed and cancelled runs return
// the output together with the error.
func (r *Runtime) Run(ctx context.Context, in RunInput) (*RunOutput, error) {
	s, err := r.newRun(in)
	if err != nil {
		return nil, err
	}
	ctx, release := r.interrupts.Register(ctx, s.run.ID)
	defer release()
	return s.start(ctx, in.Query)
}

// Start starts a run in the background and returns a handle streaming its
// events, including the events of nested runs.
func (r *Runtime) Start(ctx context.Context, in RunInput) (*Handle, error) {
	s, err := r.newRun(in)
	if err != nil {
		return nil, err
	}
	h, err := newHandle(r, s.run.ID)
	if err != nil {
		return nil, err
	}
	rctx, release := r.interrupts.Register(ctx, s.run.ID)
	go func() {
		out, err := s.start(rctx, in.Query)
		release()
		h.finish(out, err)
	}()
	return h, nil
}

// newRun validates the input and builds the state of a new run.
func (r *Runtime) newRun(in RunInput) (*runState, error) {
	reg, err := r.agentByID(in.AgentID)
	if err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, errors.New("query is required")
	}
	limits := r.limitsFor(reg)
	if in.Depth > limits.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d > %d", ErrMaxDepthExceeded, in.Depth, limits.MaxDepth)
	}
	runID := in.RunID
	if runID == "" {
		runID = generateRunID(reg.ID)
	}
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	now := r.now()
	run := &session.Run{
		ID:          runID,
		AgentID:     reg.ID,
		SessionID:   sessionID,
		UserID:      in.UserID,
		ParentRunID: in.ParentRunID,
		Depth:       in.Depth,
		Status:      session.RunStatusRunning,
		Query:       in.Query,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return r.newRunState(reg, run), nil
}

// start persists the run, records the query and drives the loop.
func (s *runState) start(ctx context.Context, query string) (*RunOutput, error) {
	ctx, span := s.rt.tracer.Start(ctx, telemetry.SpanRun, trace.WithAttributes(
		attribute.String("run_id", s.run.ID),
		attribute.String("agent", string(s.reg.ID)),
	))
	defer span.End()
	s.exec.TraceID = traceID(ctx)
	_, release := s.rt.holdSequencer(s.run.SessionID)
	defer release()

	if err := s.rt.SessionStore.SaveRun(ctx, s.run.Clone()); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	s.rt.logger.Info(ctx, "run started", "run_id", s.run.ID, "agent", s.reg.ID, "session_id", s.run.SessionID, "depth", s.run.Depth)
	started := stream.RunStartedPayload{AgentID: s.reg.ID, Query: query, UserID: s.run.UserID}
	if err := s.em.emit(ctx, stream.RunStarted, "", started); err != nil {
		return s.finish(ctx, span, s.failed(err))
	}
	if err := s.recordUser(ctx, query); err != nil {
		return s.finish(ctx, span, s.failed(err))
	}
	if err := s.buildMessages(ctx); err != nil {
		return s.finish(ctx, span, s.failed(err))
	}
	return s.finish(ctx, span, s.loop(ctx))
}

// finish applies a terminal transition: it persists the run (and the
// pending interaction of suspended runs) and emits the terminal events.
func (s *runState) finish(ctx context.Context, span telemetry.Span, t terminal) (*RunOutput, error) {
	pctx := context.WithoutCancel(ctx)
	s.mu.Lock()
	metrics := s.metricsLocked()
	s.mu.Unlock()

	var (
		typ     stream.EventType
		payload any
		events  = int64(1)
	)
	switch t.status {
	case session.RunStatusCompleted:
		s.run.FinalResponse = t.final
		typ, payload = stream.RunCompleted, stream.RunCompletedPayload{FinalResponse: t.final, Metrics: metrics}
	case session.RunStatusSuspended:
		if err := s.rt.SessionStore.SaveInteractionRequest(pctx, t.request); err != nil {
			t = s.failed(fmt.Errorf("save interaction request: %w", err))
			return s.finish(ctx, span, t)
		}
		s.run.PendingInteractionID = t.request.ID
		typ, payload = stream.ExecutionSuspended, stream.ExecutionSuspendedPayload{InteractionID: t.request.ID, ToolCallID: t.request.ToolCallID}
		events = 2
	case session.RunStatusCancelled:
		typ, payload = stream.RunCancelled, stream.RunCancelledPayload{Reason: t.reason}
	default:
		t.status = session.RunStatusFailed
		s.run.Error = t.err.Error()
		typ, payload = stream.RunFailed, stream.RunFailedPayload{Error: t.err.Error(), IsFatal: t.fatal}
	}
	s.run.Status = t.status
	s.run.UpdatedAt = s.rt.now()
	s.run.EventSequence = s.em.sequence() + events
	if err := s.rt.SessionStore.SaveRun(pctx, s.run.Clone()); err != nil {
		s.rt.logger.Error(pctx, "failed to save run", "run_id", s.run.ID, "err", err)
		if t.err == nil {
			t.err = fmt.Errorf("save run: %w", err)
		}
	}

	if t.status == session.RunStatusSuspended {
		if err := s.em.emit(pctx, stream.InteractionRequest, "", stream.InteractionRequestPayload{Request: t.request}); err != nil {
			s.rt.logger.Error(pctx, "failed to publish event", "run_id", s.run.ID, "type", stream.InteractionRequest, "err", err)
		}
	}
	if err := s.em.emit(pctx, typ, "", payload); err != nil {
		s.rt.logger.Error(pctx, "failed to publish event", "run_id", s.run.ID, "type", typ, "err", err)
		if t.err == nil {
			t.err = err
		}
	}

	s.rt.metrics.IncCounter(telemetry.MetricRuns, 1, "agent", string(s.reg.ID), "status", string(t.status))
	s.rt.metrics.RecordTimer(telemetry.MetricRunDuration, metrics.Duration, "agent", string(s.reg.ID))
	switch t.status {
	case session.RunStatusFailed:
		span.SetStatus(codes.Error, s.run.Error)
		s.rt.logger.Error(ctx, "run failed", "run_id", s.run.ID, "err", t.err)
	case session.RunStatusSuspended:
		s.rt.logger.Info(ctx, "run suspended", "run_id", s.run.ID, "interaction_id", t.request.ID, "tool", t.request.ToolName)
	default:
		s.rt.logger.Info(ctx, "run finished", "run_id", s.run.ID, "status", t.status, "steps", metrics.Steps)
	}
	return outputOf(s.run.Clone(), t.request), t.err
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
