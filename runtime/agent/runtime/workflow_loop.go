package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/interrupt"
	"goa.design/stepflow/runtime/agent/model"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
	"goa.design/stepflow/runtime/agent/tools"
)

type (
	// runState is the in-memory state of one segment of a run: from start
	// (or resume) until the next terminal transition or suspension.
	runState struct {
		rt       *Runtime
		reg      *AgentRegistration
		limits   Limits
		exec     tools.ExecContext
		executor *ToolExecutor
		em       *emitter

		// mu guards run metrics updated by parallel tool calls.
		mu  sync.Mutex
		run *session.Run

		messages []*model.Message
		// segmentStart and baseDuration exclude suspended time from the run
		// duration.
		segmentStart time.Time
		baseDuration time.Duration
	}

	// terminal describes how a run segment ended.
	terminal struct {
		status  session.RunStatus
		final   string
		err     error
		fatal   bool
		request *interaction.Request
		reason  string
	}
)

func (r *Runtime) newRunState(reg *AgentRegistration, run *session.Run) *runState {
	limits := r.limitsFor(reg)
	scope := stream.Scope{
		RunID:       run.ID,
		SessionID:   run.SessionID,
		ParentRunID: run.ParentRunID,
		Depth:       run.Depth,
	}
	return &runState{
		rt:       r,
		reg:      reg,
		limits:   limits,
		executor: r.executorFor(reg, limits),
		em:       newEmitter(r.Bus, scope, run.EventSequence, r.now),
		run:      run,
		exec: tools.ExecContext{
			SessionID:   run.SessionID,
			RunID:       run.ID,
			UserID:      run.UserID,
			AgentID:     run.AgentID,
			ParentRunID: run.ParentRunID,
			Depth:       run.Depth,
		},
		segmentStart: r.now(),
		baseDuration: run.Metrics.Duration,
	}
}

// loop drives the model↔tool step sequence until a terminal state.
func (s *runState) loop(ctx context.Context) terminal {
	for {
		if ctx.Err() != nil {
			return s.cancelled(ctx)
		}
		if s.run.Metrics.ModelCalls >= s.limits.MaxSteps {
			return terminal{
				status: session.RunStatusFailed,
				err:    fmt.Errorf("%w: %d steps", ErrStepLimitExceeded, s.limits.MaxSteps),
			}
		}

		turn, err := s.modelTurn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx)
			}
			var me *modelError
			return terminal{status: session.RunStatusFailed, err: err, fatal: errors.As(err, &me) && me.fatal}
		}

		step, err := s.recordAssistant(ctx, turn)
		if err != nil {
			return s.failed(err)
		}
		s.messages = append(s.messages, step.Message())
		if len(turn.ToolCalls) == 0 {
			return terminal{status: session.RunStatusCompleted, final: turn.Content}
		}

		results, susp, err := s.dispatch(ctx, turn.ToolCalls)
		if err != nil {
			return s.failed(err)
		}
		for _, res := range results {
			if res != nil {
				s.messages = append(s.messages, toolMessage(res))
			}
		}
		if susp != nil {
			return terminal{status: session.RunStatusSuspended, request: susp.Request}
		}
		if ctx.Err() != nil {
			return s.cancelled(ctx)
		}
	}
}

// recordAssistant persists the assistant step of a completed turn and emits
// step_completed, usage_update and metrics_snapshot.
func (s *runState) recordAssistant(ctx context.Context, turn *turnResult) (*session.Step, error) {
	step := &session.Step{
		ID:        generateStepID(),
		SessionID: s.run.SessionID,
		RunID:     s.run.ID,
		Role:      model.RoleAssistant,
		Content:   turn.Content,
		ToolCalls: turn.ToolCalls,
		Metrics:   session.StepMetrics{Duration: turn.Duration, Usage: turn.Usage},
		CreatedAt: s.rt.now(),
	}
	if err := s.rt.recordStep(ctx, step); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.run.Metrics.Steps++
	s.run.Metrics.ModelCalls++
	s.run.Metrics.Usage = s.run.Metrics.Usage.Add(turn.Usage)
	metrics := s.metricsLocked()
	s.mu.Unlock()

	if err := s.em.emit(ctx, stream.StepCompleted, step.ID, stream.StepCompletedPayload{Step: step}); err != nil {
		return nil, err
	}
	if err := s.em.emit(ctx, stream.UsageUpdate, step.ID, stream.UsageUpdatePayload{Delta: turn.Usage, Total: metrics.Usage}); err != nil {
		return nil, err
	}
	if err := s.em.emit(ctx, stream.MetricsSnapshot, step.ID, stream.MetricsSnapshotPayload{Metrics: metrics}); err != nil {
		return nil, err
	}
	return step, nil
}

// recordUser persists the query that starts a run.
func (s *runState) recordUser(ctx context.Context, query string) error {
	step := &session.Step{
		ID:        generateStepID(),
		SessionID: s.run.SessionID,
		RunID:     s.run.ID,
		Role:      model.RoleUser,
		Content:   query,
		CreatedAt: s.rt.now(),
	}
	if err := s.rt.recordStep(ctx, step); err != nil {
		return err
	}
	s.mu.Lock()
	s.run.Metrics.Steps++
	s.mu.Unlock()
	return s.em.emit(ctx, stream.StepCompleted, step.ID, stream.StepCompletedPayload{Step: step})
}

// recordTool persists the tool step of a result.
func (s *runState) recordTool(ctx context.Context, res *tools.Result) (*session.Step, error) {
	step := &session.Step{
		ID:         generateStepID(),
		SessionID:  s.run.SessionID,
		RunID:      s.run.ID,
		Role:       model.RoleTool,
		Content:    res.Content,
		ToolCallID: res.CallID,
		ToolName:   res.ToolName,
		Arguments:  res.Arguments,
		Error:      res.Error,
		Cached:     res.Cached,
		Metrics:    session.StepMetrics{Duration: res.Duration},
		CreatedAt:  s.rt.now(),
	}
	if err := s.rt.recordStep(ctx, step); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.run.Metrics.Steps++
	s.run.Metrics.ToolCalls++
	s.mu.Unlock()
	return step, nil
}

// buildMessages rebuilds the message list from the persisted session steps.
func (s *runState) buildMessages(ctx context.Context) error {
	steps, err := s.rt.SessionStore.GetSteps(ctx, s.run.SessionID, 0)
	if err != nil {
		return fmt.Errorf("load session steps: %w", err)
	}
	msgs, err := s.reg.ContextBuilder.Build(ctx, BuildInput{
		SystemPrompt: s.reg.SystemPrompt,
		Run:          s.run.Clone(),
		Steps:        steps,
	})
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	s.messages = msgs
	return nil
}

func (s *runState) cancelled(ctx context.Context) terminal {
	reason := "cancelled"
	if req, ok := interrupt.Cause(ctx); ok && req.Reason != "" {
		reason = req.Reason
	} else if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	return terminal{status: session.RunStatusCancelled, reason: reason, err: fmt.Errorf("%w: %s", ErrCancelled, reason)}
}

func (s *runState) failed(err error) terminal {
	return terminal{status: session.RunStatusFailed, err: err}
}

// metricsLocked returns the run metrics with the current duration. Callers
// hold s.mu.
func (s *runState) metricsLocked() session.RunMetrics {
	s.run.Metrics.Duration = s.baseDuration + s.rt.now().Sub(s.segmentStart)
	return s.run.Metrics
}

func toolMessage(res *tools.Result) *model.Message {
	return &model.Message{
		Role:       model.RoleTool,
		Content:    res.Content,
		ToolCallID: res.CallID,
		Name:       res.ToolName,
		IsError:    res.Failed(),
	}
}
