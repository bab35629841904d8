package runtime

import (
	"context"
	"fmt"

	"goa.design/stepflow/runtime/agent/runlog"
	"goa.design/stepflow/runtime/agent/session"
	"goa.design/stepflow/runtime/agent/stream"
)

// RunHistory is the persisted record of a run.
type RunHistory struct {
	// Run is the run record.
	Run *session.Run
	// Steps are the steps the run produced, ordered by sequence.
	Steps []*session.Step
	// Events are the protocol events of the run, ordered by sequence.
	Events []stream.Event
}

// History returns the run record, its steps and its protocol events. Both
// sequences are read from durable stores so repeated calls on a finished run
// return identical results.
func (r *Runtime) History(ctx context.Context, runID string) (*RunHistory, error) {
	run, err := r.SessionStore.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	all, err := r.SessionStore.GetSteps(ctx, run.SessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	var steps []*session.Step
	for _, s := range all {
		if s.RunID == runID {
			steps = append(steps, s)
		}
	}
	events, err := runlog.All(ctx, r.RunEventStore, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return &RunHistory{Run: run, Steps: steps, Events: events}, nil
}
