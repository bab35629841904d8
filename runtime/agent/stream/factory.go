package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Scope identifies the run a Factory builds events for.
	Scope struct {
		RunID       string
		SessionID   string
		ParentRunID string
		Depth       int
	}

	// Factory builds well-formed events for one run and assigns their
	// sequence numbers. A Factory is not safe for concurrent use; callers
	// serialize New calls with delivery so sequence order matches emission
	// order.
	Factory struct {
		scope Scope
		seq   int64
		now   func() time.Time
	}
)

// NewFactory returns a factory whose first event gets sequence last+1. Pass
// the last sequence of a previous segment of the run to continue numbering
// after a resume.
func NewFactory(scope Scope, last int64) *Factory {
	return &Factory{scope: scope, seq: last, now: time.Now}
}

// WithClock overrides the timestamp source and returns f.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// New builds the next event of type t. stepID may be empty.
func (f *Factory) New(t EventType, stepID string, payload any) (Event, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		data = b
	}
	f.seq++
	return Event{
		Type:        t,
		RunID:       f.scope.RunID,
		SessionID:   f.scope.SessionID,
		StepID:      stepID,
		Sequence:    f.seq,
		ParentRunID: f.scope.ParentRunID,
		Depth:       f.scope.Depth,
		Timestamp:   f.now().UTC(),
		Data:        data,
	}, nil
}

// Sequence returns the sequence of the last event built.
func (f *Factory) Sequence() int64 { return f.seq }

// Scope returns the run scope of the factory.
func (f *Factory) Scope() Scope { return f.scope }
