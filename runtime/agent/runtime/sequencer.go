package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/stepflow/runtime/agent/session"
)

// sequencer assigns step sequences for one session. Steps of a session are
// persisted one at a time so sequences stay strictly increasing even when
// parallel tool calls finish together. A sequencer lives while a run of its
// session is active; the next one reloads the last sequence from the store.
type sequencer struct {
	mu     sync.Mutex
	loaded bool
	last   int64

	refs int // guarded by Runtime.seqMu
}

// holdSequencer keeps the sequencer of sessionID alive until the returned
// function is called.
func (r *Runtime) holdSequencer(sessionID string) (*sequencer, func()) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	s, ok := r.sequencers[sessionID]
	if !ok {
		s = &sequencer{}
		r.sequencers[sessionID] = s
	}
	s.refs++
	return s, func() {
		r.seqMu.Lock()
		defer r.seqMu.Unlock()
		s.refs--
		if s.refs == 0 && r.sequencers[sessionID] == s {
			delete(r.sequencers, sessionID)
		}
	}
}

// recordStep assigns the next session sequence to step and persists it.
// Persistence is not interrupted by run cancellation.
func (r *Runtime) recordStep(ctx context.Context, step *session.Step) error {
	ctx = context.WithoutCancel(ctx)
	seq, release := r.holdSequencer(step.SessionID)
	defer release()
	seq.mu.Lock()
	defer seq.mu.Unlock()
	if !seq.loaded {
		last, err := r.SessionStore.LastSequence(ctx, step.SessionID)
		if err != nil {
			return fmt.Errorf("load last step sequence: %w", err)
		}
		seq.last = last
		seq.loaded = true
	}
	step.Sequence = seq.last + 1
	if err := r.SessionStore.SaveStep(ctx, step); err != nil {
		if errors.Is(err, session.ErrSequenceConflict) {
			// Another writer advanced the session; reload on next use.
			seq.loaded = false
		}
		return fmt.Errorf("save step: %w", err)
	}
	seq.last = step.Sequence
	return nil
}
