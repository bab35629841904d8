// Package runlog provides a durable, append-only log of the protocol events of
// each run.
//
// The run log is the canonical source of run history: the runtime appends
// every event it emits and History replays them in sequence order. Reading a
// completed run's log repeatedly always yields the same events.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"goa.design/stepflow/runtime/agent/hooks"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// Page is a forward page of run events.
	Page struct {
		// Events are ordered by sequence.
		Events []stream.Event
		// NextCursor is the cursor to use to fetch the next page.
		// It is empty when there are no further events.
		NextCursor string
	}

	// Store is an append-only event store.
	//
	// Implementations must provide stable ordering within a run. Cursor values
	// are opaque to callers.
	Store interface {
		// Append stores the event. The event sequence must be greater than
		// the last sequence stored for the run, otherwise ErrSequenceConflict
		// is returned.
		Append(ctx context.Context, e stream.Event) error
		// List returns the next forward page of events for the run. Cursor is
		// a value returned by a previous call, or empty to start from the
		// beginning. Limit must be greater than zero.
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)
	}

	// Recorder is a hooks.Subscriber appending every published event to a
	// Store.
	Recorder struct {
		store Store
	}
)

// DefaultPageSize is the page size used by All.
const DefaultPageSize = 200

// ErrSequenceConflict indicates an appended event does not advance the run
// sequence.
var ErrSequenceConflict = errors.New("run log sequence conflict")

// NewRecorder returns a recorder appending to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// HandleEvent implements hooks.Subscriber. Append failures are returned so
// the runtime fails the run instead of losing history.
func (r *Recorder) HandleEvent(ctx context.Context, e stream.Event) error {
	if err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("append run log event %d: %w", e.Sequence, err)
	}
	return nil
}

var _ hooks.Subscriber = (*Recorder)(nil)

// All returns every event of the run in sequence order.
func All(ctx context.Context, s Store, runID string) ([]stream.Event, error) {
	var (
		out    []stream.Event
		cursor string
	)
	for {
		page, err := s.List(ctx, runID, cursor, DefaultPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// EncodeCursor returns the cursor positioned after the event with sequence seq.
func EncodeCursor(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// DecodeCursor parses a cursor produced by EncodeCursor. The empty cursor
// decodes to 0.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return seq, nil
}
