// Package inmem provides an in-memory implementation of runlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/stepflow/runtime/agent/runlog"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// Store implements runlog.Store in memory.
	Store struct {
		mu sync.RWMutex
		// per-run events ordered by sequence.
		events map[string][]stream.Event
	}
)

// New returns a new in-memory run log store.
func New() *Store {
	return &Store{events: make(map[string][]stream.Event)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e stream.Event) error {
	if e.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if e.Sequence <= 0 {
		return fmt.Errorf("sequence must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[e.RunID]
	if n := len(all); n > 0 && all[n-1].Sequence >= e.Sequence {
		return fmt.Errorf("%w: run %s has sequence %d, got %d", runlog.ErrSequenceConflict, e.RunID, all[n-1].Sequence, e.Sequence)
	}
	e.Data = append([]byte(nil), e.Data...)
	s.events[e.RunID] = append(all, e)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, fmt.Errorf("run_id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, fmt.Errorf("limit must be > 0")
	}
	after, err := runlog.DecodeCursor(cursor)
	if err != nil {
		return runlog.Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[runID]
	start := sort.Search(len(all), func(i int) bool { return all[i].Sequence > after })
	end := min(start+limit, len(all))
	if start >= end {
		return runlog.Page{}, nil
	}

	events := append([]stream.Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = runlog.EncodeCursor(events[len(events)-1].Sequence)
	}
	return runlog.Page{Events: events, NextCursor: next}, nil
}
