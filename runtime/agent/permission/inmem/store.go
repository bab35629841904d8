// Package inmem provides an in-memory implementation of permission.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/permission/mongo).
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/stepflow/runtime/agent/permission"
)

type (
	// Store is an in-memory implementation of permission.Store.
	// It is safe for concurrent use.
	Store struct {
		mu    sync.RWMutex
		users map[string]map[key]permission.Record
	}

	key struct {
		pattern string
		exact   bool
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{users: make(map[string]map[key]permission.Record)}
}

// List implements permission.Store. Records are ordered by pattern.
func (s *Store) List(_ context.Context, userID string) ([]permission.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.users[userID]
	out := make([]permission.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern == out[j].Pattern {
			return out[i].Exact
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

// Upsert implements permission.Store.
func (s *Store) Upsert(_ context.Context, rec permission.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.users[rec.UserID]
	if !ok {
		recs = make(map[key]permission.Record)
		s.users[rec.UserID] = recs
	}
	recs[key{pattern: rec.Pattern, exact: rec.Exact}] = rec
	return nil
}

// Delete implements permission.Store.
func (s *Store) Delete(_ context.Context, userID, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.users[userID]
	delete(recs, key{pattern: pattern, exact: true})
	delete(recs, key{pattern: pattern, exact: false})
	if len(recs) == 0 {
		delete(s.users, userID)
	}
	return nil
}
