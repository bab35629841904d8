// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu        sync.RWMutex
		runs      map[string]*session.Run
		steps     map[string][]*session.Step
		requests  map[string]*interaction.Request
		responses map[string]*interaction.Response
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*session.Run),
		steps:     make(map[string][]*session.Step),
		requests:  make(map[string]*interaction.Request),
		responses: make(map[string]*interaction.Response),
	}
}

// SaveRun implements session.Store.
func (s *Store) SaveRun(_ context.Context, run *session.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// TransitionRun implements session.Store.
func (s *Store) TransitionRun(_ context.Context, run *session.Run, from session.RunStatus) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return session.ErrRunNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: run %s is %s", session.ErrStatusConflict, run.ID, cur.Status)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements session.Store.
func (s *Store) GetRun(_ context.Context, runID string) (*session.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, session.ErrRunNotFound
	}
	return run.Clone(), nil
}

// SaveStep implements session.Store.
func (s *Store) SaveStep(_ context.Context, step *session.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.steps[step.SessionID]
	if n := len(all); n > 0 && all[n-1].Sequence >= step.Sequence {
		return fmt.Errorf("%w: session %s has sequence %d, got %d",
			session.ErrSequenceConflict, step.SessionID, all[n-1].Sequence, step.Sequence)
	}
	s.steps[step.SessionID] = append(all, step.Clone())
	return nil
}

// GetSteps implements session.Store.
func (s *Store) GetSteps(_ context.Context, sessionID string, sinceSequence int64) ([]*session.Step, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.steps[sessionID]
	start := sort.Search(len(all), func(i int) bool { return all[i].Sequence > sinceSequence })
	out := make([]*session.Step, 0, len(all)-start)
	for _, st := range all[start:] {
		out = append(out, st.Clone())
	}
	return out, nil
}

// LastSequence implements session.Store.
func (s *Store) LastSequence(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.steps[sessionID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Sequence, nil
}

// SaveInteractionRequest implements session.Store.
func (s *Store) SaveInteractionRequest(_ context.Context, req *interaction.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

// GetInteractionRequest implements session.Store.
func (s *Store) GetInteractionRequest(_ context.Context, id string) (*interaction.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, interaction.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// SaveInteractionResponse implements session.Store.
func (s *Store) SaveInteractionResponse(_ context.Context, resp *interaction.Response) error {
	if resp == nil || resp.RequestID == "" {
		return errors.New("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[resp.RequestID]; !ok {
		return interaction.ErrNotFound
	}
	if _, ok := s.responses[resp.RequestID]; ok {
		return interaction.ErrAlreadyAnswered
	}
	cp := *resp
	cp.Selected = append([]string(nil), resp.Selected...)
	s.responses[resp.RequestID] = &cp
	return nil
}

// GetInteractionResponse implements session.Store.
func (s *Store) GetInteractionResponse(_ context.Context, requestID string) (*interaction.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.responses[requestID]
	if !ok {
		return nil, interaction.ErrNotFound
	}
	cp := *resp
	return &cp, nil
}
