package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/stepflow/features/session/mongo/clients/mongo"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// SaveRun implements session.Store.
func (s *Store) SaveRun(ctx context.Context, run *session.Run) error {
	return s.client.SaveRun(ctx, run)
}

// TransitionRun implements session.Store.
func (s *Store) TransitionRun(ctx context.Context, run *session.Run, from session.RunStatus) error {
	return s.client.TransitionRun(ctx, run, from)
}

// GetRun implements session.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*session.Run, error) {
	return s.client.GetRun(ctx, runID)
}

// SaveStep implements session.Store.
func (s *Store) SaveStep(ctx context.Context, step *session.Step) error {
	return s.client.SaveStep(ctx, step)
}

// GetSteps implements session.Store.
func (s *Store) GetSteps(ctx context.Context, sessionID string, sinceSequence int64) ([]*session.Step, error) {
	return s.client.GetSteps(ctx, sessionID, sinceSequence)
}

// LastSequence implements session.Store.
func (s *Store) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	return s.client.LastSequence(ctx, sessionID)
}

// SaveInteractionRequest implements session.Store.
func (s *Store) SaveInteractionRequest(ctx context.Context, req *interaction.Request) error {
	return s.client.SaveInteractionRequest(ctx, req)
}

// GetInteractionRequest implements session.Store.
func (s *Store) GetInteractionRequest(ctx context.Context, id string) (*interaction.Request, error) {
	return s.client.GetInteractionRequest(ctx, id)
}

// SaveInteractionResponse implements session.Store.
func (s *Store) SaveInteractionResponse(ctx context.Context, resp *interaction.Response) error {
	return s.client.SaveInteractionResponse(ctx, resp)
}

// GetInteractionResponse implements session.Store.
func (s *Store) GetInteractionResponse(ctx context.Context, requestID string) (*interaction.Response, error) {
	return s.client.GetInteractionResponse(ctx, requestID)
}

var _ session.Store = (*Store)(nil)
