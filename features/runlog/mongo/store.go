package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/stepflow/features/runlog/mongo/clients/mongo"
	"goa.design/stepflow/runtime/agent/runlog"
	"goa.design/stepflow/runtime/agent/stream"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed run log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, e stream.Event) error {
	return s.client.Append(ctx, e)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	return s.client.List(ctx, runID, cursor, limit)
}

var _ runlog.Store = (*Store)(nil)
