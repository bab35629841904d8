package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/stepflow/features/permission/mongo/clients/mongo"
	"goa.design/stepflow/runtime/agent/permission"
)

// Store implements permission.Store by delegating to the Mongo client.
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

// Name returns the client name for health reporting.
func (s *Store) Name() string {
	return s.client.Name()
}

// Ping checks connectivity to the underlying database.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// List implements permission.Store.
func (s *Store) List(ctx context.Context, userID string) ([]permission.Record, error) {
	return s.client.List(ctx, userID)
}

// Upsert implements permission.Store.
func (s *Store) Upsert(ctx context.Context, rec permission.Record) error {
	return s.client.Upsert(ctx, rec)
}

// Delete implements permission.Store.
func (s *Store) Delete(ctx context.Context, userID, pattern string) error {
	return s.client.Delete(ctx, userID, pattern)
}

var _ permission.Store = (*Store)(nil)
