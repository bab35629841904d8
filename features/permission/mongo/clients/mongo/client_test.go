package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stepflow/features/internal/mongocoll/mongotest"
	"goa.design/stepflow/runtime/agent/permission"
)

func newTestClient(t *testing.T) (*client, *mongotest.Collection) {
	t.Helper()
	coll := mongotest.NewCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c, coll
}

func record(user, pattern string, exact bool, eff permission.Effect) permission.Record {
	return permission.Record{
		UserID:    user,
		Pattern:   pattern,
		Exact:     exact,
		Effect:    eff,
		UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestEnsureIndexes(t *testing.T) {
	t.Parallel()

	_, coll := newTestClient(t)
	assert.Equal(t, 1, coll.IndexCount())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
	_, err = newClientWithCollection(nil, nil, 0)
	require.EqualError(t, err, "collection is required")
}

func TestUpsertReplacesEffect(t *testing.T) {
	t.Parallel()

	c, coll := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, record("alice", "write_file(*)", false, permission.EffectAllow)))
	require.NoError(t, c.Upsert(ctx, record("alice", "write_file(*)", false, permission.EffectDeny)))
	require.Equal(t, 1, coll.Len())

	recs, err := c.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, record("alice", "write_file(*)", false, permission.EffectDeny), recs[0])
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, record("alice", "write_file(*)", false, permission.EffectAllow)))
	require.NoError(t, c.Upsert(ctx, record("alice", "read_file(*)", false, permission.EffectAllow)))
	require.NoError(t, c.Upsert(ctx, record("alice", "write_file(*)", true, permission.EffectDeny)))
	require.NoError(t, c.Upsert(ctx, record("bob", "delete_file(*)", false, permission.EffectAllow)))

	recs, err := c.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "read_file(*)", recs[0].Pattern)
	assert.True(t, recs[1].Exact)
	assert.False(t, recs[2].Exact)

	recs, err = c.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUpsertValidation(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	cases := []struct {
		name string
		rec  permission.Record
	}{
		{"pattern", record("alice", "", false, permission.EffectAllow)},
		{"effect", record("alice", "x", false, "maybe")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, c.Upsert(context.Background(), tc.rec), permission.ErrInvalidRecord)
		})
	}
}

func TestUpsertDefaultsTimestamp(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	ctx := context.Background()
	rec := record("alice", "x", true, permission.EffectAllow)
	rec.UpdatedAt = time.Time{}
	require.NoError(t, c.Upsert(ctx, rec))
	recs, err := c.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].UpdatedAt.IsZero())
}

func TestDeleteRemovesExactAndGlob(t *testing.T) {
	t.Parallel()

	c, coll := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Upsert(ctx, record("alice", "x", true, permission.EffectAllow)))
	require.NoError(t, c.Upsert(ctx, record("alice", "x", false, permission.EffectDeny)))
	require.NoError(t, c.Upsert(ctx, record("bob", "x", false, permission.EffectDeny)))
	require.Equal(t, 3, coll.Len())

	require.NoError(t, c.Delete(ctx, "alice", "x"))
	require.Equal(t, 1, coll.Len())
	require.NoError(t, c.Delete(ctx, "alice", "x"))
	require.EqualError(t, c.Delete(ctx, "alice", ""), "pattern is required")
}

func TestStorageErrorsPropagate(t *testing.T) {
	t.Parallel()

	c, coll := newTestClient(t)
	ctx := context.Background()
	boom := errors.New("boom")
	coll.Fail(boom)

	_, err := c.List(ctx, "alice")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, c.Upsert(ctx, record("alice", "x", true, permission.EffectAllow)), boom)
	require.ErrorIs(t, c.Delete(ctx, "alice", "x"), boom)
}
