// Package mongo hosts the MongoDB client used by the permission store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/stepflow/features/internal/mongocoll"
	"goa.design/stepflow/runtime/agent/permission"
)

const (
	defaultCollection = "stepflow_permissions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "permission-mongo"
)

type (
	// Client exposes Mongo-backed operations for permission records.
	Client interface {
		health.Pinger

		List(ctx context.Context, userID string) ([]permission.Record, error)
		Upsert(ctx context.Context, rec permission.Record) error
		Delete(ctx context.Context, userID, pattern string) error
	}

	// Options configures the Mongo permission client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    mongocoll.Collection
		timeout time.Duration
	}

	recordDocument struct {
		UserID    string    `bson:"user_id"`
		Pattern   string    `bson:"pattern"`
		Exact     bool      `bson:"exact"`
		Effect    string    `bson:"effect"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongocoll.Wrap(opts.Client.Database(opts.Database).Collection(collection))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) List(ctx context.Context, userID string) (recs []permission.Record, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	sort := bson.D{{Key: "pattern", Value: 1}, {Key: "exact", Value: -1}}
	cur, err := c.coll.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	out := []permission.Record{}
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, permission.Record{
			UserID:    doc.UserID,
			Pattern:   doc.Pattern,
			Exact:     doc.Exact,
			Effect:    permission.Effect(doc.Effect),
			UpdatedAt: doc.UpdatedAt.UTC(),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) Upsert(ctx context.Context, rec permission.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": rec.UserID, "pattern": rec.Pattern, "exact": rec.Exact}
	update := bson.M{"$set": recordDocument{
		UserID:    rec.UserID,
		Pattern:   rec.Pattern,
		Exact:     rec.Exact,
		Effect:    string(rec.Effect),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Delete removes both the exact record and the glob rule stored under
// pattern.
func (c *client) Delete(ctx context.Context, userID, pattern string) error {
	if pattern == "" {
		return errors.New("pattern is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	for _, exact := range []bool{true, false} {
		filter := bson.M{"user_id": userID, "pattern": pattern, "exact": exact}
		if _, err := c.coll.DeleteOne(ctx, filter); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll mongocoll.Collection) error {
	return mongocoll.EnsureIndexes(ctx, coll, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "pattern", Value: 1},
			{Key: "exact", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll mongocoll.Collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}
