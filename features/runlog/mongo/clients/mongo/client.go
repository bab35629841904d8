// Package mongo implements the low-level MongoDB client used by the run log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/stepflow/features/internal/mongocoll"
	"goa.design/stepflow/runtime/agent/runlog"
	"goa.design/stepflow/runtime/agent/stream"
)

type (
	// Client exposes Mongo-backed operations for the run event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e stream.Event) error
		List(ctx context.Context, runID string, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures the Mongo client implementation.
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

	eventDocument struct {
		ID          primitive.ObjectID `bson:"_id,omitempty"`
		RunID       string             `bson:"run_id"`
		SessionID   string             `bson:"session_id"`
		StepID      string             `bson:"step_id,omitempty"`
		Sequence    int64              `bson:"sequence"`
		ParentRunID string             `bson:"parent_run_id,omitempty"`
		Depth       int                `bson:"depth,omitempty"`
		Type        string             `bson:"type"`
		Data        []byte             `bson:"data,omitempty"`
		Timestamp   time.Time          `bson:"timestamp"`
	}
)

const (
	defaultCollection = "stepflow_run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
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
		timeout = defaultTimeout
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
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append stores e. The unique (run_id, sequence) index rejects concurrent
// writers that raced past the last-sequence check.
func (c *client) Append(ctx context.Context, e stream.Event) error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.Sequence <= 0 {
		return errors.New("sequence must be > 0")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	last, err := c.lastSequence(ctx, e.RunID)
	if err != nil {
		return err
	}
	if e.Sequence <= last {
		return fmt.Errorf("%w: run %s has sequence %d, got %d", runlog.ErrSequenceConflict, e.RunID, last, e.Sequence)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := eventDocument{
		RunID:       e.RunID,
		SessionID:   e.SessionID,
		StepID:      e.StepID,
		Sequence:    e.Sequence,
		ParentRunID: e.ParentRunID,
		Depth:       e.Depth,
		Type:        string(e.Type),
		Data:        append([]byte(nil), e.Data...),
		Timestamp:   e.Timestamp.UTC(),
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongocoll.IsDuplicateKey(err) {
			return fmt.Errorf("%w: run %s sequence %d already stored", runlog.ErrSequenceConflict, e.RunID, e.Sequence)
		}
		return err
	}
	return nil
}

func (c *client) List(ctx context.Context, runID string, cursor string, limit int) (page runlog.Page, err error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	after, err := runlog.DecodeCursor(cursor)
	if err != nil {
		return runlog.Page{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID, "sequence": bson.M{"$gt": after}}
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "sequence", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var events []stream.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, err
		}
		events = append(events, stream.Event{
			Type:        stream.EventType(doc.Type),
			RunID:       doc.RunID,
			SessionID:   doc.SessionID,
			StepID:      doc.StepID,
			Sequence:    doc.Sequence,
			ParentRunID: doc.ParentRunID,
			Depth:       doc.Depth,
			Timestamp:   doc.Timestamp.UTC(),
			Data:        append([]byte(nil), doc.Data...),
		})
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}

	var next string
	if len(events) > limit {
		events = events[:limit]
		next = runlog.EncodeCursor(events[limit-1].Sequence)
	}
	return runlog.Page{
		Events:     events,
		NextCursor: next,
	}, nil
}

func (c *client) lastSequence(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})
	var doc eventDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}, opts).Decode(&doc); err != nil {
		if mongocoll.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Sequence, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll mongocoll.Collection) error {
	return mongocoll.EnsureIndexes(ctx, coll, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "run_id", Value: 1},
			{Key: "sequence", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll mongocoll.Collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}
