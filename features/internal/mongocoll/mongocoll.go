// Package mongocoll narrows the MongoDB driver collection API to the calls the
// stepflow stores make so the stores can be exercised against in-memory
// collections (see mongotest).
package mongocoll

import (
	"context"
	"errors"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Collection is the subset of *mongo.Collection used by the stores.
	Collection interface {
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult
		Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error)
		InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
		UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
		Indexes() IndexView
	}

	// IndexView creates indexes.
	IndexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
	}

	// SingleResult decodes the result of FindOne.
	SingleResult interface {
		Decode(val any) error
	}

	// Cursor iterates the result of Find.
	Cursor interface {
		Close(ctx context.Context) error
		Decode(val any) error
		Err() error
		Next(ctx context.Context) bool
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoSingleResult struct {
		res *mongodriver.SingleResult
	}

	mongoCursor struct {
		cur *mongodriver.Cursor
	}

	mongoIndexView struct {
		view mongodriver.IndexView
	}
)

// Wrap adapts a driver collection.
func Wrap(coll *mongodriver.Collection) Collection {
	return mongoCollection{coll: coll}
}

// IsNotFound reports whether err is the driver's no-document error.
func IsNotFound(err error) bool {
	return errors.Is(err, mongodriver.ErrNoDocuments)
}

// IsDuplicateKey reports whether err is a unique index violation.
func IsDuplicateKey(err error) bool {
	return mongodriver.IsDuplicateKeyError(err)
}

// EnsureIndexes creates the given indexes on coll.
func EnsureIndexes(ctx context.Context, coll Collection, models ...mongodriver.IndexModel) error {
	for _, m := range models {
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() IndexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
