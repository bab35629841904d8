// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/stepflow/features/internal/mongocoll"
	"goa.design/stepflow/runtime/agent/interaction"
	"goa.design/stepflow/runtime/agent/session"
)

const (
	defaultRunsCollection         = "stepflow_runs"
	defaultStepsCollection        = "stepflow_steps"
	defaultInteractionsCollection = "stepflow_interactions"
	defaultOpTimeout              = 5 * time.Second
	sessionClientName             = "session-mongo"
)

type (
	// Client exposes Mongo-backed operations for runs, steps and
	// interactions.
	Client interface {
		health.Pinger

		SaveRun(ctx context.Context, run *session.Run) error
		TransitionRun(ctx context.Context, run *session.Run, from session.RunStatus) error
		GetRun(ctx context.Context, runID string) (*session.Run, error)

		SaveStep(ctx context.Context, step *session.Step) error
		GetSteps(ctx context.Context, sessionID string, sinceSequence int64) ([]*session.Step, error)
		LastSequence(ctx context.Context, sessionID string) (int64, error)

		SaveInteractionRequest(ctx context.Context, req *interaction.Request) error
		GetInteractionRequest(ctx context.Context, id string) (*interaction.Request, error)
		SaveInteractionResponse(ctx context.Context, resp *interaction.Response) error
		GetInteractionResponse(ctx context.Context, requestID string) (*interaction.Response, error)
	}

	// Options configures the Mongo session client.
	Options struct {
		Client                 *mongodriver.Client
		Database               string
		RunsCollection         string
		StepsCollection        string
		InteractionsCollection string
		Timeout                time.Duration
	}

	client struct {
		mongo        *mongodriver.Client
		runs         mongocoll.Collection
		steps        mongocoll.Collection
		interactions mongocoll.Collection
		timeout      time.Duration
	}
)

// New returns a Client backed by MongoDB. It creates the indexes the store
// relies on, including the unique (session_id, sequence) index that enforces
// step ordering across processes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	db := opts.Client.Database(opts.Database)
	runs := mongocoll.Wrap(db.Collection(orDefault(opts.RunsCollection, defaultRunsCollection)))
	steps := mongocoll.Wrap(db.Collection(orDefault(opts.StepsCollection, defaultStepsCollection)))
	interactions := mongocoll.Wrap(db.Collection(orDefault(opts.InteractionsCollection, defaultInteractionsCollection)))
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, runs, steps, interactions); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, runs, steps, interactions, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveRun(ctx context.Context, run *session.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": run.ID}
	update := bson.M{"$set": fromRun(run)}
	_, err := c.runs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) TransitionRun(ctx context.Context, run *session.Run, from session.RunStatus) error {
	if err := run.Validate(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": run.ID, "status": from}
	res, err := c.runs.UpdateOne(ctx, filter, bson.M{"$set": fromRun(run)})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"run_id": run.ID}).Decode(&doc); err != nil {
		if mongocoll.IsNotFound(err) {
			return session.ErrRunNotFound
		}
		return err
	}
	return fmt.Errorf("%w: run %s is %s", session.ErrStatusConflict, run.ID, doc.Status)
}

func (c *client) GetRun(ctx context.Context, runID string) (*session.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if mongocoll.IsNotFound(err) {
			return nil, session.ErrRunNotFound
		}
		return nil, err
	}
	return doc.toRun(), nil
}

func (c *client) SaveStep(ctx context.Context, step *session.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	last, err := c.LastSequence(ctx, step.SessionID)
	if err != nil {
		return err
	}
	if step.Sequence <= last {
		return fmt.Errorf("%w: session %s has sequence %d, got %d",
			session.ErrSequenceConflict, step.SessionID, last, step.Sequence)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.steps.InsertOne(ctx, fromStep(step)); err != nil {
		if mongocoll.IsDuplicateKey(err) {
			return fmt.Errorf("%w: session %s sequence %d already stored",
				session.ErrSequenceConflict, step.SessionID, step.Sequence)
		}
		return err
	}
	return nil
}

func (c *client) GetSteps(ctx context.Context, sessionID string, sinceSequence int64) (steps []*session.Step, err error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID, "sequence": bson.M{"$gt": sinceSequence}}
	cur, err := c.steps.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	out := []*session.Step{}
	for cur.Next(ctx) {
		var doc stepDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toStep())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})
	var doc stepDocument
	if err := c.steps.FindOne(ctx, bson.M{"session_id": sessionID}, opts).Decode(&doc); err != nil {
		if mongocoll.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return doc.Sequence, nil
}

func (c *client) SaveInteractionRequest(ctx context.Context, req *interaction.Request) error {
	if req == nil {
		return errors.New("interaction request is required")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.interactions.InsertOne(ctx, fromRequest(req)); err != nil {
		if mongocoll.IsDuplicateKey(err) {
			return fmt.Errorf("interaction %s already exists", req.ID)
		}
		return err
	}
	return nil
}

func (c *client) GetInteractionRequest(ctx context.Context, id string) (*interaction.Request, error) {
	doc, err := c.loadInteraction(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toRequest(), nil
}

// SaveInteractionResponse records the answer with a conditional update so
// two concurrent answers cannot both succeed.
func (c *client) SaveInteractionResponse(ctx context.Context, resp *interaction.Response) error {
	if resp == nil || resp.RequestID == "" {
		return errors.New("request id is required")
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"interaction_id": resp.RequestID, "response": bson.M{"$exists": false}}
	update := bson.M{"$set": bson.M{"response": fromResponse(resp)}}
	res, err := c.interactions.UpdateOne(tctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := c.loadInteraction(ctx, resp.RequestID); err != nil {
		return err
	}
	return interaction.ErrAlreadyAnswered
}

func (c *client) GetInteractionResponse(ctx context.Context, requestID string) (*interaction.Response, error) {
	doc, err := c.loadInteraction(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if doc.Response == nil {
		return nil, interaction.ErrNotFound
	}
	return doc.Response.toResponse(requestID), nil
}

func (c *client) loadInteraction(ctx context.Context, id string) (*interactionDocument, error) {
	if id == "" {
		return nil, errors.New("interaction id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc interactionDocument
	if err := c.interactions.FindOne(ctx, bson.M{"interaction_id": id}).Decode(&doc); err != nil {
		if mongocoll.IsNotFound(err) {
			return nil, interaction.ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
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

func ensureIndexes(ctx context.Context, runs, steps, interactions mongocoll.Collection) error {
	if err := mongocoll.EnsureIndexes(ctx, runs,
		mongodriver.IndexModel{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		mongodriver.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
	); err != nil {
		return err
	}
	if err := mongocoll.EnsureIndexes(ctx, steps,
		mongodriver.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		mongodriver.IndexModel{
			Keys: bson.D{{Key: "run_id", Value: 1}},
		},
	); err != nil {
		return err
	}
	return mongocoll.EnsureIndexes(ctx, interactions,
		mongodriver.IndexModel{
			Keys:    bson.D{{Key: "interaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		mongodriver.IndexModel{
			Keys: bson.D{{Key: "run_id", Value: 1}},
		},
	)
}

func newClientWithCollections(mongoClient *mongodriver.Client, runs, steps, interactions mongocoll.Collection, timeout time.Duration) (*client, error) {
	if runs == nil || steps == nil || interactions == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:        mongoClient,
		runs:         runs,
		steps:        steps,
		interactions: interactions,
		timeout:      timeout,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
