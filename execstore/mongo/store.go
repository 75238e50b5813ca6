// Package mongo implements the execution record store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/itsbrex/julep/execstore"
	"github.com/itsbrex/julep/execution"
)

type (
	// Options configures the Mongo execution store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store is the Mongo-backed execution record store.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	executionDocument struct {
		ID          string    `bson:"_id"`
		TaskID      string    `bson:"task_id"`
		DeveloperID string    `bson:"developer_id"`
		Input       []byte    `bson:"input,omitempty"`
		Status      string    `bson:"status"`
		Output      []byte    `bson:"output,omitempty"`
		Error       string    `bson:"error,omitempty"`
		CreatedAt   time.Time `bson:"created_at"`
		UpdatedAt   time.Time `bson:"updated_at"`
	}
)

var (
	_ execstore.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

const (
	defaultCollection = "executions"
	defaultTimeout    = 5 * time.Second
	storeName         = "execstore-mongo"
)

// terminalStatuses guards the no-downgrade rule inside the update filter.
var terminalStatuses = bson.A{
	string(execution.StatusSucceeded),
	string(execution.StatusFailed),
	string(execution.StatusCancelled),
}

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "task_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements execstore.Store.
func (s *Store) Create(ctx context.Context, e *execution.Execution) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	doc := executionDocument{
		ID:          e.ID.String(),
		TaskID:      e.TaskID.String(),
		DeveloperID: e.DeveloperID.String(),
		Input:       append([]byte(nil), e.Input...),
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   now,
	}
	if doc.Status == "" {
		doc.Status = string(execution.StatusQueued)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return execution.WrapError(execution.KindConflict, err,
				"execution %s already exists", e.ID)
		}
		return execution.WrapError(execution.KindTransient, err, "create execution")
	}
	return nil
}

// Get implements execstore.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, execution.NewError(execution.KindNotFound, "execution %s not found", id)
		}
		return nil, execution.WrapError(execution.KindTransient, err, "get execution")
	}
	return docToExecution(&doc)
}

// SetStatus implements execstore.Store. The update filter excludes terminal
// records so a late writer cannot downgrade a finished execution.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status execution.Status, output []byte, errMsg string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if status.Terminal() {
		set["output"] = append([]byte(nil), output...)
		set["error"] = errMsg
	}
	filter := bson.M{
		"_id":    id.String(),
		"status": bson.M{"$nin": terminalStatuses},
	}
	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return execution.WrapError(execution.KindTransient, err, "update execution status")
	}
	if res.MatchedCount == 0 {
		// Either missing or already terminal; disambiguate for the caller.
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return execution.NewError(execution.KindIllegalTransition,
			"execution %s is already terminal", id)
	}
	return nil
}

// ListByTask implements execstore.Store.
func (s *Store) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) (_ []execution.Execution, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"task_id": taskID.String()}, opts)
	if err != nil {
		return nil, execution.WrapError(execution.KindTransient, err, "list executions")
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var out []execution.Execution
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, execution.WrapError(execution.KindTransient, err, "decode execution")
		}
		e, err := docToExecution(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := cur.Err(); err != nil {
		return nil, execution.WrapError(execution.KindTransient, err, "iterate executions")
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func docToExecution(doc *executionDocument) (*execution.Execution, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution id %q: %w", doc.ID, err)
	}
	taskID, err := uuid.Parse(doc.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task id %q: %w", doc.TaskID, err)
	}
	devID, err := uuid.Parse(doc.DeveloperID)
	if err != nil {
		return nil, fmt.Errorf("invalid developer id %q: %w", doc.DeveloperID, err)
	}
	return &execution.Execution{
		ID:          id,
		TaskID:      taskID,
		DeveloperID: devID,
		Input:       append([]byte(nil), doc.Input...),
		Status:      execution.Status(doc.Status),
		Output:      append([]byte(nil), doc.Output...),
		Error:       doc.Error,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}
