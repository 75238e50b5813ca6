// Package mongo implements the durable transition log on MongoDB. A unique
// index on (execution_id, seq) makes the compare-and-set race-free: two
// writers that both observed the same tail insert the same seq, and exactly
// one wins the index.
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

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/translog"
)

type (
	// Options configures the Mongo transition log.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store is the Mongo-backed transition log. It also implements
	// health.Pinger for liveness checks.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	transitionDocument struct {
		ExecutionID string            `bson:"execution_id"`
		Seq         int64             `bson:"seq"`
		Type        string            `bson:"type"`
		Current     execution.Target  `bson:"current"`
		Next        *execution.Target `bson:"next,omitempty"`
		Output      []byte            `bson:"output,omitempty"`
		Metadata    map[string]any    `bson:"metadata,omitempty"`
		CreatedAt   time.Time         `bson:"created_at"`
	}
)

var (
	_ translog.Store = (*Store)(nil)
	_ health.Pinger  = (*Store)(nil)
)

const (
	defaultCollection = "execution_transitions"
	defaultTimeout    = 5 * time.Second
	storeName         = "translog-mongo"
)

// New returns a Store backed by the provided MongoDB client. It creates the
// uniqueness index on first use.
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

	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, wrapper, timeout), nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append implements translog.Store.
func (s *Store) Append(ctx context.Context, t *execution.Transition, expectedLastSeq int64) (int64, error) {
	if !t.Type.Valid() {
		return 0, execution.NewError(execution.KindBadInput, "unknown transition type %q", t.Type)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var lastType execution.TransitionType
	lastSeq := translog.NoSeq
	latest, err := s.Latest(ctx, t.ExecutionID)
	switch {
	case err == nil:
		lastSeq = latest.Seq
		lastType = latest.Type
	case errors.Is(err, execution.ErrNotFound):
	default:
		return 0, err
	}
	if lastSeq != expectedLastSeq {
		return 0, execution.NewError(execution.KindConflict,
			"log at seq %d, writer expected %d", lastSeq, expectedLastSeq)
	}
	if err := execution.CheckTransition(lastType, t.Type); err != nil {
		return 0, err
	}

	t.Seq = lastSeq + 1
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	doc := transitionDocument{
		ExecutionID: t.ExecutionID.String(),
		Seq:         t.Seq,
		Type:        string(t.Type),
		Current:     t.Current,
		Next:        t.Next,
		Output:      append([]byte(nil), t.Output...),
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return 0, execution.WrapError(execution.KindConflict, err,
				"seq %d already committed", t.Seq)
		}
		return 0, execution.WrapError(execution.KindTransient, err, "append transition")
	}
	return t.Seq, nil
}

// Latest implements translog.Store.
func (s *Store) Latest(ctx context.Context, executionID uuid.UUID) (*execution.Transition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := s.coll.FindOne(ctx, bson.M{"execution_id": executionID.String()},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}),
	)
	var doc transitionDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, execution.NewError(execution.KindNotFound,
				"execution %s has no transitions", executionID)
		}
		return nil, execution.WrapError(execution.KindTransient, err, "read latest transition")
	}
	return docToTransition(&doc)
}

// ReadRange implements translog.Store.
func (s *Store) ReadRange(ctx context.Context, executionID uuid.UUID, fromSeq, toSeq int64) (_ []execution.Transition, err error) {
	filter := bson.M{
		"execution_id": executionID.String(),
		"seq":          bson.M{"$gte": fromSeq},
	}
	if toSeq >= 0 {
		filter["seq"] = bson.M{"$gte": fromSeq, "$lt": toSeq}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, execution.WrapError(execution.KindTransient, err, "read transition range")
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var out []execution.Transition
	for cur.Next(ctx) {
		var doc transitionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, execution.WrapError(execution.KindTransient, err, "decode transition")
		}
		t, err := docToTransition(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := cur.Err(); err != nil {
		return nil, execution.WrapError(execution.KindTransient, err, "iterate transitions")
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func docToTransition(doc *transitionDocument) (*execution.Transition, error) {
	id, err := uuid.Parse(doc.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution id %q: %w", doc.ExecutionID, err)
	}
	return &execution.Transition{
		ExecutionID: id,
		Seq:         doc.Seq,
		Type:        execution.TransitionType(doc.Type),
		Current:     doc.Current,
		Next:        doc.Next,
		Output:      append([]byte(nil), doc.Output...),
		Metadata:    doc.Metadata,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{mongo: mongoClient, coll: coll, timeout: timeout}
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return indexViewAdapter{view: c.coll.Indexes()}
}

type indexViewAdapter struct {
	view mongodriver.IndexView
}

func (v indexViewAdapter) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
