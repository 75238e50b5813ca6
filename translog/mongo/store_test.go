package mongo

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/translog"
)

// fakeCollection implements collection over a slice of documents, enforcing
// the unique (execution_id, seq) index the way the server would. staleReads
// makes the next N FindOne calls ignore the newest document, simulating a
// read that races a concurrent writer.
type fakeCollection struct {
	docs       []transitionDocument
	staleReads int
}

func (f *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	doc := document.(transitionDocument)
	for _, existing := range f.docs {
		if existing.ExecutionID == doc.ExecutionID && existing.Seq == doc.Seq {
			return nil, mongodriver.WriteException{
				WriteErrors: []mongodriver.WriteError{{Code: 11000, Message: "duplicate key"}},
			}
		}
	}
	f.docs = append(f.docs, doc)
	return &mongodriver.InsertOneResult{InsertedID: bson.NewObjectID()}, nil
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	execID := filter.(bson.M)["execution_id"].(string)
	docs := f.docs
	if f.staleReads > 0 && len(docs) > 0 {
		f.staleReads--
		docs = docs[:len(docs)-1]
	}
	var match *transitionDocument
	for i := range docs {
		if docs[i].ExecutionID != execID {
			continue
		}
		if match == nil || docs[i].Seq > match.Seq {
			match = &docs[i]
		}
	}
	return &fakeSingleResult{doc: match}
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	m := filter.(bson.M)
	execID := m["execution_id"].(string)
	seqFilter := m["seq"].(bson.M)
	from := seqFilter["$gte"].(int64)
	to := int64(-1)
	if lt, ok := seqFilter["$lt"]; ok {
		to = lt.(int64)
	}
	var matched []transitionDocument
	for _, doc := range f.docs {
		if doc.ExecutionID != execID || doc.Seq < from {
			continue
		}
		if to >= 0 && doc.Seq >= to {
			continue
		}
		matched = append(matched, doc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })
	return &fakeCursor{docs: matched, pos: -1}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "execution_id_1_seq_1", nil
}

type fakeSingleResult struct {
	doc *transitionDocument
}

func (r *fakeSingleResult) Decode(val any) error {
	if r.doc == nil {
		return mongodriver.ErrNoDocuments
	}
	*val.(*transitionDocument) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []transitionDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	*val.(*transitionDocument) = c.docs[c.pos]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func newTestStore() *Store {
	return newStoreWithCollection(nil, &fakeCollection{}, time.Second)
}

func transitionOf(execID uuid.UUID, typ execution.TransitionType) *execution.Transition {
	return &execution.Transition{
		ExecutionID: execID,
		Type:        typ,
		Current:     execution.Target{Workflow: "main", Step: 0},
	}
}

func TestAppendAndLatest(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	execID := uuid.New()

	seq, err := s.Append(ctx, transitionOf(execID, execution.TransitionInit), translog.NoSeq)
	require.NoError(t, err)
	assert.EqualValues(t, 0, seq)

	step := transitionOf(execID, execution.TransitionStep)
	step.Output = []byte(`"hello"`)
	seq, err = s.Append(ctx, step, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	latest, err := s.Latest(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, execution.TransitionStep, latest.Type)
	assert.EqualValues(t, 1, latest.Seq)
	assert.JSONEq(t, `"hello"`, string(latest.Output))
}

func TestAppendStaleSeqConflict(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	execID := uuid.New()

	_, err := s.Append(ctx, transitionOf(execID, execution.TransitionInit), translog.NoSeq)
	require.NoError(t, err)
	_, err = s.Append(ctx, transitionOf(execID, execution.TransitionStep), 0)
	require.NoError(t, err)

	_, err = s.Append(ctx, transitionOf(execID, execution.TransitionStep), 0)
	assert.Equal(t, execution.KindConflict, execution.KindOf(err))
}

func TestAppendDuplicateKeyConflict(t *testing.T) {
	coll := &fakeCollection{}
	s := newStoreWithCollection(nil, coll, time.Second)
	ctx := context.Background()
	execID := uuid.New()

	_, err := s.Append(ctx, transitionOf(execID, execution.TransitionInit), translog.NoSeq)
	require.NoError(t, err)

	// A racing writer lands seq 1 between our latest read and our insert:
	// the stale read makes the CAS pass, the unique index catches the race.
	coll.staleReads = 1
	coll.docs = append(coll.docs, transitionDocument{
		ExecutionID: execID.String(), Seq: 1, Type: string(execution.TransitionStep),
		CreatedAt: time.Now().UTC(),
	})

	_, err = s.Append(ctx, transitionOf(execID, execution.TransitionStep), 0)
	assert.Equal(t, execution.KindConflict, execution.KindOf(err))
}

func TestLatestMissing(t *testing.T) {
	s := newTestStore()
	_, err := s.Latest(context.Background(), uuid.New())
	assert.Equal(t, execution.KindNotFound, execution.KindOf(err))
}

func TestReadRange(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	execID := uuid.New()

	_, err := s.Append(ctx, transitionOf(execID, execution.TransitionInit), translog.NoSeq)
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		_, err = s.Append(ctx, transitionOf(execID, execution.TransitionStep), i)
		require.NoError(t, err)
	}

	all, err := s.ReadRange(ctx, execID, 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, execution.TransitionInit, all[0].Type)

	window, err := s.ReadRange(ctx, execID, 1, 3)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.EqualValues(t, 1, window[0].Seq)
	assert.EqualValues(t, 2, window[1].Seq)
}

func TestRejectsIllegalSuccessor(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	execID := uuid.New()

	_, err := s.Append(ctx, transitionOf(execID, execution.TransitionInit), translog.NoSeq)
	require.NoError(t, err)
	_, err = s.Append(ctx, transitionOf(execID, execution.TransitionFinish), 0)
	assert.Equal(t, execution.KindIllegalTransition, execution.KindOf(err))
}
