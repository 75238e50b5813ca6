// Package inmem provides an in-memory execution record store for tests and
// local development.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/execstore"
	"github.com/itsbrex/julep/execution"
)

// Store keeps execution records in a map. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	recs map[uuid.UUID]execution.Execution
}

var _ execstore.Store = (*Store)(nil)

// New returns an empty in-memory execution store.
func New() *Store {
	return &Store{recs: make(map[uuid.UUID]execution.Execution)}
}

// Create implements execstore.Store.
func (s *Store) Create(ctx context.Context, e *execution.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recs[e.ID]; exists {
		return execution.NewError(execution.KindConflict, "execution %s already exists", e.ID)
	}
	rec := *e
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = execution.StatusQueued
	}
	s.recs[e.ID] = rec
	return nil
}

// Get implements execstore.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, execution.NewError(execution.KindNotFound, "execution %s not found", id)
	}
	return &rec, nil
}

// SetStatus implements execstore.Store.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status execution.Status, output []byte, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return execution.NewError(execution.KindNotFound, "execution %s not found", id)
	}
	if rec.Status.Terminal() {
		return execution.NewError(execution.KindIllegalTransition,
			"execution %s is already %s", id, rec.Status)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if status.Terminal() {
		rec.Output = append([]byte(nil), output...)
		rec.Error = errMsg
	}
	s.recs[id] = rec
	return nil
}

// ListByTask implements execstore.Store.
func (s *Store) ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]execution.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []execution.Execution
	for _, rec := range s.recs {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
