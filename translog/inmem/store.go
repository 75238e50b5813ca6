// Package inmem provides an in-memory transition log for tests and local
// development. It honors the same compare-and-set and successor rules as the
// durable implementations.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/translog"
)

// Store keeps each execution's log as an ordered slice. Safe for concurrent
// use.
type Store struct {
	mu   sync.Mutex
	logs map[uuid.UUID][]execution.Transition
}

var _ translog.Store = (*Store)(nil)

// New returns an empty in-memory transition log.
func New() *Store {
	return &Store{logs: make(map[uuid.UUID][]execution.Transition)}
}

// Append implements translog.Store.
func (s *Store) Append(ctx context.Context, t *execution.Transition, expectedLastSeq int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !t.Type.Valid() {
		return 0, execution.NewError(execution.KindBadInput, "unknown transition type %q", t.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[t.ExecutionID]
	var lastSeq int64 = translog.NoSeq
	var lastType execution.TransitionType
	if n := len(log); n > 0 {
		lastSeq = log[n-1].Seq
		lastType = log[n-1].Type
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
	s.logs[t.ExecutionID] = append(log, *t)
	return t.Seq, nil
}

// Latest implements translog.Store.
func (s *Store) Latest(ctx context.Context, executionID uuid.UUID) (*execution.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[executionID]
	if len(log) == 0 {
		return nil, execution.NewError(execution.KindNotFound, "execution %s has no transitions", executionID)
	}
	last := log[len(log)-1]
	return &last, nil
}

// ReadRange implements translog.Store.
func (s *Store) ReadRange(ctx context.Context, executionID uuid.UUID, fromSeq, toSeq int64) ([]execution.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []execution.Transition
	for _, t := range s.logs[executionID] {
		if t.Seq < fromSeq {
			continue
		}
		if toSeq >= 0 && t.Seq >= toSeq {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
