// Package execstore persists execution records: one row per attempt to run a
// task, tracking status, final output, and failure details. The transition
// log remains the source of truth; this store is the queryable projection the
// API surface reads.
package execstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/execution"
)

// Store is the execution record contract.
type Store interface {
	// Create inserts a new execution record. Fails with a Conflict error if
	// the ID already exists.
	Create(ctx context.Context, e *execution.Execution) error

	// Get returns the execution record, or a NotFound error.
	Get(ctx context.Context, id uuid.UUID) (*execution.Execution, error)

	// SetStatus updates the record's status and, for terminal statuses, its
	// output or error message. Terminal records are never downgraded: updates
	// against a terminal record return an IllegalTransition error.
	SetStatus(ctx context.Context, id uuid.UUID, status execution.Status, output []byte, errMsg string) error

	// ListByTask returns executions of a task, newest first.
	ListByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]execution.Execution, error)
}
