// Package translog defines the append-only transition log, the single source
// of truth for execution state. Entries are totally ordered per execution by
// a monotonic sequence number; appends are guarded by a compare-and-set on
// the last known sequence so concurrent writers cannot fork a log.
package translog

import (
	"context"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/execution"
)

// NoSeq is the expected-last-seq value for the first append of an execution.
const NoSeq int64 = -1

// Store is the transition log contract. Implementations must make an append
// durable before acknowledging it.
type Store interface {
	// Append commits the transition with sequence expectedLastSeq+1. It fails
	// with a Conflict error when another writer advanced the log past
	// expectedLastSeq, and with an IllegalTransition error when the
	// transition's type is not a legal successor of the last committed type.
	// The transition's Seq and CreatedAt are filled in on success.
	Append(ctx context.Context, t *execution.Transition, expectedLastSeq int64) (int64, error)

	// Latest returns the last committed transition, or a NotFound error for
	// an execution with no log.
	Latest(ctx context.Context, executionID uuid.UUID) (*execution.Transition, error)

	// ReadRange returns transitions with fromSeq <= seq < toSeq in order.
	// A toSeq of -1 reads to the end of the log.
	ReadRange(ctx context.Context, executionID uuid.UUID, fromSeq, toSeq int64) ([]execution.Transition, error)
}
