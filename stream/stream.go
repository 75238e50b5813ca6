// Package stream defines the event sink executions publish committed
// transitions to. Clients subscribe to an execution's stream to follow
// progress in real time without polling the transition log.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is one committed transition, projected for subscribers.
	Event struct {
		// ExecutionID identifies the execution the transition belongs to.
		ExecutionID string `json:"execution_id"`
		// Type is the transition type ("init", "step", "wait", ...).
		Type string `json:"type"`
		// Seq is the transition's position in the execution's log.
		Seq int64 `json:"seq"`
		// Output is the transition output document, if any.
		Output json.RawMessage `json:"output,omitempty"`
		// CreatedAt is the commit time of the transition.
		CreatedAt time.Time `json:"created_at"`
	}

	// Sink publishes execution events. Implementations must be safe for
	// concurrent Publish calls.
	Sink interface {
		// Publish emits one event. Failures should not abort the execution;
		// callers log and continue.
		Publish(ctx context.Context, event Event) error

		// Close releases resources owned by the sink.
		Close(ctx context.Context) error
	}

	// NopSink discards all events. Used when streaming is disabled.
	NopSink struct{}
)

// Publish implements Sink.
func (NopSink) Publish(context.Context, Event) error { return nil }

// Close implements Sink.
func (NopSink) Close(context.Context) error { return nil }
