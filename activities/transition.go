package activities

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/stream"
)

// CreateTransition resolves a partial transition against the request's step
// context, commits it to the log with a compare-and-set on the last sequence
// the driver observed, projects the new status onto the execution record, and
// publishes the commit to subscribers. The log append is the authoritative
// effect; projection and publish failures are logged, not surfaced.
func (a *Activities) CreateTransition(ctx context.Context, req *execution.TransitionRequest) (*execution.Transition, error) {
	if req == nil || req.Context == nil || req.Context.Execution == nil {
		return nil, execution.NewError(execution.KindBadInput, "transition request is missing its step context")
	}

	ctx, span := a.tracer.Start(ctx, "transition.commit")
	defer span.End()
	start := time.Now()

	t, err := execution.Resolve(req.Context, req.Partial, req.LastType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve transition failed")
		a.metrics.IncCounter("transition.commit.error", 1, "kind", string(execution.KindOf(err)))
		return nil, err
	}
	if _, err := a.log.Append(ctx, t, req.LastSeq); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append transition failed")
		a.metrics.IncCounter("transition.commit.error", 1, "kind", string(execution.KindOf(err)))
		return nil, err
	}
	span.AddEvent("transition.committed", "type", string(t.Type), "seq", t.Seq)
	a.metrics.IncCounter("transition.commit.success", 1, "type", string(t.Type))
	a.metrics.RecordTimer("transition.commit.duration", time.Since(start), "type", string(t.Type))

	a.projectStatus(ctx, t)

	event := stream.Event{
		ExecutionID: t.ExecutionID.String(),
		Type:        string(t.Type),
		Seq:         t.Seq,
		Output:      t.Output,
		CreatedAt:   t.CreatedAt,
	}
	if err := a.stream.Publish(ctx, event); err != nil {
		a.logger.Warn(ctx, "publish transition event",
			"execution_id", t.ExecutionID, "seq", t.Seq, "err", err)
	}

	return t, nil
}

// projectStatus updates the execution record for top-level transitions,
// which includes workflows entered through yield steps. Composite-branch
// transitions never touch the record: a failing branch bubbles its error to
// the parent, which commits the error in its own scope, so terminal failures
// always reach the top-level log and project from there.
func (a *Activities) projectStatus(ctx context.Context, t *execution.Transition) {
	if len(t.Current.Scope) > 0 {
		return
	}

	status := execution.StatusAfter(t.Type)
	var output []byte
	var errMsg string
	switch t.Type {
	case execution.TransitionFinish, execution.TransitionFinishBranch:
		output = t.Output
	case execution.TransitionError, execution.TransitionCancelled:
		errMsg = errorMessage(t.Output)
	}

	if err := a.executions.SetStatus(ctx, t.ExecutionID, status, output, errMsg); err != nil {
		a.logger.Error(ctx, "project execution status",
			"execution_id", t.ExecutionID, "status", status, "err", err)
	}
}

// errorMessage renders a terminal transition output as the record's error
// string. String outputs are unquoted; anything else is kept as raw JSON.
func errorMessage(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}
