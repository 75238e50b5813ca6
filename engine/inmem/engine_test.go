package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execution"
)

func TestWorkflowRunsToCompletion(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, input *execution.RunInput) (*execution.RunOutput, error) {
			return &execution.RunOutput{Output: input.Input}, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "wf",
		Input:    &execution.RunInput{Input: json.RawMessage(`"hello"`)},
	})
	require.NoError(t, err)

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(out.Output))
}

func TestStepActivityRoundTripsJSON(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterStepActivity(ctx, "echo", engine.ActivityOptions{}, func(_ context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
		return &execution.StepOutcome{Output: in.Payload}, nil
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, input *execution.RunInput) (*execution.RunOutput, error) {
			outcome, err := wc.ExecuteStepActivity(wc.Context(), engine.ActivityCall{
				Name: "echo",
				Input: &execution.ActivityInput{
					Context: &execution.StepContext{Execution: input.Execution, Cursor: input.Cursor},
					Payload: json.RawMessage(`{"n":42}`),
				},
			})
			if err != nil {
				return nil, err
			}
			return &execution.RunOutput{Output: outcome.Output}, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":42}`, string(out.Output))
}

func TestSignalDelivery(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, _ *execution.RunInput) (*execution.RunOutput, error) {
			resume, err := wc.ResumeInputs().Receive(wc.Context())
			if err != nil {
				return nil, err
			}
			return &execution.RunOutput{Output: resume.Input}, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	require.NoError(t, err)

	require.NoError(t, e.SignalByID(ctx, "run-1", "", execution.SignalResume,
		execution.ResumeInput{Input: json.RawMessage(`"answer"`)}))

	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"answer"`, string(out.Output))
}

func TestSignalUnknownWorkflow(t *testing.T) {
	e := New()
	err := e.SignalByID(context.Background(), "nope", "", execution.SignalResume, execution.ResumeInput{})
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestTimerFires(t *testing.T) {
	e := New()
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, _ *execution.RunInput) (*execution.RunOutput, error) {
			fut, err := wc.NewTimer(wc.Context(), 50*time.Millisecond)
			if err != nil {
				return nil, err
			}
			if _, err := fut.Get(wc.Context()); err != nil {
				return nil, err
			}
			return &execution.RunOutput{}, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestChildWorkflow(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "child",
		Handler: func(wc engine.WorkflowContext, input *execution.RunInput) (*execution.RunOutput, error) {
			return &execution.RunOutput{Output: input.Input}, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "parent",
		Handler: func(wc engine.WorkflowContext, input *execution.RunInput) (*execution.RunOutput, error) {
			h, err := wc.StartChildWorkflow(wc.Context(), engine.ChildWorkflowRequest{
				ID:       "child-1",
				Workflow: "child",
				Input:    &execution.RunInput{Input: json.RawMessage(`"from child"`)},
			})
			if err != nil {
				return nil, err
			}
			return h.Get(wc.Context())
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "parent", Input: &execution.RunInput{}})
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"from child"`, string(out.Output))
}

func TestContinueAsNew(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, input *execution.RunInput) (*execution.RunOutput, error) {
			if input.Cursor.Step < 3 {
				next := *input
				next.Cursor.Step++
				return nil, wc.ContinueAsNew(&next)
			}
			return &execution.RunOutput{Output: json.RawMessage(`3`)}, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "wf",
		Input:    &execution.RunInput{Cursor: execution.Target{Workflow: "main"}},
	})
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(out.Output))
}

func TestCancelPropagates(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, _ *execution.RunInput) (*execution.RunOutput, error) {
			<-wc.Context().Done()
			return nil, wc.Context().Err()
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	require.NoError(t, err)
	require.NoError(t, h.Cancel(ctx))

	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithCancelScope(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, _ *execution.RunInput) (*execution.RunOutput, error) {
			scoped, cancel := wc.WithCancel()
			cancel()
			select {
			case <-scoped.Context().Done():
			case <-time.After(time.Second):
				return nil, context.DeadlineExceeded
			}
			// Parent scope is unaffected.
			if wc.Context().Err() != nil {
				return nil, wc.Context().Err()
			}
			return &execution.RunOutput{}, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	assert.NoError(t, err)
}

func TestDuplicateWorkflowID(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wc engine.WorkflowContext, _ *execution.RunInput) (*execution.RunOutput, error) {
			resume := wc.ResumeInputs()
			_, err := resume.Receive(wc.Context())
			return &execution.RunOutput{}, err
		},
	}))

	_, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	require.NoError(t, err)
	_, err = e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "wf", Input: &execution.RunInput{}})
	assert.Error(t, err)
}
