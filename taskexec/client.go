package taskexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execstore"
	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/tasks"
	"github.com/itsbrex/julep/telemetry"
	"github.com/itsbrex/julep/translog"
)

type (
	// ClientOptions configures the execution client facade.
	ClientOptions struct {
		// Engine starts and signals execution workflows. Required.
		Engine engine.Engine
		// Executions is the execution record store. Required.
		Executions execstore.Store
		// TransitionLog reads committed transitions. Required.
		TransitionLog translog.Store
		// WorkflowName names the registered driver workflow. Defaults to
		// DefaultWorkflowName.
		WorkflowName string
		// TaskQueue selects the workflow queue.
		TaskQueue string
		// RunTimeout bounds a whole execution. Zero means no bound.
		RunTimeout time.Duration
		// Logger receives client diagnostics. Nil discards them.
		Logger telemetry.Logger
	}

	// Client is the inbound surface services use to run and inspect task
	// executions.
	Client struct {
		engine       engine.Engine
		executions   execstore.Store
		log          translog.Store
		workflowName string
		taskQueue    string
		runTimeout   time.Duration
		logger       telemetry.Logger
	}
)

// NewClient constructs the execution client facade.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Executions == nil {
		return nil, errors.New("execution store is required")
	}
	if opts.TransitionLog == nil {
		return nil, errors.New("transition log is required")
	}
	c := &Client{
		engine:       opts.Engine,
		executions:   opts.Executions,
		log:          opts.TransitionLog,
		workflowName: opts.WorkflowName,
		taskQueue:    opts.TaskQueue,
		runTimeout:   opts.RunTimeout,
		logger:       opts.Logger,
	}
	if c.workflowName == "" {
		c.workflowName = DefaultWorkflowName
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	return c, nil
}

// WorkflowID returns the workflow identifier for an execution.
func WorkflowID(executionID uuid.UUID) string {
	return fmt.Sprintf("execution/%s", executionID)
}

// CreateExecution validates the input against the task's schema, records the
// execution, and starts its driver workflow at main step zero.
func (c *Client) CreateExecution(ctx context.Context, task *tasks.Task, developerID uuid.UUID, input json.RawMessage) (*execution.Execution, error) {
	if task == nil {
		return nil, execution.NewError(execution.KindBadInput, "task is required")
	}
	if err := task.Validate(); err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "invalid task %q", task.Name)
	}
	var decoded any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "decode execution input")
		}
	}
	if err := task.ValidateInput(decoded); err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "invalid input for task %q", task.Name)
	}

	rec := &execution.Execution{
		ID:          uuid.New(),
		TaskID:      task.ID,
		DeveloperID: developerID,
		Input:       input,
		Status:      execution.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.executions.Create(ctx, rec); err != nil {
		return nil, err
	}

	_, err := c.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         WorkflowID(rec.ID),
		Workflow:   c.workflowName,
		TaskQueue:  c.taskQueue,
		RunTimeout: c.runTimeout,
		Input: &execution.RunInput{
			Execution: &execution.Input{
				Task:        task,
				ExecutionID: rec.ID,
				DeveloperID: developerID,
				Arguments:   input,
			},
			Cursor:  execution.Target{Workflow: tasks.MainWorkflow},
			Input:   input,
			LastSeq: translog.NoSeq,
		},
		Memo: map[string]any{"task": task.Name},
	})
	if err != nil {
		// Surface the start failure on the record so the execution does not
		// read as queued forever.
		if serr := c.executions.SetStatus(ctx, rec.ID, execution.StatusFailed, nil, err.Error()); serr != nil {
			c.logger.Error(ctx, "mark execution failed", "execution_id", rec.ID, "err", serr)
		}
		return nil, fmt.Errorf("start execution workflow: %w", err)
	}
	return rec, nil
}

// GetExecution returns the execution record.
func (c *Client) GetExecution(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	return c.executions.Get(ctx, id)
}

// ListExecutions returns a task's executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]execution.Execution, error) {
	return c.executions.ListByTask(ctx, taskID, limit)
}

// ListTransitions reads the execution's committed transitions in order. A
// toSeq of -1 reads to the end of the log.
func (c *Client) ListTransitions(ctx context.Context, id uuid.UUID, fromSeq, toSeq int64) ([]execution.Transition, error) {
	return c.log.ReadRange(ctx, id, fromSeq, toSeq)
}

// ResumeExecution delivers external input to a waiting execution.
func (c *Client) ResumeExecution(ctx context.Context, id uuid.UUID, input json.RawMessage) error {
	return c.signal(ctx, id, execution.SignalResume, execution.ResumeInput{Input: input})
}

// CancelExecution requests cooperative cancellation.
func (c *Client) CancelExecution(ctx context.Context, id uuid.UUID, reason string) error {
	return c.signal(ctx, id, execution.SignalCancel, execution.CancelInput{Reason: reason})
}

// SetLastError attaches an external error message to the execution's
// subsequent transitions for observability.
func (c *Client) SetLastError(ctx context.Context, id uuid.UUID, message string) error {
	return c.signal(ctx, id, execution.SignalSetLastError, execution.LastErrorInput{Message: message})
}

func (c *Client) signal(ctx context.Context, id uuid.UUID, name string, payload any) error {
	if err := c.engine.SignalByID(ctx, WorkflowID(id), "", name, payload); err != nil {
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			return execution.WrapError(execution.KindNotFound, err, "execution %s has no running workflow", id)
		}
		if errors.Is(err, engine.ErrWorkflowCompleted) {
			return execution.WrapError(execution.KindConflict, err, "execution %s already completed", id)
		}
		return err
	}
	return nil
}
