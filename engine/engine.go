// Package engine defines the workflow engine abstraction the execution driver
// runs on. It provides pluggable interfaces so the driver can target Temporal
// in production and an in-memory backend in tests without modification.
//
// The driver is deterministic workflow code: it must not perform I/O, read
// wall-clock time, or generate randomness directly. All effects go through
// activities scheduled on a WorkflowContext, all time through Now and
// NewTimer, and all external input through signal Receivers. Implementations
// must guarantee replay-safe behavior for these operations.
//
// Two implementations ship with the engine:
//
//   - temporal: durable execution backed by Temporal, with per-queue workers,
//     OTEL instrumentation, and continue-as-new support.
//   - inmem: synchronous in-process execution for tests and development. No
//     durability; activity payloads are still serialized through JSON so the
//     wire contract is exercised.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/itsbrex/julep/execution"
)

// ErrWorkflowNotFound indicates that no workflow execution exists for the
// given identifier.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowCompleted indicates the target workflow execution already
// completed and can no longer receive signals.
var ErrWorkflowCompleted = errors.New("workflow already completed")

type (
	// Engine abstracts workflow registration and execution so adapters can be
	// swapped without touching the driver.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterStepActivity registers a typed step activity that computes a
		// step's outcome from its context and payload.
		RegisterStepActivity(ctx context.Context, name string, opts ActivityOptions, fn StepActivityFunc) error

		// RegisterTransitionActivity registers the activity that commits
		// transitions to the durable log.
		RegisterTransitionActivity(ctx context.Context, name string, opts ActivityOptions, fn TransitionActivityFunc) error

		// RegisterBlobActivity registers the activity that offloads and
		// resolves large payloads between continuations.
		RegisterBlobActivity(ctx context.Context, name string, opts ActivityOptions, fn BlobActivityFunc) error

		// StartWorkflow initiates a new workflow execution. The ID must be
		// unique for the engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalByID delivers a signal to a workflow without an in-process
		// handle, so signals survive process restarts.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error

		// Close releases engine resources.
		Close() error
	}

	// StepActivityFunc computes one step's outcome. It may perform arbitrary
	// I/O; the engine records its result for replay.
	StepActivityFunc func(ctx context.Context, input *execution.ActivityInput) (*execution.StepOutcome, error)

	// TransitionActivityFunc validates and commits one transition.
	TransitionActivityFunc func(ctx context.Context, input *execution.TransitionRequest) (*execution.Transition, error)

	// BlobActivityFunc offloads or resolves payloads out of band.
	BlobActivityFunc func(ctx context.Context, input *execution.BlobRequest) (*execution.BlobResponse, error)

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the driver entry point. Implementations must be
	// deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *execution.RunInput) (*execution.RunOutput, error)

	// WorkflowContext exposes engine operations to the driver inside the
	// deterministic execution environment of a workflow. It is bound to a
	// single workflow execution and must not be shared across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the workflow, carrying the
		// workflow context value for nested lookups.
		Context() context.Context

		// SetQueryHandler registers a read-only query handler external
		// clients may invoke. Engines without query support may no-op.
		SetQueryHandler(name string, handler any) error

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteStepActivity schedules a step activity and blocks until it
		// completes.
		ExecuteStepActivity(ctx context.Context, call ActivityCall) (*execution.StepOutcome, error)

		// ExecuteStepActivityAsync schedules a step activity and returns a
		// Future so the driver can run bounded-parallel branches.
		ExecuteStepActivityAsync(ctx context.Context, call ActivityCall) (Future[*execution.StepOutcome], error)

		// ExecuteTransitionActivity commits a transition via the registered
		// transition activity and blocks for the committed record.
		ExecuteTransitionActivity(ctx context.Context, call TransitionCall) (*execution.Transition, error)

		// ExecuteBlobActivity offloads or resolves payloads via the
		// registered blob activity.
		ExecuteBlobActivity(ctx context.Context, call BlobCall) (*execution.BlobResponse, error)

		// ResumeInputs returns a typed receiver for resume_with_input signals.
		ResumeInputs() Receiver[execution.ResumeInput]

		// LastErrors returns a typed receiver for set_last_error signals.
		LastErrors() Receiver[execution.LastErrorInput]

		// CancelRequests returns a typed receiver for cancel signals.
		CancelRequests() Receiver[execution.CancelInput]

		// Now returns the current workflow time deterministically.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. Durable; may exceed activity timeout windows.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true or ctx is done. The
		// condition must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error

		// StartChildWorkflow starts a composite child execution and returns a
		// handle to await or cancel it.
		StartChildWorkflow(ctx context.Context, req ChildWorkflowRequest) (ChildWorkflowHandle, error)

		// WithCancel returns a derived WorkflowContext whose cancellation can
		// be triggered independently of the parent scope. Used to cancel
		// in-flight branch children cooperatively.
		WithCancel() (WorkflowContext, func())

		// Detached returns a WorkflowContext that survives cancellation of
		// this one, so terminal bookkeeping such as the cancelled transition
		// commit still runs after the scope is cancelled.
		Detached() WorkflowContext

		// ContinueAsNew returns the sentinel the handler must return to
		// restart the workflow with a fresh history and the given input.
		ContinueAsNew(input *execution.RunInput) error
	}

	// Future represents a pending result. Get may be called multiple times
	// and returns the same value or error each time.
	Future[T any] interface {
		// Get blocks until the result is available.
		Get(ctx context.Context) (T, error)

		// IsReady reports whether Get will not block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures queue, retry, and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued means engine
		// defaults.
		RetryPolicy RetryPolicy
		// ScheduleToClose bounds the total activity time including retries.
		ScheduleToClose time.Duration
		// Heartbeat is the interval after which a silent activity is
		// considered lost and retried. Zero disables heartbeating.
		Heartbeat time.Duration
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	RetryPolicy struct {
		// MaxAttempts caps total attempts. Zero means unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
		// NonRetryable lists error kinds that fail immediately.
		NonRetryable []execution.Kind
	}

	// ActivityCall describes one step activity invocation.
	ActivityCall struct {
		Name    string
		Input   *execution.ActivityInput
		Options ActivityOptions
	}

	// TransitionCall describes one transition activity invocation.
	TransitionCall struct {
		Name    string
		Input   *execution.TransitionRequest
		Options ActivityOptions
	}

	// BlobCall describes one blob activity invocation.
	BlobCall struct {
		Name    string
		Input   *execution.BlobRequest
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the payload passed to the workflow handler.
		Input *execution.RunInput
		// RunTimeout bounds the total workflow execution time.
		RunTimeout time.Duration
		// RetryPolicy controls restarts of the start attempt, not activities.
		RetryPolicy RetryPolicy
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns its result.
		Wait(ctx context.Context) (*execution.RunOutput, error)

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// ChildWorkflowRequest describes a composite child execution to start
	// from within a workflow.
	ChildWorkflowRequest struct {
		ID          string
		Workflow    string
		TaskQueue   string
		Input       *execution.RunInput
		RunTimeout  time.Duration
		RetryPolicy RetryPolicy
	}

	// ChildWorkflowHandle allows a parent workflow to await or cancel a
	// child execution.
	ChildWorkflowHandle interface {
		// Get waits for child completion and returns its result.
		Get(ctx context.Context) (*execution.RunOutput, error)

		// IsReady reports whether the child has completed.
		IsReady() bool

		// Cancel requests cancellation of the child execution.
		Cancel(ctx context.Context) error

		// RunID returns the engine-assigned run identifier of the child.
		RunID() string
	}
)
