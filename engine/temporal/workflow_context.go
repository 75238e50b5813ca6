package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execution"
)

type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	wfType     string
}

// NewWorkflowContext adapts a Temporal workflow.Context into the engine's
// WorkflowContext. Useful when driving the execution loop from workflows that
// were not started via this engine but run in the same worker.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newWorkflowContext(e, ctx)
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		wfType:     info.WorkflowType.Name,
	}
}

func (w *workflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}

func (w *workflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }

func (w *workflowContext) RunID() string { return w.runID }

func (w *workflowContext) ExecuteStepActivity(ctx context.Context, call engine.ActivityCall) (*execution.StepOutcome, error) {
	fut, err := w.ExecuteStepActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *workflowContext) ExecuteStepActivityAsync(_ context.Context, call engine.ActivityCall) (engine.Future[*execution.StepOutcome], error) {
	if call.Name == "" {
		return nil, errors.New("step activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("step activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &future[*execution.StepOutcome]{future: fut, ctx: actx}, nil
}

func (w *workflowContext) ExecuteTransitionActivity(_ context.Context, call engine.TransitionCall) (*execution.Transition, error) {
	if call.Name == "" {
		return nil, errors.New("transition activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("transition activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	var out *execution.Transition
	if err := workflow.ExecuteActivity(actx, call.Name, call.Input).Get(actx, &out); err != nil {
		return nil, normalizeError(err)
	}
	return out, nil
}

func (w *workflowContext) ExecuteBlobActivity(_ context.Context, call engine.BlobCall) (*execution.BlobResponse, error) {
	if call.Name == "" {
		return nil, errors.New("blob activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("blob activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	var out *execution.BlobResponse
	if err := workflow.ExecuteActivity(actx, call.Name, call.Input).Get(actx, &out); err != nil {
		return nil, normalizeError(err)
	}
	return out, nil
}

func (w *workflowContext) ResumeInputs() engine.Receiver[execution.ResumeInput] {
	return &receiver[execution.ResumeInput]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, execution.SignalResume),
	}
}

func (w *workflowContext) LastErrors() engine.Receiver[execution.LastErrorInput] {
	return &receiver[execution.LastErrorInput]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, execution.SignalSetLastError),
	}
}

func (w *workflowContext) CancelRequests() engine.Receiver[execution.CancelInput] {
	return &receiver[execution.CancelInput]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, execution.SignalCancel),
	}
}

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) NewTimer(_ context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if d <= 0 {
		return &readyTime{t: workflow.Now(w.ctx)}, nil
	}
	fut := workflow.NewTimer(w.ctx, d)
	return &timerFuture{future: fut, ctx: w.ctx}, nil
}

func (w *workflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

func (w *workflowContext) StartChildWorkflow(_ context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	opts := workflow.ChildWorkflowOptions{
		WorkflowID:         req.ID,
		TaskQueue:          req.TaskQueue,
		WorkflowRunTimeout: req.RunTimeout,
		RetryPolicy:        convertRetryPolicy(req.RetryPolicy),
	}
	cctx := workflow.WithChildOptions(w.ctx, opts)
	cctx, cancel := workflow.WithCancel(cctx)
	fut := workflow.ExecuteChildWorkflow(cctx, req.Workflow, req.Input)
	return &childHandle{future: fut, ctx: cctx, cancel: cancel}, nil
}

func (w *workflowContext) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := workflow.WithCancel(w.ctx)
	derived := *w
	derived.ctx = cctx
	return &derived, func() { cancel() }
}

func (w *workflowContext) Detached() engine.WorkflowContext {
	dctx, _ := workflow.NewDisconnectedContext(w.ctx)
	derived := *w
	derived.ctx = dctx
	return &derived
}

func (w *workflowContext) ContinueAsNew(input *execution.RunInput) error {
	return workflow.NewContinueAsNewError(w.ctx, w.wfType, input)
}

func (w *workflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.ScheduleToClose
	if timeout == 0 {
		timeout = defaults.ScheduleToClose
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	heartbeat := override.Heartbeat
	if heartbeat == 0 {
		heartbeat = defaults.Heartbeat
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		ScheduleToCloseTimeout: timeout,
		StartToCloseTimeout:    timeout,
		HeartbeatTimeout:       heartbeat,
		TaskQueue:              queue,
		RetryPolicy:            convertRetryPolicy(retry),
	}
}

type childHandle struct {
	future workflow.ChildWorkflowFuture
	ctx    workflow.Context
	cancel workflow.CancelFunc
}

func (h *childHandle) Get(_ context.Context) (*execution.RunOutput, error) {
	var out execution.RunOutput
	if err := h.future.Get(h.ctx, &out); err != nil {
		return nil, normalizeError(err)
	}
	return &out, nil
}

func (h *childHandle) IsReady() bool {
	return h.future.IsReady()
}

func (h *childHandle) Cancel(_ context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *childHandle) RunID() string {
	var exec workflow.Execution
	if err := h.future.GetChildWorkflowExecution().Get(h.ctx, &exec); err != nil {
		return ""
	}
	return exec.RunID
}

type future[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *future[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, normalizeError(err)
	}
	return out, nil
}

func (f *future[T]) IsReady() bool {
	return f.future.IsReady()
}

type timerFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		var canceled *temporal.CanceledError
		if errors.As(err, &canceled) {
			return time.Time{}, execution.WrapError(execution.KindCancelled, err, "timer cancelled")
		}
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type readyTime struct {
	t time.Time
}

func (f *readyTime) Get(context.Context) (time.Time, error) { return f.t, nil }
func (f *readyTime) IsReady() bool                          { return true }

type receiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *receiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *receiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return out, false
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	if len(override.NonRetryable) > 0 {
		result.NonRetryable = override.NonRetryable
	}
	return result
}
