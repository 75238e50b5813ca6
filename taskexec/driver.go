package taskexec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itsbrex/julep/activities"
	"github.com/itsbrex/julep/blob"
	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/telemetry"
	"github.com/itsbrex/julep/translog"
)

const (
	// DefaultWorkflowName is the registered name of the execution workflow.
	DefaultWorkflowName = "task-execution"

	// DefaultWaitTimeout is the ceiling on external-input suspensions.
	DefaultWaitTimeout = 31 * 24 * time.Hour

	// DefaultScheduleToClose bounds a single activity including retries.
	DefaultScheduleToClose = 5 * time.Minute
)

// DefaultRetryPolicy is the activity retry policy: exponential backoff with
// capped attempts, failing fast on error kinds retrying cannot fix.
var DefaultRetryPolicy = engine.RetryPolicy{
	MaxAttempts:        5,
	InitialInterval:    time.Second,
	BackoffCoefficient: 2,
	NonRetryable: []execution.Kind{
		execution.KindBadInput,
		execution.KindNotFound,
		execution.KindCancelled,
		execution.KindNotImplemented,
		execution.KindIllegalTransition,
	},
}

type (
	// DriverOptions configures the execution driver workflow.
	DriverOptions struct {
		// WorkflowName overrides the registered workflow name.
		WorkflowName string
		// TaskQueue is the queue workflows and activities are scheduled on.
		TaskQueue string
		// ScheduleToClose bounds each activity call including retries. Zero
		// uses DefaultScheduleToClose. Deployments set a short window (about
		// 30 seconds) in debug and testing modes.
		ScheduleToClose time.Duration
		// Heartbeat is the activity heartbeat interval. Zero disables it.
		Heartbeat time.Duration
		// WaitTimeout is the ceiling on external-input suspensions. Zero
		// uses DefaultWaitTimeout.
		WaitTimeout time.Duration
		// RetryPolicy overrides DefaultRetryPolicy when non-zero.
		RetryPolicy engine.RetryPolicy
		// Logger receives driver diagnostics. Nil discards them.
		Logger telemetry.Logger
	}

	// Driver is the durable workflow interpreting task step programs. One
	// run executes exactly one step, commits its transition, and either
	// finishes, suspends, or continues as a fresh run at the next cursor.
	Driver struct {
		workflowName    string
		taskQueue       string
		scheduleToClose time.Duration
		heartbeat       time.Duration
		waitTimeout     time.Duration
		retry           engine.RetryPolicy
		logger          telemetry.Logger
	}

	// runState is the mutable bookkeeping of one workflow run: the log tail
	// the driver last observed and the signal values drained this run.
	runState struct {
		driver    *Driver
		wctx      engine.WorkflowContext
		sc        *execution.StepContext
		lastType  execution.TransitionType
		lastSeq   int64
		userState map[string]any
		lastError string
		cancelled bool
		reason    string
	}
)

// NewDriver constructs a driver with defaults applied.
func NewDriver(opts DriverOptions) *Driver {
	d := &Driver{
		workflowName:    opts.WorkflowName,
		taskQueue:       opts.TaskQueue,
		scheduleToClose: opts.ScheduleToClose,
		heartbeat:       opts.Heartbeat,
		waitTimeout:     opts.WaitTimeout,
		retry:           opts.RetryPolicy,
		logger:          opts.Logger,
	}
	if d.workflowName == "" {
		d.workflowName = DefaultWorkflowName
	}
	if d.scheduleToClose == 0 {
		d.scheduleToClose = DefaultScheduleToClose
	}
	if d.waitTimeout == 0 {
		d.waitTimeout = DefaultWaitTimeout
	}
	if d.retry.MaxAttempts == 0 && d.retry.InitialInterval == 0 {
		d.retry = DefaultRetryPolicy
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	return d
}

// WorkflowName returns the name the driver registers under.
func (d *Driver) WorkflowName() string { return d.workflowName }

// Register registers the driver workflow with the engine.
func (d *Driver) Register(ctx context.Context, eng engine.Engine) error {
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      d.workflowName,
		TaskQueue: d.taskQueue,
		Handler:   d.Run,
	})
}

func (d *Driver) activityOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		Queue:           d.taskQueue,
		RetryPolicy:     d.retry,
		ScheduleToClose: d.scheduleToClose,
		Heartbeat:       d.heartbeat,
	}
}

// Run executes one step of the task program. Fresh runs open their scope
// with an init transition first; continuations re-enter at the carried
// cursor. The committed transition decides what happens next: terminals end
// the run, waits suspend inside the step handler, and everything else
// continues as a new run at the next cursor.
func (d *Driver) Run(wctx engine.WorkflowContext, in *execution.RunInput) (*execution.RunOutput, error) {
	if in == nil || in.Execution == nil || in.Execution.Task == nil {
		return nil, execution.NewError(execution.KindBadInput, "run input is missing its execution")
	}
	ctx := wctx.Context()

	st := &runState{
		driver:    d,
		wctx:      wctx,
		lastType:  in.LastType,
		lastSeq:   in.LastSeq,
		userState: cloneState(in.UserState),
	}
	if !in.Resumed {
		st.lastType = ""
		st.lastSeq = translog.NoSeq
	}

	input := in.Input
	if _, isRef := blob.ParseRef(input); isRef {
		resolved, err := d.syncPayload(wctx, input, false)
		if err != nil {
			return nil, err
		}
		input = resolved
	}

	st.sc = &execution.StepContext{
		Execution: in.Execution,
		Cursor:    in.Cursor,
		Input:     input,
		UserState: st.userState,
	}

	if !in.Resumed {
		if _, err := st.commit(ctx, execution.PartialTransition{Type: in.InitType(), Output: input}); err != nil {
			return nil, err
		}
	}

	st.drainSignals()
	if st.cancelled {
		return nil, st.fail(ctx, execution.NewError(execution.KindCancelled, "cancel requested: %s", st.reason))
	}

	step, err := st.sc.CurrentStep()
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	partial, err := d.executeStep(st, step)
	if err != nil {
		return nil, st.fail(ctx, err)
	}

	committed, err := st.commit(ctx, partial)
	if err != nil {
		return nil, err
	}

	switch {
	case committed.Type == execution.TransitionError:
		return nil, execution.NewError(execution.KindActivityFailure, "%s", errorText(committed.Output))
	case committed.Type == execution.TransitionCancelled:
		return nil, execution.NewError(execution.KindCancelled, "execution cancelled")
	case committed.Type.Terminal():
		return &execution.RunOutput{Output: committed.Output}, nil
	case committed.Next == nil:
		// A resume at the last step of the scope; close it out.
		typ := execution.TransitionFinishBranch
		if st.sc.IsMain() {
			typ = execution.TransitionFinish
		}
		final, err := st.commit(ctx, execution.PartialTransition{Type: typ, Output: committed.Output})
		if err != nil {
			return nil, err
		}
		return &execution.RunOutput{Output: final.Output}, nil
	}

	carried, err := d.syncPayload(wctx, committed.Output, true)
	if err != nil {
		return nil, err
	}
	return nil, wctx.ContinueAsNew(&execution.RunInput{
		Execution: in.Execution,
		Cursor:    *committed.Next,
		Input:     carried,
		UserState: st.userState,
		Resumed:   true,
		LastType:  st.lastType,
		LastSeq:   st.lastSeq,
	})
}

// commit resolves and appends one transition through the transition
// activity, advancing the run's view of the log tail.
func (st *runState) commit(ctx context.Context, p execution.PartialTransition) (*execution.Transition, error) {
	st.sc.LastError = st.lastError
	st.sc.UserState = st.userState
	t, err := st.wctx.ExecuteTransitionActivity(ctx, engine.TransitionCall{
		Name: activities.NameCreateTransition,
		Input: &execution.TransitionRequest{
			Context:  st.sc,
			Partial:  p,
			LastType: st.lastType,
			LastSeq:  st.lastSeq,
		},
		Options: st.driver.activityOptions(),
	})
	if err != nil {
		return nil, err
	}
	st.lastType, st.lastSeq = t.Type, t.Seq
	return t, nil
}

// fail commits the terminal transition for cause (cancelled for cancel
// kinds, error otherwise) and returns cause. The commit runs on a detached
// scope so history stays complete even when the run is cancelled.
func (st *runState) fail(ctx context.Context, cause error) error {
	typ := execution.TransitionError
	if execution.KindOf(cause) == execution.KindCancelled {
		typ = execution.TransitionCancelled
	}
	msg, _ := json.Marshal(cause.Error())
	detached := *st
	detached.wctx = st.wctx.Detached()
	if _, err := detached.commit(detached.wctx.Context(), execution.PartialTransition{Type: typ, Output: msg}); err != nil {
		st.driver.logger.Error(ctx, "commit terminal transition",
			"execution_id", st.sc.Execution.ExecutionID, "type", typ, "err", err)
	}
	st.lastType, st.lastSeq = detached.lastType, detached.lastSeq
	return cause
}

// drainSignals consumes pending set_last_error and cancel signals.
func (st *runState) drainSignals() {
	st.drainLastErrors()
	for {
		v, ok := st.wctx.CancelRequests().ReceiveAsync()
		if !ok {
			break
		}
		st.cancelled = true
		st.reason = v.Reason
	}
}

// drainLastErrors absorbs pending set_last_error signals so long suspensions
// still stamp the latest external error onto their commits.
func (st *runState) drainLastErrors() {
	for {
		v, ok := st.wctx.LastErrors().ReceiveAsync()
		if !ok {
			return
		}
		st.lastError = v.Message
	}
}

// syncPayload offloads (save) or resolves (load) one payload through the
// blob activity.
func (d *Driver) syncPayload(wctx engine.WorkflowContext, payload json.RawMessage, save bool) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	resp, err := wctx.ExecuteBlobActivity(wctx.Context(), engine.BlobCall{
		Name:    activities.NameSaveInputsRemote,
		Input:   &execution.BlobRequest{Save: save, Payloads: []json.RawMessage{payload}},
		Options: d.activityOptions(),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Payloads) != 1 {
		return nil, execution.NewError(execution.KindActivityFailure, "blob sync returned %d payloads, want 1", len(resp.Payloads))
	}
	return resp.Payloads[0], nil
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// errorText renders an error transition output for the workflow error.
func errorText(output json.RawMessage) string {
	if len(output) == 0 {
		return "execution failed"
	}
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}
