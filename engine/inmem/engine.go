// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development. Execution is immediate and non-durable, but
// activity payloads still round-trip through JSON so the wire contract
// between driver and activities is exercised the same way the durable
// backend exercises it.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execution"
)

type (
	// Engine implements engine.Engine in process.
	Engine struct {
		mu sync.RWMutex

		workflows       map[string]engine.WorkflowDefinition
		stepActivities  map[string]stepActivityDef
		transActivities map[string]transActivityDef
		blobActivities  map[string]blobActivityDef

		handles map[string]*handle
	}

	stepActivityDef struct {
		handler engine.StepActivityFunc
		opts    engine.ActivityOptions
	}

	transActivityDef struct {
		handler engine.TransitionActivityFunc
		opts    engine.ActivityOptions
	}

	blobActivityDef struct {
		handler engine.BlobActivityFunc
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *execution.RunOutput
		wfCtx  *wfCtx
		cancel context.CancelFunc
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *Engine

		signals *signalHub
	}

	// signalHub owns the named signal channels of one workflow execution.
	// Shared between a context and its WithCancel derivations.
	signalHub struct {
		mu    sync.Mutex
		chans map[string]chan json.RawMessage
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ctx context.Context
		ch  chan json.RawMessage
	}

	childHandle struct {
		h *handle
	}

	// continueAsNew is the sentinel ContinueAsNew returns; the run loop
	// restarts the handler with the carried input instead of completing.
	continueAsNew struct {
		input *execution.RunInput
	}
)

var _ engine.Engine = (*Engine)(nil)

func (*continueAsNew) Error() string { return "continue as new" }

// New returns a new in-memory engine suitable for tests and single-process
// runs. Not deterministic or replay-safe.
func New() *Engine {
	return &Engine{
		workflows:       make(map[string]engine.WorkflowDefinition),
		stepActivities:  make(map[string]stepActivityDef),
		transActivities: make(map[string]transActivityDef),
		blobActivities:  make(map[string]blobActivityDef),
		handles:         make(map[string]*handle),
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStepActivity implements engine.Engine.
func (e *Engine) RegisterStepActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.StepActivityFunc) error {
	if name == "" || fn == nil {
		return errors.New("invalid step activity registration")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.stepActivities[name]; dup {
		return fmt.Errorf("step activity %q already registered", name)
	}
	e.stepActivities[name] = stepActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterTransitionActivity implements engine.Engine.
func (e *Engine) RegisterTransitionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.TransitionActivityFunc) error {
	if name == "" || fn == nil {
		return errors.New("invalid transition activity registration")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.transActivities[name]; dup {
		return fmt.Errorf("transition activity %q already registered", name)
	}
	e.transActivities[name] = transActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterBlobActivity implements engine.Engine.
func (e *Engine) RegisterBlobActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.BlobActivityFunc) error {
	if name == "" || fn == nil {
		return errors.New("invalid blob activity registration")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.blobActivities[name]; dup {
		return fmt.Errorf("blob activity %q already registered", name)
	}
	e.blobActivities[name] = blobActivityDef{handler: fn, opts: opts}
	return nil
}

// StartWorkflow implements engine.Engine. The handler runs in its own
// goroutine; ContinueAsNew restarts it with fresh input in the same
// goroutine, preserving signal channels.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx := &wfCtx{
		ctx:     runCtx,
		id:      req.ID,
		runID:   req.ID,
		eng:     e,
		signals: &signalHub{chans: make(map[string]chan json.RawMessage)},
	}
	h := &handle{done: make(chan struct{}), wfCtx: wctx, cancel: cancel}

	e.mu.Lock()
	if _, dup := e.handles[req.ID]; dup {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("workflow id %q already in use", req.ID)
	}
	e.handles[req.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		input := req.Input
		for {
			res, err := def.Handler(wctx, input)
			var can *continueAsNew
			if errors.As(err, &can) {
				input = can.input
				continue
			}
			h.mu.Lock()
			h.result = res
			h.err = err
			h.mu.Unlock()
			return
		}
	}()

	return h, nil
}

// SignalByID implements engine.Engine.
func (e *Engine) SignalByID(ctx context.Context, workflowID, _, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

// Handle returns the handle of a started workflow, if any.
func (e *Engine) Handle(workflowID string) (engine.WorkflowHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[workflowID]
	return h, ok
}

// Close implements engine.Engine.
func (e *Engine) Close() error { return nil }

func (h *handle) Wait(ctx context.Context) (*execution.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal %q: %w", name, err)
	}
	ch := h.wfCtx.signalChannel(name)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("workflow completed")
	case ch <- raw:
		return nil
	}
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

// SetQueryHandler is a no-op for the in-memory engine.
func (w *wfCtx) SetQueryHandler(string, any) error { return nil }

func (w *wfCtx) WorkflowID() string { return w.id }

func (w *wfCtx) RunID() string { return w.runID }

func (w *wfCtx) Now() time.Time { return time.Now() }

func (w *wfCtx) ExecuteStepActivity(ctx context.Context, call engine.ActivityCall) (*execution.StepOutcome, error) {
	fut, err := w.ExecuteStepActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteStepActivityAsync(ctx context.Context, call engine.ActivityCall) (engine.Future[*execution.StepOutcome], error) {
	if call.Name == "" {
		return nil, errors.New("step activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("step activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.stepActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("step activity %q not registered", call.Name)
	}

	fut := &future[*execution.StepOutcome]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		actCtx, cancel := withOptionalTimeout(w.mergeCtx(ctx), timeoutFor(call.Options, def.opts))
		defer cancel()
		fut.result, fut.err = roundTrip(actCtx, call.Input, def.handler)
	}()
	return fut, nil
}

func (w *wfCtx) ExecuteTransitionActivity(ctx context.Context, call engine.TransitionCall) (*execution.Transition, error) {
	if call.Name == "" {
		return nil, errors.New("transition activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("transition activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.transActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transition activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(w.mergeCtx(ctx), timeoutFor(call.Options, def.opts))
	defer cancel()
	return roundTrip(actCtx, call.Input, def.handler)
}

func (w *wfCtx) ExecuteBlobActivity(ctx context.Context, call engine.BlobCall) (*execution.BlobResponse, error) {
	if call.Name == "" {
		return nil, errors.New("blob activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("blob activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.blobActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(w.mergeCtx(ctx), timeoutFor(call.Options, def.opts))
	defer cancel()
	return roundTrip(actCtx, call.Input, def.handler)
}

func (w *wfCtx) ResumeInputs() engine.Receiver[execution.ResumeInput] {
	return receiver[execution.ResumeInput]{ctx: w.ctx, ch: w.signalChannel(execution.SignalResume)}
}

func (w *wfCtx) LastErrors() engine.Receiver[execution.LastErrorInput] {
	return receiver[execution.LastErrorInput]{ctx: w.ctx, ch: w.signalChannel(execution.SignalSetLastError)}
}

func (w *wfCtx) CancelRequests() engine.Receiver[execution.CancelInput] {
	return receiver[execution.CancelInput]{ctx: w.ctx, ch: w.signalChannel(execution.SignalCancel)}
}

func (w *wfCtx) NewTimer(_ context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	go func() {
		defer close(fut.ready)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case t := <-timer.C:
			fut.result = t
		case <-w.ctx.Done():
			fut.err = execution.WrapError(execution.KindCancelled, w.ctx.Err(), "timer cancelled")
		}
	}()
	return fut, nil
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wfCtx) StartChildWorkflow(ctx context.Context, req engine.ChildWorkflowRequest) (engine.ChildWorkflowHandle, error) {
	h, err := w.eng.StartWorkflow(w.ctx, engine.WorkflowStartRequest{
		ID:          req.ID,
		Workflow:    req.Workflow,
		TaskQueue:   req.TaskQueue,
		Input:       req.Input,
		RunTimeout:  req.RunTimeout,
		RetryPolicy: req.RetryPolicy,
	})
	if err != nil {
		return nil, err
	}
	return &childHandle{h: h.(*handle)}, nil
}

func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := context.WithCancel(w.ctx)
	derived := &wfCtx{
		ctx:     cctx,
		id:      w.id,
		runID:   w.runID,
		eng:     w.eng,
		signals: w.signals,
	}
	return derived, cancel
}

func (w *wfCtx) Detached() engine.WorkflowContext {
	derived := &wfCtx{
		ctx:     context.WithoutCancel(w.ctx),
		id:      w.id,
		runID:   w.runID,
		eng:     w.eng,
		signals: w.signals,
	}
	return derived
}

func (w *wfCtx) ContinueAsNew(input *execution.RunInput) error {
	return &continueAsNew{input: input}
}

func (w *wfCtx) signalChannel(name string) chan json.RawMessage {
	w.signals.mu.Lock()
	defer w.signals.mu.Unlock()
	ch, ok := w.signals.chans[name]
	if !ok {
		ch = make(chan json.RawMessage, 16)
		w.signals.chans[name] = ch
	}
	return ch
}

func (w *wfCtx) mergeCtx(ctx context.Context) context.Context {
	if ctx == nil || ctx == context.Background() {
		return w.ctx
	}
	return ctx
}

func (c *childHandle) Get(ctx context.Context) (*execution.RunOutput, error) {
	return c.h.Wait(ctx)
}

func (c *childHandle) IsReady() bool {
	select {
	case <-c.h.done:
		return true
	default:
		return false
	}
}

func (c *childHandle) Cancel(ctx context.Context) error {
	return c.h.Cancel(ctx)
}

func (c *childHandle) RunID() string {
	return c.h.wfCtx.runID
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	var out T
	select {
	case <-ctx.Done():
		return out, ctx.Err()
	case <-r.ctx.Done():
		return out, r.ctx.Err()
	case raw := <-r.ch:
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode signal: %w", err)
		}
		return out, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	var out T
	select {
	case raw := <-r.ch:
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, false
		}
		return out, true
	default:
		return out, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// roundTrip serializes the input and output through JSON so in-memory runs
// exercise the same wire contract as the durable backend.
func roundTrip[I, O any](ctx context.Context, input *I, fn func(context.Context, *I) (*O, error)) (*O, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode activity input: %w", err)
	}
	decoded := new(I)
	if err := json.Unmarshal(raw, decoded); err != nil {
		return nil, fmt.Errorf("decode activity input: %w", err)
	}
	out, err := fn(ctx, decoded)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	raw, err = json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode activity output: %w", err)
	}
	result := new(O)
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("decode activity output: %w", err)
	}
	return result, nil
}

func timeoutFor(override, defaults engine.ActivityOptions) time.Duration {
	if override.ScheduleToClose > 0 {
		return override.ScheduleToClose
	}
	return defaults.ScheduleToClose
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
