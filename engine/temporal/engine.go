// Package temporal adapts the engine abstraction to Temporal for durable
// execution. It manages per-queue workers, wires OTEL instrumentation into
// the client and workers, and converts the engine's typed errors into
// Temporal application errors so retry policies can match on error kind.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/telemetry"
)

type (
	// Options configures the Temporal engine adapter. Either a pre-configured
	// Client or ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. If nil, the
		// adapter creates a lazy client from ClientOptions so OTEL
		// interceptors can be installed automatically.
		Client client.Client

		// ClientOptions describe how to construct the client when Client is
		// nil.
		ClientOptions *client.Options

		// WorkerOptions configures worker defaults. TaskQueue is required and
		// is the default queue when definitions omit one.
		WorkerOptions WorkerOptions

		// Instrumentation toggles OTEL tracing and metrics. Both are enabled
		// by default.
		Instrumentation InstrumentationOptions

		// DisableWorkerAutoStart disables automatic worker startup on first
		// workflow execution.
		DisableWorkerAutoStart bool

		// Logger emits workflow and worker logs. Nil means no output.
		Logger telemetry.Logger
	}

	// WorkerOptions configures the shared worker settings applied to all task
	// queues managed by the engine.
	WorkerOptions struct {
		// TaskQueue is the default queue name. Required.
		TaskQueue string

		// Options are forwarded to Temporal's worker.New constructor.
		Options worker.Options
	}

	// InstrumentationOptions configures OTEL wiring for the client and
	// workers.
	InstrumentationOptions struct {
		DisableTracing bool
		DisableMetrics bool
		TracerOptions  temporalotel.TracerOptions
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Engine implements engine.Engine on Temporal. One worker is created per
	// unique task queue. All methods are safe for concurrent use.
	Engine struct {
		client      client.Client
		closeClient bool

		defaultQueue      string
		workerOpts        worker.Options
		autoStartDisabled bool

		logger telemetry.Logger

		mu              sync.Mutex
		workers         map[string]*workerBundle
		workersStarted  bool
		workflows       map[string]engine.WorkflowDefinition
		activityOptions map[string]engine.ActivityOptions
	}
)

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow implements engine.Engine. The handler is wrapped to
// provide the engine's WorkflowContext abstraction.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *execution.RunInput) (*execution.RunOutput, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterStepActivity implements engine.Engine.
func (e *Engine) RegisterStepActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.StepActivityFunc) error {
	return registerActivity(e, name, opts, func(ctx context.Context, input *execution.ActivityInput) (*execution.StepOutcome, error) {
		out, err := fn(ctx, input)
		return out, asApplicationError(err)
	})
}

// RegisterTransitionActivity implements engine.Engine.
func (e *Engine) RegisterTransitionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.TransitionActivityFunc) error {
	return registerActivity(e, name, opts, func(ctx context.Context, input *execution.TransitionRequest) (*execution.Transition, error) {
		out, err := fn(ctx, input)
		return out, asApplicationError(err)
	})
}

// RegisterBlobActivity implements engine.Engine.
func (e *Engine) RegisterBlobActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.BlobActivityFunc) error {
	return registerActivity(e, name, opts, func(ctx context.Context, input *execution.BlobRequest) (*execution.BlobResponse, error) {
		out, err := fn(ctx, input)
		return out, asApplicationError(err)
	})
}

func registerActivity[I, O any](e *Engine, name string, opts engine.ActivityOptions, fn func(context.Context, I) (O, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	queue := opts.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, fn)

	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// StartWorkflow implements engine.Engine.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
		Memo:               req.Memo,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalByID implements engine.Engine.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return mapSignalError(e.client.SignalWorkflow(ctx, workflowID, runID, name, payload))
}

// mapSignalError translates Temporal service errors returned by signal
// delivery into the engine's sentinel errors so callers can use errors.Is.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, err.Error())
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return fmt.Errorf("%w: %s", engine.ErrWorkflowCompleted, err.Error())
	}
	return err
}

// Worker returns a controller for manual worker lifecycle management. When
// auto-start is active (default) this is optional.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController manages worker lifecycle for all task queues managed by
// the engine.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*execution.RunOutput, error) {
	var out execution.RunOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, normalizeError(err)
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return mapSignalError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return mapSignalError(h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()))
}

// asApplicationError converts KindError results into Temporal application
// errors typed by kind, so NonRetryableErrorTypes in retry policies can match
// on the kind name.
func asApplicationError(err error) error {
	if err == nil {
		return nil
	}
	var ke *execution.KindError
	if !errors.As(err, &ke) {
		return err
	}
	if execution.Retryable(err) {
		return temporal.NewApplicationErrorWithCause(ke.Msg, string(ke.Kind), ke.Err)
	}
	return temporal.NewNonRetryableApplicationError(ke.Msg, string(ke.Kind), ke.Err)
}

// normalizeError maps Temporal failure types back onto the engine's error
// kinds so callers outside the workflow see uniform errors.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var canceled *temporal.CanceledError
	if errors.As(err, &canceled) {
		return execution.WrapError(execution.KindCancelled, err, "workflow cancelled")
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return execution.WrapError(execution.Kind(appErr.Type()), err, "%s", appErr.Message())
	}
	return err
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 && len(r.NonRetryable) == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	for _, kind := range r.NonRetryable {
		policy.NonRetryableErrorTypes = append(policy.NonRetryableErrorTypes, string(kind))
	}
	return policy
}
