// Package activities implements the worker-side functions the execution
// driver dispatches: step outcome evaluators, the prompt and tool executors,
// transition commits, and out-of-band payload sync. Every function takes the
// step context over the wire and returns a value or a typed error; nothing
// here touches workflow state directly.
package activities

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/itsbrex/julep/blob"
	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execstore"
	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/expr"
	"github.com/itsbrex/julep/model"
	"github.com/itsbrex/julep/stream"
	"github.com/itsbrex/julep/tasks"
	"github.com/itsbrex/julep/telemetry"
	"github.com/itsbrex/julep/translog"
)

type (
	// IntegrationExecutor runs provider-hosted integration tools.
	IntegrationExecutor interface {
		// Execute invokes the integration with evaluated arguments and
		// returns the provider's JSON response.
		Execute(ctx context.Context, def *tasks.IntegrationDef, args map[string]any) (json.RawMessage, error)
	}

	// SystemExecutor runs internal platform operation tools.
	SystemExecutor interface {
		// Execute performs the named resource operation and returns its
		// JSON result.
		Execute(ctx context.Context, def *tasks.SystemDef, args map[string]any) (json.RawMessage, error)
	}

	// Options configures the activity set. TransitionLog and Executions are
	// required; everything else has a working default.
	Options struct {
		// TransitionLog is the durable transition log commits go to.
		TransitionLog translog.Store
		// Executions is the execution record projection updated on commits.
		Executions execstore.Store
		// Blobs backs out-of-band payload offloading. Nil disables
		// offloading; payloads pass through unchanged.
		Blobs blob.Store
		// BlobThreshold is the offload size threshold in bytes. Zero uses
		// blob.DefaultThreshold.
		BlobThreshold int
		// Model executes prompt steps. Nil makes prompt steps fail.
		Model model.Client
		// Evaluator runs task expressions. Nil constructs a fresh one.
		Evaluator *expr.Evaluator
		// Integrations executes integration tools. Nil makes them fail with
		// a not-implemented error.
		Integrations IntegrationExecutor
		// Systems executes system tools. Nil makes them fail with a
		// not-implemented error.
		Systems SystemExecutor
		// HTTPClient performs api_call tool requests. Nil uses a client
		// with a 30 second timeout.
		HTTPClient *http.Client
		// Stream receives committed transition events. Nil discards them.
		Stream stream.Sink
		// Logger receives activity diagnostics. Nil discards them.
		Logger telemetry.Logger
		// Metrics records commit counters and timings. Nil discards them.
		Metrics telemetry.Metrics
		// Tracer creates spans around transition commits. Nil disables
		// tracing.
		Tracer telemetry.Tracer
	}

	// Activities bundles the worker functions with their dependencies. Safe
	// for concurrent use.
	Activities struct {
		log           translog.Store
		executions    execstore.Store
		blobs         blob.Store
		blobThreshold int
		model         model.Client
		eval          *expr.Evaluator
		integrations  IntegrationExecutor
		systems       SystemExecutor
		http          *http.Client
		stream        stream.Sink
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
	}
)

// New constructs the activity set.
func New(opts Options) (*Activities, error) {
	if opts.TransitionLog == nil {
		return nil, errors.New("transition log is required")
	}
	if opts.Executions == nil {
		return nil, errors.New("execution store is required")
	}
	a := &Activities{
		log:           opts.TransitionLog,
		executions:    opts.Executions,
		blobs:         opts.Blobs,
		blobThreshold: opts.BlobThreshold,
		model:         opts.Model,
		eval:          opts.Evaluator,
		integrations:  opts.Integrations,
		systems:       opts.Systems,
		http:          opts.HTTPClient,
		stream:        opts.Stream,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
	if a.eval == nil {
		a.eval = expr.New()
	}
	if a.http == nil {
		a.http = &http.Client{Timeout: 30 * time.Second}
	}
	if a.stream == nil {
		a.stream = stream.NopSink{}
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	if a.metrics == nil {
		a.metrics = telemetry.NewNoopMetrics()
	}
	if a.tracer == nil {
		a.tracer = telemetry.NewNoopTracer()
	}
	return a, nil
}

// StepActivities returns the step outcome functions keyed by activity name.
func (a *Activities) StepActivities() map[string]engine.StepActivityFunc {
	return map[string]engine.StepActivityFunc{
		NamePromptStep:         a.PromptStep,
		NameToolCallStep:       a.ToolCallStep,
		NameEvaluateStep:       a.EvaluateStep,
		NameIfElseStep:         a.IfElseStep,
		NameSwitchStep:         a.SwitchStep,
		NameForEachStep:        a.ForEachStep,
		NameMapReduceStep:      a.MapReduceStep,
		NameSetValueStep:       a.SetValueStep,
		NameReturnStep:         a.ReturnStep,
		NameYieldStep:          a.YieldStep,
		NameWaitForInputStep:   a.WaitForInputStep,
		NameBaseEvaluate:       a.BaseEvaluate,
		NameExecuteIntegration: a.ExecuteIntegration,
		NameExecuteAPICall:     a.ExecuteAPICall,
		NameExecuteSystem:      a.ExecuteSystem,
	}
}

// Register wires every activity into the engine under its name.
func (a *Activities) Register(ctx context.Context, eng engine.Engine, opts engine.ActivityOptions) error {
	for name, fn := range a.StepActivities() {
		if err := eng.RegisterStepActivity(ctx, name, opts, fn); err != nil {
			return err
		}
	}
	if err := eng.RegisterTransitionActivity(ctx, NameCreateTransition, opts, a.CreateTransition); err != nil {
		return err
	}
	return eng.RegisterBlobActivity(ctx, NameSaveInputsRemote, opts, a.SaveInputsRemote)
}

// currentStep resolves the step the activity input's cursor names.
func currentStep(in *execution.ActivityInput) (*tasks.Step, error) {
	if in == nil || in.Context == nil || in.Context.Execution == nil || in.Context.Execution.Task == nil {
		return nil, execution.NewError(execution.KindBadInput, "activity input is missing its step context")
	}
	return in.Context.CurrentStep()
}

// currentInput decodes the step context's input document.
func currentInput(sc *execution.StepContext) (any, error) {
	if len(sc.Input) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(sc.Input, &v); err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "decode step input")
	}
	return v, nil
}

// outcome marshals a value into a step outcome.
func outcome(v any) (*execution.StepOutcome, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "encode step output")
	}
	return &execution.StepOutcome{Output: raw}, nil
}
