package activities

import (
	"context"
	"encoding/json"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/expr"
	"github.com/itsbrex/julep/tasks"
)

// EvaluateStep runs the step's jq program against the current input.
func (a *Activities) EvaluateStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindEvaluate {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name an evaluate step", in.Context.Cursor)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	v, err := a.eval.Eval(ctx, expr.Program(step.Evaluate), input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "evaluate step at %s", in.Context.Cursor)
	}
	return outcome(v)
}

// BaseEvaluatePayload is the payload of the base_evaluate activity: a bare
// expression the driver needs evaluated against the step context's input.
type BaseEvaluatePayload struct {
	Expression string `json:"expression"`
}

// BaseEvaluate evaluates an expression supplied in the payload rather than in
// the task document. The driver uses it for map-reduce fold steps.
func (a *Activities) BaseEvaluate(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	if in == nil || in.Context == nil {
		return nil, execution.NewError(execution.KindBadInput, "activity input is missing its step context")
	}
	var payload BaseEvaluatePayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "decode base_evaluate payload")
	}
	if payload.Expression == "" {
		return nil, execution.NewError(execution.KindBadInput, "base_evaluate requires an expression")
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	v, err := a.eval.Eval(ctx, expr.Program(payload.Expression), input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "evaluate expression")
	}
	return outcome(v)
}

// SetValueStep evaluates the step's value expressions. The driver merges the
// resulting object into the execution's user state; the object is also the
// step output.
func (a *Activities) SetValueStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindSet {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a set step", in.Context.Cursor)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	values, err := a.eval.EvalMap(ctx, step.Set, input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "set step at %s", in.Context.Cursor)
	}
	return outcome(values)
}

// ReturnStep evaluates the step's return expression. An empty expression
// returns the current input unchanged.
func (a *Activities) ReturnStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindReturn {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a return step", in.Context.Cursor)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	if *step.Return == "" {
		return outcome(input)
	}
	v, err := a.eval.Eval(ctx, expr.Program(*step.Return), input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "return step at %s", in.Context.Cursor)
	}
	return outcome(v)
}

// YieldStep validates the yield target and evaluates its arguments. The
// outcome carries an explicit transition target: the first step of the named
// workflow.
func (a *Activities) YieldStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindYield {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a yield step", in.Context.Cursor)
	}
	task := in.Context.Execution.Task
	if _, ok := task.WorkflowNamed(step.Workflow); !ok {
		return nil, execution.NewError(execution.KindNotFound, "yield target workflow %q not found in task %q", step.Workflow, task.Name)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	var args any
	if len(step.Arguments) > 0 {
		args, err = a.eval.EvalMap(ctx, step.Arguments, input, in.Context.UserState)
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "yield arguments at %s", in.Context.Cursor)
		}
	} else {
		args = input
	}
	out, err := outcome(args)
	if err != nil {
		return nil, err
	}
	out.TransitionTo = &execution.TransitionTo{
		Type:   execution.TransitionStep,
		Target: execution.Target{Workflow: step.Workflow, Step: 0},
	}
	return out, nil
}

// WaitForInputStep evaluates the info payload surfaced to whoever resumes the
// execution. The driver commits the wait transition with this output.
func (a *Activities) WaitForInputStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindWaitForInput {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a wait_for_input step", in.Context.Cursor)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	info, err := a.eval.EvalMap(ctx, step.WaitForInput.Info, input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "wait_for_input info at %s", in.Context.Cursor)
	}
	return outcome(map[string]any{"info": info})
}

// IfElseStep evaluates the condition and reports its truthiness. The driver
// picks the branch.
func (a *Activities) IfElseStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindIfElse {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name an if step", in.Context.Cursor)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	v, err := a.eval.Eval(ctx, expr.Program(step.If), input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "if condition at %s", in.Context.Cursor)
	}
	return outcome(expr.Truthy(v))
}

// SwitchStep finds the first case whose condition matches and reports its
// one-based position. Zero means no case matched. The literal "_" always
// matches.
func (a *Activities) SwitchStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindSwitch {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a switch step", in.Context.Cursor)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	for i, c := range step.Switch {
		if c.Case == "_" {
			return outcome(i + 1)
		}
		v, err := a.eval.Eval(ctx, expr.Program(c.Case), input, in.Context.UserState)
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "switch case %d at %s", i, in.Context.Cursor)
		}
		if expr.Truthy(v) {
			return outcome(i + 1)
		}
	}
	return outcome(0)
}

// ForEachStep evaluates the iteration source and returns the item list.
func (a *Activities) ForEachStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindForeach {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a foreach step", in.Context.Cursor)
	}
	return a.evalItems(ctx, in.Context, step.Foreach.In, "foreach")
}

// MapReduceStep evaluates the map source and returns the item list. The
// driver runs the map body per item and folds with the reduce expression.
func (a *Activities) MapReduceStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindMapReduce {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a map-reduce step", in.Context.Cursor)
	}
	return a.evalItems(ctx, in.Context, step.Over, "map-reduce")
}

func (a *Activities) evalItems(ctx context.Context, sc *execution.StepContext, source, kind string) (*execution.StepOutcome, error) {
	input, err := currentInput(sc)
	if err != nil {
		return nil, err
	}
	v, err := a.eval.Eval(ctx, expr.Program(source), input, sc.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "%s source at %s", kind, sc.Cursor)
	}
	items, ok := v.([]any)
	if !ok && v != nil {
		return nil, execution.NewError(execution.KindBadInput, "%s source at %s must produce a list, got %T", kind, sc.Cursor, v)
	}
	if items == nil {
		items = []any{}
	}
	return outcome(items)
}
