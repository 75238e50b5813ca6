package taskexec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/activities"
	"github.com/itsbrex/julep/engine"
	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/model"
	"github.com/itsbrex/julep/tasks"
	"github.com/itsbrex/julep/translog"
)

// executeStep interprets one step into the partial transition to commit.
// Suspending steps commit their intermediate wait transition through the run
// state before returning the resume partial.
func (d *Driver) executeStep(st *runState, step *tasks.Step) (execution.PartialTransition, error) {
	var zero execution.PartialTransition

	kind := step.Kind()
	switch kind {
	case tasks.KindLog:
		d.logger.Info(st.wctx.Context(), "task log",
			"execution_id", st.sc.Execution.ExecutionID, "cursor", st.sc.Cursor.String(), "message", step.Log)
		return execution.PartialTransition{
			Output:   st.sc.Input,
			Metadata: map[string]any{"log": step.Log},
		}, nil

	case tasks.KindGet:
		raw, err := json.Marshal(st.userState[step.Get])
		if err != nil {
			return zero, execution.WrapError(execution.KindBadInput, err, "encode user state key %q", step.Get)
		}
		return execution.PartialTransition{Output: raw}, nil

	case tasks.KindSleep:
		return d.sleep(st, step)

	case tasks.KindError:
		msg, _ := json.Marshal(step.Error)
		return execution.PartialTransition{Type: execution.TransitionError, Output: msg}, nil

	case tasks.KindParallel:
		return zero, execution.NewError(execution.KindNotImplemented, "parallel steps are not supported")
	}

	name, ok := StepActivity(kind)
	if !ok {
		return zero, execution.NewError(execution.KindBadInput, "unknown step variant at %s", st.sc.Cursor)
	}
	out, err := d.dispatch(st, name, nil)
	if err != nil {
		return zero, err
	}

	switch kind {
	case tasks.KindEvaluate:
		return execution.PartialTransition{Output: out.Output}, nil

	case tasks.KindSet:
		var values map[string]any
		if err := json.Unmarshal(out.Output, &values); err != nil {
			return zero, execution.WrapError(execution.KindBadInput, err, "decode set step values")
		}
		for k, v := range values {
			st.userState[k] = v
		}
		return execution.PartialTransition{Output: out.Output, UserState: st.userState}, nil

	case tasks.KindReturn:
		typ := execution.TransitionFinishBranch
		if st.sc.IsMain() {
			typ = execution.TransitionFinish
		}
		return execution.PartialTransition{Type: typ, Output: out.Output}, nil

	case tasks.KindYield:
		if out.TransitionTo == nil {
			return zero, execution.NewError(execution.KindActivityFailure, "yield step returned no transition target")
		}
		target := out.TransitionTo.Target
		return execution.PartialTransition{
			Type:   out.TransitionTo.Type,
			Next:   &target,
			Output: out.Output,
		}, nil

	case tasks.KindWaitForInput:
		return d.waitForInput(st, out)

	case tasks.KindIfElse:
		return d.ifElse(st, step, out)

	case tasks.KindSwitch:
		return d.switchStep(st, out)

	case tasks.KindForeach:
		return d.foreach(st, out)

	case tasks.KindMapReduce:
		return d.mapReduce(st, step, out)

	case tasks.KindPrompt:
		return d.prompt(st, step, out)

	case tasks.KindToolCall:
		return d.toolCall(st, out)
	}
	return zero, execution.NewError(execution.KindBadInput, "unhandled step variant %q", kind)
}

// dispatch schedules a step activity with the run's current context.
func (d *Driver) dispatch(st *runState, name string, payload json.RawMessage) (*execution.StepOutcome, error) {
	st.sc.LastError = st.lastError
	return st.wctx.ExecuteStepActivity(st.wctx.Context(), engine.ActivityCall{
		Name:    name,
		Input:   &execution.ActivityInput{Context: st.sc, Payload: payload},
		Options: d.activityOptions(),
	})
}

// sleep waits on a durable timer, watching for cancel signals.
func (d *Driver) sleep(st *runState, step *tasks.Step) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	ctx := st.wctx.Context()
	timer, err := st.wctx.NewTimer(ctx, time.Duration(step.Sleep.TotalSeconds())*time.Second)
	if err != nil {
		return zero, err
	}
	cancelled := false
	if err := st.wctx.Await(ctx, func() bool {
		if v, ok := st.wctx.CancelRequests().ReceiveAsync(); ok {
			cancelled, st.reason = true, v.Reason
			return true
		}
		return timer.IsReady()
	}); err != nil {
		return zero, err
	}
	if cancelled {
		return zero, execution.NewError(execution.KindCancelled, "cancelled during sleep")
	}
	return execution.PartialTransition{Output: st.sc.Input}, nil
}

// waitForInput commits the wait transition and suspends until external
// input, cancellation, or the wait ceiling.
func (d *Driver) waitForInput(st *runState, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	if _, err := st.commit(st.wctx.Context(), execution.PartialTransition{
		Type:   execution.TransitionWait,
		Output: out.Output,
	}); err != nil {
		return zero, err
	}
	resume, err := d.awaitResume(st)
	if err != nil {
		return zero, err
	}
	return execution.PartialTransition{Type: execution.TransitionResume, Output: resume.Input}, nil
}

// awaitResume blocks until a resume signal arrives. Cancel signals and the
// wait ceiling end the suspension with an error.
func (d *Driver) awaitResume(st *runState) (execution.ResumeInput, error) {
	var resume execution.ResumeInput
	ctx := st.wctx.Context()
	timer, err := st.wctx.NewTimer(ctx, d.waitTimeout)
	if err != nil {
		return resume, err
	}
	received, cancelled := false, false
	if err := st.wctx.Await(ctx, func() bool {
		st.drainLastErrors()
		// Cancellation wins over a concurrently delivered resume.
		if v, ok := st.wctx.CancelRequests().ReceiveAsync(); ok {
			cancelled, st.reason = true, v.Reason
			return true
		}
		if v, ok := st.wctx.ResumeInputs().ReceiveAsync(); ok {
			resume, received = v, true
			return true
		}
		return timer.IsReady()
	}); err != nil {
		return resume, err
	}
	switch {
	case received:
		return resume, nil
	case cancelled:
		return resume, execution.NewError(execution.KindCancelled, "cancelled while awaiting input")
	default:
		return resume, execution.NewError(execution.KindActivityFailure, "no input arrived within %s", d.waitTimeout)
	}
}

// ifElse runs the matching branch as a child execution. A false condition
// without an else branch passes the input through.
func (d *Driver) ifElse(st *runState, step *tasks.Step, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	var cond bool
	if err := json.Unmarshal(out.Output, &cond); err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "decode if condition result")
	}
	if cond {
		return d.branch(st, st.sc.Cursor.Child(execution.ScopeThen, 0), st.sc.Input)
	}
	if step.Else == nil {
		return execution.PartialTransition{Output: st.sc.Input}, nil
	}
	return d.branch(st, st.sc.Cursor.Child(execution.ScopeElse, 0), st.sc.Input)
}

// switchStep runs the matched case branch. The activity reports the matched
// case's one-based position; zero means no match and the step outputs null.
func (d *Driver) switchStep(st *runState, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	var index int
	if err := json.Unmarshal(out.Output, &index); err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "decode switch result")
	}
	switch {
	case index < 0:
		return zero, execution.NewError(execution.KindBadInput, "negative indices not allowed")
	case index == 0:
		return execution.PartialTransition{Output: json.RawMessage("null")}, nil
	default:
		return d.branch(st, st.sc.Cursor.Child(execution.ScopeCase, index-1), st.sc.Input)
	}
}

// foreach runs the body once per item, serially, and outputs the ordered
// results.
func (d *Driver) foreach(st *runState, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	var items []json.RawMessage
	if err := json.Unmarshal(out.Output, &items); err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "decode foreach items")
	}
	results := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		r, err := d.runBranch(st, st.sc.Cursor.Child(execution.ScopeForeach, i), item)
		if err != nil {
			return zero, err
		}
		results = append(results, r)
	}
	output, err := json.Marshal(results)
	if err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "encode foreach results")
	}
	return execution.PartialTransition{Output: output}, nil
}

// mapReduce runs the map body per item with a bounded window of in-flight
// children, collects outputs in input order, then folds them with the
// reduce expression.
func (d *Driver) mapReduce(st *runState, step *tasks.Step, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	var items []json.RawMessage
	if err := json.Unmarshal(out.Output, &items); err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "decode map-reduce items")
	}

	window := step.Parallelism
	if window < 1 {
		window = 1
	}

	ctx := st.wctx.Context()
	handles := make([]engine.ChildWorkflowHandle, len(items))
	results := make([]json.RawMessage, len(items))
	started := 0
	for collected := 0; collected < len(items); collected++ {
		for started < len(items) && started-collected < window {
			h, err := d.startBranch(st, st.sc.Cursor.Child(execution.ScopeMap, started), items[started])
			if err != nil {
				return zero, err
			}
			handles[started] = h
			started++
		}
		res, err := handles[collected].Get(ctx)
		if err != nil {
			for j := collected + 1; j < started; j++ {
				if cancelErr := handles[j].Cancel(ctx); cancelErr != nil {
					d.logger.Warn(ctx, "cancel map branch", "index", j, "err", cancelErr)
				}
			}
			return zero, err
		}
		results[collected] = res.Output
	}

	folded, err := d.fold(st, step, results)
	if err != nil {
		return zero, err
	}
	return execution.PartialTransition{Output: folded}, nil
}

// fold left-folds the ordered map outputs. Without a reduce expression the
// results are appended to the initial list. A custom reduce expression sees
// {"acc": ..., "item": ...} per item.
func (d *Driver) fold(st *runState, step *tasks.Step, results []json.RawMessage) (json.RawMessage, error) {
	initial := json.RawMessage("[]")
	if step.Initial != nil {
		raw, err := json.Marshal(step.Initial)
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "encode map-reduce initial value")
		}
		initial = raw
	}

	if step.Reduce == "" {
		var acc []json.RawMessage
		if err := json.Unmarshal(initial, &acc); err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "map-reduce initial value must be a list when reduce is omitted")
		}
		acc = append(acc, results...)
		out, err := json.Marshal(acc)
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "encode map-reduce results")
		}
		return out, nil
	}

	payload, err := json.Marshal(activities.BaseEvaluatePayload{Expression: step.Reduce})
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "encode reduce payload")
	}
	acc := initial
	for i, item := range results {
		doc, err := json.Marshal(map[string]json.RawMessage{"acc": acc, "item": item})
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "encode reduce document %d", i)
		}
		foldCtx := *st.sc
		foldCtx.Input = doc
		out, err := st.wctx.ExecuteStepActivity(st.wctx.Context(), engine.ActivityCall{
			Name:    activities.NameBaseEvaluate,
			Input:   &execution.ActivityInput{Context: &foldCtx, Payload: payload},
			Options: d.activityOptions(),
		})
		if err != nil {
			return nil, err
		}
		acc = out.Output
	}
	return acc, nil
}

// prompt handles the tool-call protocol on top of the prompt activity's
// response. Unwrapped prompts and prompts without auto-run return the model
// response as-is.
func (d *Driver) prompt(st *runState, step *tasks.Step, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	if step.Unwrap || !step.AutoRunTools {
		return execution.PartialTransition{Output: out.Output}, nil
	}

	var resp activities.PromptResponse
	if err := json.Unmarshal(out.Output, &resp); err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "decode prompt response")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].FinishReason != model.StopReasonToolCalls {
		return execution.PartialTransition{Output: out.Output}, nil
	}
	message := resp.Choices[0].Message
	if len(message.ToolCalls) == 0 {
		return execution.PartialTransition{Output: out.Output}, nil
	}
	call := message.ToolCalls[0]
	tool, ok := st.sc.Execution.Task.ToolNamed(call.Name)
	if !ok {
		return zero, execution.NewError(execution.KindNotFound, "model requested undeclared tool %q", call.Name)
	}

	var (
		resultContent string
		partialType   execution.TransitionType
	)
	if tool.Type == tasks.ToolFunction {
		if _, err := st.commit(st.wctx.Context(), execution.PartialTransition{
			Type:   execution.TransitionWait,
			Output: out.Output,
		}); err != nil {
			return zero, err
		}
		resume, err := d.awaitResume(st)
		if err != nil {
			return zero, err
		}
		resultContent = string(resume.Input)
		partialType = execution.TransitionResume
	} else {
		result, err := d.runToolExecutor(st, tool, call)
		if err != nil {
			return zero, err
		}
		resultContent = string(result)
	}

	payload, err := json.Marshal(activities.PromptPayload{Messages: []model.Message{
		message,
		{Role: model.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: resultContent},
	}})
	if err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "encode prompt continuation")
	}
	second, err := d.dispatch(st, activities.NamePromptStep, payload)
	if err != nil {
		return zero, err
	}
	return execution.PartialTransition{Type: partialType, Output: second.Output}, nil
}

// runToolExecutor executes a model-requested tool through the executor
// activity matching its type.
func (d *Driver) runToolExecutor(st *runState, tool *tasks.Tool, call model.ToolCall) (json.RawMessage, error) {
	name, ok := executorActivity(tool.Type)
	if !ok {
		return nil, execution.NewError(execution.KindBadInput, "tool %q has unsupported type %q", tool.Name, tool.Type)
	}
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "decode tool call arguments")
		}
	}
	payload, err := json.Marshal(activities.ToolCallRequest{
		Type:        tool.Type,
		Name:        tool.Name,
		Arguments:   args,
		Integration: tool.Integration,
		APICall:     tool.APICall,
		System:      tool.System,
	})
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "encode tool call request")
	}
	out, err := d.dispatch(st, name, payload)
	if err != nil {
		return nil, err
	}
	return out.Output, nil
}

// toolCall routes the resolved tool invocation: function tools suspend for
// an external result, everything else runs through an executor activity.
func (d *Driver) toolCall(st *runState, out *execution.StepOutcome) (execution.PartialTransition, error) {
	var zero execution.PartialTransition
	var req activities.ToolCallRequest
	if err := json.Unmarshal(out.Output, &req); err != nil {
		return zero, execution.WrapError(execution.KindBadInput, err, "decode tool call request")
	}

	if req.Type == tasks.ToolFunction {
		if _, err := st.commit(st.wctx.Context(), execution.PartialTransition{
			Type:   execution.TransitionWait,
			Output: out.Output,
		}); err != nil {
			return zero, err
		}
		resume, err := d.awaitResume(st)
		if err != nil {
			return zero, err
		}
		return execution.PartialTransition{Type: execution.TransitionResume, Output: resume.Input}, nil
	}

	name, ok := executorActivity(req.Type)
	if !ok {
		return zero, execution.NewError(execution.KindBadInput, "tool %q has unsupported type %q", req.Name, req.Type)
	}
	res, err := d.dispatch(st, name, out.Output)
	if err != nil {
		return zero, err
	}
	return execution.PartialTransition{Output: res.Output}, nil
}

func executorActivity(t tasks.ToolType) (string, bool) {
	switch t {
	case tasks.ToolIntegration:
		return activities.NameExecuteIntegration, true
	case tasks.ToolAPICall:
		return activities.NameExecuteAPICall, true
	case tasks.ToolSystem:
		return activities.NameExecuteSystem, true
	default:
		return "", false
	}
}

// branch runs one composite child to completion and turns its output into
// the parent step's partial transition.
func (d *Driver) branch(st *runState, cursor execution.Target, input json.RawMessage) (execution.PartialTransition, error) {
	out, err := d.runBranch(st, cursor, input)
	if err != nil {
		return execution.PartialTransition{}, err
	}
	return execution.PartialTransition{Output: out}, nil
}

// runBranch starts a composite child execution and waits for its result.
func (d *Driver) runBranch(st *runState, cursor execution.Target, input json.RawMessage) (json.RawMessage, error) {
	h, err := d.startBranch(st, cursor, input)
	if err != nil {
		return nil, err
	}
	out, err := h.Get(st.wctx.Context())
	if err != nil {
		return nil, err
	}
	return out.Output, nil
}

// startBranch launches a composite child workflow rooted at the branch
// cursor. The child gets its own execution identity so its scope owns its
// own transition log; both the workflow ID and the derived execution ID are
// deterministic functions of the parent's identity, the commit position, and
// the cursor, so replays reuse the same child.
func (d *Driver) startBranch(st *runState, cursor execution.Target, input json.RawMessage) (engine.ChildWorkflowHandle, error) {
	suffix := fmt.Sprintf("%d/%s", st.lastSeq, cursor.String())
	childExec := &execution.Input{
		Task:        st.sc.Execution.Task,
		ExecutionID: uuid.NewSHA1(st.sc.Execution.ExecutionID, []byte(suffix)),
		DeveloperID: st.sc.Execution.DeveloperID,
		Arguments:   st.sc.Execution.Arguments,
	}
	return st.wctx.StartChildWorkflow(st.wctx.Context(), engine.ChildWorkflowRequest{
		ID:        fmt.Sprintf("%s/%s", st.wctx.WorkflowID(), suffix),
		Workflow:  d.workflowName,
		TaskQueue: d.taskQueue,
		Input: &execution.RunInput{
			Execution: childExec,
			Cursor:    cursor,
			Input:     input,
			UserState: cloneState(st.userState),
			LastSeq:   translog.NoSeq,
		},
	})
}
