package activities

import (
	"context"
	"encoding/json"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/model"
	"github.com/itsbrex/julep/tasks"
)

type (
	// PromptPayload carries extra messages appended after the step's rendered
	// prompt. The driver uses it to feed tool results back on re-dispatch.
	PromptPayload struct {
		Messages []model.Message `json:"messages,omitempty"`
	}

	// PromptResponse is the OpenAI-shaped document prompt steps output.
	PromptResponse struct {
		Model   string           `json:"model,omitempty"`
		Choices []PromptChoice   `json:"choices"`
		Usage   model.TokenUsage `json:"usage"`
	}

	// PromptChoice is one completion choice of a prompt response.
	PromptChoice struct {
		Index        int           `json:"index"`
		FinishReason string        `json:"finish_reason"`
		Message      model.Message `json:"message"`
	}
)

// PromptStep renders the step's messages, invokes the model, and returns an
// OpenAI-shaped response document. With unwrap set the output is the bare
// message content instead.
func (a *Activities) PromptStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindPrompt {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a prompt step", in.Context.Cursor)
	}
	if a.model == nil {
		return nil, execution.NewError(execution.KindNotImplemented, "no model client configured")
	}

	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	messages, err := a.renderPrompt(ctx, in.Context, step, input)
	if err != nil {
		return nil, err
	}
	if len(in.Payload) > 0 {
		var payload PromptPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "decode prompt payload")
		}
		messages = append(messages, payload.Messages...)
	}

	req := &model.Request{
		Messages: messages,
		Tools:    promptTools(in.Context.Tools()),
	}
	if step.Settings != nil {
		req.Model = step.Settings.Model
		req.MaxTokens = step.Settings.MaxTokens
		if step.Settings.Temperature != nil {
			req.Temperature = float32(*step.Settings.Temperature)
		}
	}

	resp, err := a.model.Complete(ctx, req)
	if err != nil {
		return nil, execution.WrapError(execution.KindActivityFailure, err, "prompt model call at %s", in.Context.Cursor)
	}

	if step.Unwrap {
		if resp.StopReason == model.StopReasonToolCalls {
			return nil, execution.NewError(execution.KindBadInput, "prompt step at %s has unwrap set but the model requested tool calls", in.Context.Cursor)
		}
		return outcome(resp.Message.Content)
	}
	return outcome(PromptResponse{
		Model: resp.Model,
		Choices: []PromptChoice{{
			FinishReason: resp.StopReason,
			Message:      resp.Message,
		}},
		Usage: resp.Usage,
	})
}

// renderPrompt evaluates message contents against the current input. Contents
// carrying the expression prefix are evaluated; other contents are literals.
func (a *Activities) renderPrompt(ctx context.Context, sc *execution.StepContext, step *tasks.Step, input any) ([]model.Message, error) {
	messages := make([]model.Message, 0, len(step.Prompt))
	for i, m := range step.Prompt {
		v, err := a.eval.EvalString(ctx, m.Content, input, sc.UserState)
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "prompt message %d at %s", i, sc.Cursor)
		}
		content, ok := v.(string)
		if !ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, execution.WrapError(execution.KindBadInput, err, "prompt message %d at %s", i, sc.Cursor)
			}
			content = string(raw)
		}
		messages = append(messages, model.Message{Role: model.Role(m.Role), Content: content})
	}
	return messages, nil
}

// promptTools exposes the task's tool declarations to the model. Function
// tools carry their declared schema; other tool types are exposed by name so
// the model can request them and the engine dispatches the execution.
func promptTools(tools []tasks.Tool) []model.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		def := model.ToolDefinition{Name: t.Name}
		if t.Function != nil {
			def.Description = t.Function.Description
			def.Parameters = t.Function.Parameters
		}
		defs = append(defs, def)
	}
	return defs
}
