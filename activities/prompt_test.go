package activities

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/model"
	"github.com/itsbrex/julep/tasks"
)

type fakeModel struct {
	req  *model.Request
	resp *model.Response
	err  error
}

func (f *fakeModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.req = req
	return f.resp, f.err
}

func promptStep(settings *tasks.PromptSettings) tasks.Step {
	return tasks.Step{
		Prompt: []tasks.PromptMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "$ .question"},
		},
		Settings: settings,
	}
}

func TestPromptStep(t *testing.T) {
	temp := 0.2
	fake := &fakeModel{resp: &model.Response{
		Model:      "gpt-4o",
		Message:    model.Message{Role: model.RoleAssistant, Content: "blue"},
		StopReason: model.StopReasonStop,
		Usage:      model.TokenUsage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12},
	}}
	a := newTestActivities(t, func(o *Options) { o.Model = fake })

	step := promptStep(&tasks.PromptSettings{Model: "gpt-4o", Temperature: &temp, MaxTokens: 64})
	in := mainStepInput([]tasks.Step{step}, `{"question":"sky color?"}`)
	in.Context.Execution.Task.Tools = []tasks.Tool{{
		Name: "lookup",
		Type: tasks.ToolFunction,
		Function: &tasks.FunctionDef{
			Description: "Look things up.",
			Parameters:  map[string]any{"type": "object"},
		},
	}}

	out, err := a.PromptStep(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, "gpt-4o", fake.req.Model)
	require.Equal(t, float32(0.2), fake.req.Temperature)
	require.Equal(t, 64, fake.req.MaxTokens)
	require.Len(t, fake.req.Messages, 2)
	require.Equal(t, "You are terse.", fake.req.Messages[0].Content)
	require.Equal(t, "sky color?", fake.req.Messages[1].Content)
	require.Len(t, fake.req.Tools, 1)
	require.Equal(t, "lookup", fake.req.Tools[0].Name)

	var resp PromptResponse
	require.NoError(t, json.Unmarshal(out.Output, &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, model.StopReasonStop, resp.Choices[0].FinishReason)
	require.Equal(t, "blue", resp.Choices[0].Message.Content)
	require.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestPromptStepUnwrap(t *testing.T) {
	fake := &fakeModel{resp: &model.Response{
		Message:    model.Message{Role: model.RoleAssistant, Content: "blue"},
		StopReason: model.StopReasonStop,
	}}
	a := newTestActivities(t, func(o *Options) { o.Model = fake })

	step := promptStep(nil)
	step.Unwrap = true
	in := mainStepInput([]tasks.Step{step}, `{"question":"sky color?"}`)

	out, err := a.PromptStep(context.Background(), in)
	require.NoError(t, err)
	require.JSONEq(t, `"blue"`, string(out.Output))
}

func TestPromptStepUnwrapRejectsToolCalls(t *testing.T) {
	fake := &fakeModel{resp: &model.Response{
		Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{{ID: "call_1", Name: "lookup"}},
		},
		StopReason: model.StopReasonToolCalls,
	}}
	a := newTestActivities(t, func(o *Options) { o.Model = fake })

	step := promptStep(nil)
	step.Unwrap = true
	in := mainStepInput([]tasks.Step{step}, `{"question":"sky color?"}`)

	_, err := a.PromptStep(context.Background(), in)
	require.ErrorIs(t, err, execution.ErrBadInput)
}

func TestPromptStepAppendsPayloadMessages(t *testing.T) {
	fake := &fakeModel{resp: &model.Response{
		Message:    model.Message{Role: model.RoleAssistant, Content: "done"},
		StopReason: model.StopReasonStop,
	}}
	a := newTestActivities(t, func(o *Options) { o.Model = fake })

	in := mainStepInput([]tasks.Step{promptStep(nil)}, `{"question":"sky color?"}`)
	payload, err := json.Marshal(PromptPayload{Messages: []model.Message{
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "call_1", Name: "lookup"}}},
		{Role: model.RoleTool, ToolCallID: "call_1", Content: `{"answer":"blue"}`},
	}})
	require.NoError(t, err)
	in.Payload = payload

	_, err = a.PromptStep(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, fake.req.Messages, 4)
	require.Equal(t, model.RoleTool, fake.req.Messages[3].Role)
	require.Equal(t, "call_1", fake.req.Messages[3].ToolCallID)
}

func TestPromptStepNoModel(t *testing.T) {
	a := newTestActivities(t)
	in := mainStepInput([]tasks.Step{promptStep(nil)}, `null`)

	_, err := a.PromptStep(context.Background(), in)
	require.ErrorIs(t, err, execution.ErrNotImplemented)
}
