package anthropic_test

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/itsbrex/julep/model"
	anthropicmodel "github.com/itsbrex/julep/model/anthropic"
)

type mockMessages struct {
	captured sdk.MessageNewParams
	response *sdk.Message
	err      error
}

func (m *mockMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	m.captured = body
	return m.response, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockMessages{}
	client, err := anthropicmodel.New(mock, anthropicmodel.Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	var resp sdk.Message
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "toolu_1", "name": "lookup", "input": {"query": "docs"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`), &resp))
	mock.response = &resp

	out, err := client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be terse"},
			{Role: model.RoleUser, Content: "ping"},
		},
		Tools: []model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			Parameters:  map[string]any{"type": "object"},
		}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	require.Equal(t, "checking", out.Message.Content)
	require.Len(t, out.Message.ToolCalls, 1)
	require.Equal(t, "lookup", out.Message.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"docs"}`, string(out.Message.ToolCalls[0].Arguments))
	require.Equal(t, model.StopReasonToolCalls, out.StopReason)
	require.Equal(t, 19, out.Usage.TotalTokens)

	params := mock.captured
	require.Equal(t, int64(256), params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Equal(t, "be terse", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	require.Len(t, params.Tools, 1)
}

func TestClientCompleteToolResult(t *testing.T) {
	mock := &mockMessages{}
	client, err := anthropicmodel.New(mock, anthropicmodel.Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	var resp sdk.Message
	require.NoError(t, json.Unmarshal([]byte(`{
		"content": [{"type": "text", "text": "42"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`), &resp))
	mock.response = &resp

	out, err := client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "call the tool"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "toolu_1", Name: "lookup", Arguments: json.RawMessage(`{}`)}}},
			{Role: model.RoleTool, ToolCallID: "toolu_1", Content: `{"result":42}`},
		},
	})
	require.NoError(t, err)
	require.Equal(t, model.StopReasonStop, out.StopReason)
	// user, assistant tool_use, user tool_result
	require.Len(t, mock.captured.Messages, 3)
}

func TestClientCompleteMissingToolCallID(t *testing.T) {
	mock := &mockMessages{}
	client, err := anthropicmodel.New(mock, anthropicmodel.Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleTool, Content: "orphan result"},
		},
	})
	require.Error(t, err)
}
