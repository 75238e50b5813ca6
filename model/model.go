// Package model provides a provider-agnostic abstraction over chat completion
// APIs (OpenAI, Anthropic) so prompt steps can invoke models without coupling
// to specific SDKs. Implementations translate these normalized types into
// provider-specific formats. Message and tool-call shapes follow the OpenAI
// chat convention since that is the wire format prompt step outputs use.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract prompt steps use to invoke a model. Implementations
	// wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Returns an error wrapping ErrRateLimited when the provider
		// throttled the request.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Middleware wraps a Client with cross-cutting behavior such as rate
	// limiting or tracing.
	Middleware func(Client) Client

	// Role is a chat message role.
	Role string

	// Message is one chat message. Tool results are messages with RoleTool and
	// a ToolCallID referencing the assistant tool call they answer.
	Message struct {
		Role       Role       `json:"role"`
		Content    string     `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		Name       string     `json:"name,omitempty"`
	}

	// ToolCall is a tool invocation requested by the model. Arguments is the
	// raw JSON argument document generated by the model.
	ToolCall struct {
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// ToolDefinition describes a callable exposed to the model for function
	// calling. Parameters is a JSON Schema object describing the arguments.
	ToolDefinition struct {
		Name        string
		Description string
		Parameters  map[string]any
	}

	// Request captures the normalized parameters of a model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// client's configured default.
		Model string

		// Messages is the ordered chat history, including system prompts.
		Messages []Message

		// Temperature controls sampling. Zero means provider default.
		Temperature float32

		// MaxTokens caps completion tokens. Zero means client default.
		MaxTokens int

		// Tools lists the tool schemas exposed to the model. Empty disables
		// function calling.
		Tools []ToolDefinition

		// ToolChoice forces tool behavior: "" or "auto" for provider default,
		// "none" to disable tool use, or a tool name to require that tool.
		ToolChoice string
	}

	// Response is the normalized completion result.
	Response struct {
		// Model echoes the model that produced the response.
		Model string

		// Message is the assistant message, holding generated text and any
		// requested tool calls.
		Message Message

		// StopReason explains why generation stopped: "stop", "tool_calls",
		// "length", or a provider-specific value.
		StopReason string

		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
	}

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

// Chat message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Stop reasons normalized across providers.
const (
	StopReasonStop      = "stop"
	StopReasonToolCalls = "tool_calls"
	StopReasonLength    = "length"
)

// ErrRateLimited indicates the provider throttled the request. Wrapped errors
// match with errors.Is so middlewares can react to throttling uniformly.
var ErrRateLimited = errors.New("model: rate limited")

// Chain applies middlewares to a client, outermost first.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		c = mws[i](c)
	}
	return c
}
