package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/itsbrex/julep/execution"
	"github.com/itsbrex/julep/tasks"
)

// ToolCallRequest is the resolved tool invocation a tool_call step produces.
// The driver routes it to the executor matching its type, or suspends for
// function tools.
type ToolCallRequest struct {
	Type        tasks.ToolType        `json:"type"`
	Name        string                `json:"name"`
	Arguments   map[string]any        `json:"arguments,omitempty"`
	Function    *tasks.FunctionDef    `json:"function,omitempty"`
	Integration *tasks.IntegrationDef `json:"integration,omitempty"`
	APICall     *tasks.APICallDef     `json:"api_call,omitempty"`
	System      *tasks.SystemDef      `json:"system,omitempty"`
}

// ToolCallStep resolves the named tool and evaluates its arguments. The
// outcome is a ToolCallRequest document; execution happens in a follow-up
// executor activity or, for function tools, externally.
func (a *Activities) ToolCallStep(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	step, err := currentStep(in)
	if err != nil {
		return nil, err
	}
	if step.Kind() != tasks.KindToolCall {
		return nil, execution.NewError(execution.KindBadInput, "cursor %s does not name a tool_call step", in.Context.Cursor)
	}
	tool, ok := in.Context.Execution.Task.ToolNamed(step.Tool)
	if !ok {
		return nil, execution.NewError(execution.KindNotFound, "tool %q not declared by task %q", step.Tool, in.Context.Execution.Task.Name)
	}
	input, err := currentInput(in.Context)
	if err != nil {
		return nil, err
	}
	args, err := a.eval.EvalMap(ctx, step.Arguments, input, in.Context.UserState)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "tool arguments at %s", in.Context.Cursor)
	}
	return outcome(ToolCallRequest{
		Type:        tool.Type,
		Name:        tool.Name,
		Arguments:   args,
		Function:    tool.Function,
		Integration: tool.Integration,
		APICall:     tool.APICall,
		System:      tool.System,
	})
}

func decodeToolCallRequest(in *execution.ActivityInput) (*ToolCallRequest, error) {
	if in == nil || len(in.Payload) == 0 {
		return nil, execution.NewError(execution.KindBadInput, "tool executor requires a tool call payload")
	}
	var req ToolCallRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "decode tool call payload")
	}
	return &req, nil
}

// ExecuteIntegration runs a provider-hosted integration tool.
func (a *Activities) ExecuteIntegration(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	req, err := decodeToolCallRequest(in)
	if err != nil {
		return nil, err
	}
	if req.Integration == nil {
		return nil, execution.NewError(execution.KindBadInput, "tool %q has no integration definition", req.Name)
	}
	if a.integrations == nil {
		return nil, execution.NewError(execution.KindNotImplemented, "no integration executor configured")
	}
	// Declared arguments are defaults; evaluated step arguments win.
	args := make(map[string]any, len(req.Integration.Arguments)+len(req.Arguments))
	for k, v := range req.Integration.Arguments {
		args[k] = v
	}
	for k, v := range req.Arguments {
		args[k] = v
	}
	out, err := a.integrations.Execute(ctx, req.Integration, args)
	if err != nil {
		return nil, execution.WrapError(execution.KindActivityFailure, err, "integration %s/%s", req.Integration.Provider, req.Integration.Method)
	}
	return &execution.StepOutcome{Output: out}, nil
}

// ExecuteSystem runs an internal platform operation tool.
func (a *Activities) ExecuteSystem(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	req, err := decodeToolCallRequest(in)
	if err != nil {
		return nil, err
	}
	if req.System == nil {
		return nil, execution.NewError(execution.KindBadInput, "tool %q has no system definition", req.Name)
	}
	if a.systems == nil {
		return nil, execution.NewError(execution.KindNotImplemented, "no system executor configured")
	}
	args := make(map[string]any, len(req.System.Arguments)+len(req.Arguments))
	for k, v := range req.System.Arguments {
		args[k] = v
	}
	for k, v := range req.Arguments {
		args[k] = v
	}
	out, err := a.systems.Execute(ctx, req.System, args)
	if err != nil {
		return nil, execution.WrapError(execution.KindActivityFailure, err, "system %s.%s", req.System.Resource, req.System.Operation)
	}
	return &execution.StepOutcome{Output: out}, nil
}

// APICallResult is the output document of an api_call tool execution.
type APICallResult struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	JSON       json.RawMessage     `json:"json,omitempty"`
	Text       string              `json:"text,omitempty"`
}

// ExecuteAPICall performs the HTTP request an api_call tool describes.
// Recognized arguments: "json" (request body), "params" (query parameters),
// "headers" (additional headers). The "json_" argument key is an alias for
// "json" so task authors can sidestep reserved words.
func (a *Activities) ExecuteAPICall(ctx context.Context, in *execution.ActivityInput) (*execution.StepOutcome, error) {
	req, err := decodeToolCallRequest(in)
	if err != nil {
		return nil, err
	}
	if req.APICall == nil {
		return nil, execution.NewError(execution.KindBadInput, "tool %q has no api_call definition", req.Name)
	}
	def := req.APICall

	args := make(map[string]any, len(req.Arguments))
	for k, v := range req.Arguments {
		if k == "json_" {
			k = "json"
		}
		args[k] = v
	}

	target, err := url.Parse(def.URL)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "api_call url %q", def.URL)
	}
	if params, ok := args["params"].(map[string]any); ok {
		q := target.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if doc, ok := args["json"]; ok {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, execution.WrapError(execution.KindBadInput, err, "encode api_call body")
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, def.Method, target.String(), body)
	if err != nil {
		return nil, execution.WrapError(execution.KindBadInput, err, "build api_call request")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range def.Headers {
		httpReq.Header.Set(k, v)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := a.http
	if def.FollowRedirects != nil && !*def.FollowRedirects {
		noRedirect := *client
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &noRedirect
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, execution.WrapError(execution.KindTransient, err, "api_call %s %s", def.Method, def.URL)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, execution.WrapError(execution.KindTransient, err, "read api_call response")
	}

	result := APICallResult{StatusCode: resp.StatusCode, Headers: resp.Header}
	if json.Valid(payload) && len(payload) > 0 {
		result.JSON = payload
	} else {
		result.Text = string(payload)
	}
	return outcome(result)
}
