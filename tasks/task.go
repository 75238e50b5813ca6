// Package tasks models declarative agent tasks: named graphs of workflows
// whose ordered steps the execution engine interprets. Tasks are authored as
// YAML documents; the package decodes them, validates their shape, and checks
// execution input against the task's declared JSON schema.
package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// MainWorkflow is the entry point workflow every task must define.
const MainWorkflow = "main"

type (
	// Task is a named collection of workflows plus the tools its steps may
	// invoke. Workflow "main" is the entry point; other workflows are reached
	// via yield steps.
	Task struct {
		ID          uuid.UUID      `json:"id,omitempty" yaml:"id,omitempty"`
		Name        string         `json:"name" yaml:"name"`
		Description string         `json:"description,omitempty" yaml:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
		Tools       []Tool         `json:"tools,omitempty" yaml:"tools,omitempty"`
		Workflows   []Workflow     `json:"workflows" yaml:"-"`
	}

	// Workflow is an ordered list of steps under a unique name.
	Workflow struct {
		Name  string `json:"name" yaml:"name"`
		Steps []Step `json:"steps" yaml:"steps"`
	}

	// ToolType discriminates how a tool call is executed.
	ToolType string

	// Tool declares a callable a tool-call or prompt step may reference.
	Tool struct {
		Name        string          `json:"name" yaml:"name"`
		Type        ToolType        `json:"type" yaml:"type"`
		Function    *FunctionDef    `json:"function,omitempty" yaml:"function,omitempty"`
		Integration *IntegrationDef `json:"integration,omitempty" yaml:"integration,omitempty"`
		APICall     *APICallDef     `json:"api_call,omitempty" yaml:"api_call,omitempty"`
		System      *SystemDef      `json:"system,omitempty" yaml:"system,omitempty"`
	}

	// FunctionDef describes a function tool fulfilled by the caller: the
	// engine suspends until the tool result is supplied externally.
	FunctionDef struct {
		Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
		Description string         `json:"description,omitempty" yaml:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	}

	// IntegrationDef describes a provider-hosted integration call.
	IntegrationDef struct {
		Provider  string         `json:"provider" yaml:"provider"`
		Method    string         `json:"method,omitempty" yaml:"method,omitempty"`
		Setup     map[string]any `json:"setup,omitempty" yaml:"setup,omitempty"`
		Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	}

	// APICallDef describes a plain HTTP call tool.
	APICallDef struct {
		Method          string            `json:"method" yaml:"method"`
		URL             string            `json:"url" yaml:"url"`
		Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
		FollowRedirects *bool             `json:"follow_redirects,omitempty" yaml:"follow_redirects,omitempty"`
	}

	// SystemDef describes an internal platform operation tool.
	SystemDef struct {
		Resource  string         `json:"resource" yaml:"resource"`
		Operation string         `json:"operation" yaml:"operation"`
		Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	}
)

const (
	ToolFunction    ToolType = "function"
	ToolIntegration ToolType = "integration"
	ToolAPICall     ToolType = "api_call"
	ToolSystem      ToolType = "system"
)

// ParseYAML decodes a task document. Reserved keys (name, description,
// input_schema, tools) configure the task; every other top-level key whose
// value is a step sequence becomes a workflow of that name.
func ParseYAML(doc []byte) (*Task, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("decode task document: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errors.New("empty task document")
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, errors.New("task document must be a mapping")
	}

	var t Task
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, val := mapping.Content[i], mapping.Content[i+1]
		switch key.Value {
		case "id":
			if err := val.Decode(&t.ID); err != nil {
				return nil, fmt.Errorf("decode id: %w", err)
			}
		case "name":
			t.Name = val.Value
		case "description":
			t.Description = val.Value
		case "input_schema":
			if err := val.Decode(&t.InputSchema); err != nil {
				return nil, fmt.Errorf("decode input_schema: %w", err)
			}
		case "tools":
			if err := val.Decode(&t.Tools); err != nil {
				return nil, fmt.Errorf("decode tools: %w", err)
			}
		default:
			if val.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("workflow %q must be a step sequence", key.Value)
			}
			var steps []Step
			if err := val.Decode(&steps); err != nil {
				return nil, fmt.Errorf("decode workflow %q: %w", key.Value, err)
			}
			t.Workflows = append(t.Workflows, Workflow{Name: key.Value, Steps: steps})
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the task's structural invariants: a main workflow exists,
// workflow names are unique, and every step carries a recognized variant.
func (t *Task) Validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if len(t.Workflows) == 0 {
		return errors.New("task defines no workflows")
	}
	seen := make(map[string]struct{}, len(t.Workflows))
	hasMain := false
	for _, wf := range t.Workflows {
		if _, dup := seen[wf.Name]; dup {
			return fmt.Errorf("duplicate workflow %q", wf.Name)
		}
		seen[wf.Name] = struct{}{}
		if wf.Name == MainWorkflow {
			hasMain = true
		}
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %q has no steps", wf.Name)
		}
		for i := range wf.Steps {
			if err := wf.Steps[i].Validate(); err != nil {
				return fmt.Errorf("workflow %q step %d: %w", wf.Name, i, err)
			}
		}
	}
	if !hasMain {
		return fmt.Errorf("task is missing the %q workflow", MainWorkflow)
	}
	for i, tool := range t.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool %d: missing name", i)
		}
		switch tool.Type {
		case ToolFunction, ToolIntegration, ToolAPICall, ToolSystem:
		default:
			return fmt.Errorf("tool %q: unknown type %q", tool.Name, tool.Type)
		}
	}
	return nil
}

// WorkflowNamed returns the workflow with the given name.
func (t *Task) WorkflowNamed(name string) (*Workflow, bool) {
	for i := range t.Workflows {
		if t.Workflows[i].Name == name {
			return &t.Workflows[i], true
		}
	}
	return nil, false
}

// ToolNamed returns the tool declaration with the given name.
func (t *Task) ToolNamed(name string) (*Tool, bool) {
	for i := range t.Tools {
		if t.Tools[i].Name == name {
			return &t.Tools[i], true
		}
	}
	return nil, false
}

// ValidateInput checks the execution input against the task's input schema.
// Tasks without a schema accept any input.
func (t *Task) ValidateInput(input any) error {
	if len(t.InputSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return fmt.Errorf("encode input schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task:input_schema", doc); err != nil {
		return fmt.Errorf("register input schema: %w", err)
	}
	schema, err := compiler.Compile("task:input_schema")
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	// Round-trip the input so custom Go types validate as their JSON shape.
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("input does not match task schema: %w", err)
	}
	return nil
}
