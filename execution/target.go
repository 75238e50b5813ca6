// Package execution defines the durable state machine of a task execution:
// cursors into a task's step program, the append-only transition record, and
// the per-step context the interpreter consumes. The types here are the wire
// contract between the workflow driver, its activities, and the transition
// log, so every field must survive a JSON round trip unchanged.
package execution

import (
	"fmt"
	"strings"

	"github.com/itsbrex/julep/tasks"
)

type (
	// Target is the execution cursor: a workflow name, a step index within it,
	// and a scope path recording nesting inside composite steps. Two targets
	// are equal iff their string forms are equal.
	Target struct {
		Workflow string         `json:"workflow" bson:"workflow"`
		Step     int            `json:"step" bson:"step"`
		Scope    []ScopeSegment `json:"scope,omitempty" bson:"scope,omitempty"`
	}

	// ScopeSegment is one level of composite nesting. Kind names the branch
	// family; Index disambiguates iterations (foreach, map) and switch cases.
	ScopeSegment struct {
		Kind  ScopeKind `json:"kind" bson:"kind"`
		Index int       `json:"index" bson:"index"`
	}

	// ScopeKind names the composite branch a scope segment descends into.
	ScopeKind string
)

const (
	ScopeThen    ScopeKind = "then"
	ScopeElse    ScopeKind = "else"
	ScopeCase    ScopeKind = "case"
	ScopeForeach ScopeKind = "foreach"
	ScopeMap     ScopeKind = "map"
)

// IsMain reports whether the cursor sits in the top-level main workflow,
// outside any composite scope.
func (t Target) IsMain() bool {
	return t.Workflow == tasks.MainWorkflow && len(t.Scope) == 0
}

// IsFirst reports whether the cursor names the first step of its scope.
func (t Target) IsFirst() bool { return t.Step == 0 }

// Child returns a cursor descending into the given composite branch of the
// current step, positioned at that branch's first (only) step.
func (t Target) Child(kind ScopeKind, index int) Target {
	scope := make([]ScopeSegment, len(t.Scope), len(t.Scope)+1)
	copy(scope, t.Scope)
	scope = append(scope, ScopeSegment{Kind: kind, Index: index})
	return Target{Workflow: t.Workflow, Step: t.Step, Scope: scope}
}

// Next returns the cursor advanced by one step within the same scope. The
// caller decides whether that position exists.
func (t Target) Next() Target {
	scope := make([]ScopeSegment, len(t.Scope))
	copy(scope, t.Scope)
	return Target{Workflow: t.Workflow, Step: t.Step + 1, Scope: scope}
}

// String renders the cursor as a stable path, e.g. "main[3]/foreach[7]".
// Used for log lines and deterministic child workflow IDs.
func (t Target) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]", t.Workflow, t.Step)
	for _, seg := range t.Scope {
		fmt.Fprintf(&b, "/%s[%d]", seg.Kind, seg.Index)
	}
	return b.String()
}

// Equal reports cursor equality including the full scope path.
func (t Target) Equal(other Target) bool {
	if t.Workflow != other.Workflow || t.Step != other.Step || len(t.Scope) != len(other.Scope) {
		return false
	}
	for i := range t.Scope {
		if t.Scope[i] != other.Scope[i] {
			return false
		}
	}
	return true
}

// ResolveStep walks the task's step tree to the step the cursor names,
// descending composite branches along the scope path.
func ResolveStep(task *tasks.Task, t Target) (*tasks.Step, error) {
	wf, ok := task.WorkflowNamed(t.Workflow)
	if !ok {
		return nil, NewError(KindNotFound, "workflow %q not found in task %q", t.Workflow, task.Name)
	}
	if t.Step < 0 || t.Step >= len(wf.Steps) {
		return nil, NewError(KindBadInput, "step index %d out of range for workflow %q", t.Step, t.Workflow)
	}
	step := &wf.Steps[t.Step]
	for _, seg := range t.Scope {
		next, err := descend(step, seg)
		if err != nil {
			return nil, err
		}
		step = next
	}
	return step, nil
}

// ScopeSteps returns the number of steps in the cursor's enclosing scope.
// Composite branches always hold exactly one step.
func ScopeSteps(task *tasks.Task, t Target) (int, error) {
	if len(t.Scope) > 0 {
		return 1, nil
	}
	wf, ok := task.WorkflowNamed(t.Workflow)
	if !ok {
		return 0, NewError(KindNotFound, "workflow %q not found in task %q", t.Workflow, task.Name)
	}
	return len(wf.Steps), nil
}

func descend(step *tasks.Step, seg ScopeSegment) (*tasks.Step, error) {
	switch seg.Kind {
	case ScopeThen:
		if step.Then == nil {
			return nil, NewError(KindBadInput, "cursor descends then branch of a step without one")
		}
		return step.Then, nil
	case ScopeElse:
		if step.Else == nil {
			return nil, NewError(KindBadInput, "cursor descends else branch of a step without one")
		}
		return step.Else, nil
	case ScopeCase:
		if seg.Index < 0 || seg.Index >= len(step.Switch) {
			return nil, NewError(KindBadInput, "cursor names switch case %d of %d", seg.Index, len(step.Switch))
		}
		return step.Switch[seg.Index].Then, nil
	case ScopeForeach:
		if step.Foreach == nil || step.Foreach.Do == nil {
			return nil, NewError(KindBadInput, "cursor descends foreach body of a step without one")
		}
		return step.Foreach.Do, nil
	case ScopeMap:
		if step.Map == nil {
			return nil, NewError(KindBadInput, "cursor descends map body of a step without one")
		}
		return step.Map, nil
	default:
		return nil, NewError(KindBadInput, "unknown scope kind %q", seg.Kind)
	}
}
