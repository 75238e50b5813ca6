// Package expr evaluates the jq expressions embedded in task steps. Programs
// run against the step's current input; the execution's user state is bound
// as $state. Compiled programs are cached since tasks re-evaluate the same
// expressions on every iteration of a loop.
package expr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// Prefix marks a string field as an expression rather than a literal.
const Prefix = "$ "

// Evaluator compiles and runs jq programs with a shared compile cache.
// Safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// variables declares the bindings passed to every compiled program; $state
// carries the execution user state.
var variables = []string{"$state"}

// New returns an Evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*gojq.Code)}
}

// IsExpression reports whether the string carries the expression prefix.
func IsExpression(s string) bool { return strings.HasPrefix(s, Prefix) }

// Program strips the expression prefix. Strings without the prefix are
// returned unchanged so stored programs may omit it.
func Program(s string) string { return strings.TrimPrefix(s, Prefix) }

// Eval runs the program against input with user state bound as $state and
// returns the first result. Programs yielding no value return nil.
func (e *Evaluator) Eval(ctx context.Context, program string, input any, state map[string]any) (any, error) {
	code, err := e.compile(program)
	if err != nil {
		return nil, err
	}
	var st any
	if state != nil {
		st = normalize(state)
	}
	iter := code.RunWithContext(ctx, normalize(input), st)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("evaluate %q: %w", program, err)
	}
	return v, nil
}

// EvalString renders a possibly prefixed string: expression strings are
// evaluated, plain strings pass through as literals.
func (e *Evaluator) EvalString(ctx context.Context, s string, input any, state map[string]any) (any, error) {
	if !IsExpression(s) {
		return s, nil
	}
	return e.Eval(ctx, Program(s), input, state)
}

// EvalMap evaluates every value of the map, preserving keys. Non-expression
// values pass through as literals.
func (e *Evaluator) EvalMap(ctx context.Context, m map[string]string, input any, state map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		r, err := e.EvalString(ctx, v, input, state)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

// Truthy applies jq truthiness: false and null are falsy, everything else
// (including 0, "", and empty containers) is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

func (e *Evaluator) compile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	code, hit := e.cache[program]
	e.mu.RUnlock()
	if hit {
		return code, nil
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", program, err)
	}
	code, err = gojq.Compile(query, gojq.WithVariables(variables))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", program, err)
	}
	e.mu.Lock()
	e.cache[program] = code
	e.mu.Unlock()
	return code, nil
}

// normalize coerces values into the forms gojq accepts. Values decoded by
// encoding/json already qualify; typed numbers from elsewhere are widened.
func normalize(v any) any {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int32:
		return int(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return t
	}
}
