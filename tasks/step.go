package tasks

import (
	"errors"
	"fmt"
)

// StepKind discriminates the closed set of step variants a workflow may
// contain. Exactly one variant is populated per Step; Kind reports which.
type StepKind string

const (
	KindPrompt       StepKind = "prompt"
	KindToolCall     StepKind = "tool_call"
	KindEvaluate     StepKind = "evaluate"
	KindWaitForInput StepKind = "wait_for_input"
	KindIfElse       StepKind = "if_else"
	KindSwitch       StepKind = "switch"
	KindForeach      StepKind = "foreach"
	KindMapReduce    StepKind = "map_reduce"
	KindParallel     StepKind = "parallel"
	KindYield        StepKind = "yield"
	KindSleep        StepKind = "sleep"
	KindError        StepKind = "error"
	KindSet          StepKind = "set"
	KindGet          StepKind = "get"
	KindReturn       StepKind = "return"
	KindLog          StepKind = "log"
	KindUnknown      StepKind = ""
)

type (
	// Step is one typed instruction in a workflow. It is a tagged union: the
	// populated field group determines the variant (see Kind). The flat shape
	// mirrors the task document format, where sibling keys such as if/then/else
	// or over/map/reduce together form a single step.
	Step struct {
		// Log emits a message and passes the current input through unchanged.
		Log string `json:"log,omitempty" yaml:"log,omitempty"`

		// Evaluate is a jq program applied to the current input; its result
		// becomes the step output.
		Evaluate string `json:"evaluate,omitempty" yaml:"evaluate,omitempty"`

		// Return finishes the enclosing workflow with the result of the given
		// expression. An empty expression returns the current input.
		Return *string `json:"return,omitempty" yaml:"return,omitempty"`

		// Set merges the evaluated values into the execution's user state.
		Set map[string]string `json:"set,omitempty" yaml:"set,omitempty"`

		// Get reads a key from the user state; missing keys yield null.
		Get string `json:"get,omitempty" yaml:"get,omitempty"`

		// Sleep pauses the execution for the given duration via a durable timer.
		Sleep *SleepFor `json:"sleep,omitempty" yaml:"sleep,omitempty"`

		// Error fails the execution with the given message.
		Error string `json:"error,omitempty" yaml:"error,omitempty"`

		// Workflow names another workflow of the task to yield to, with
		// Arguments evaluated against the current input.
		Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`

		// WaitForInput suspends the execution until external input arrives.
		WaitForInput *WaitForInput `json:"wait_for_input,omitempty" yaml:"wait_for_input,omitempty"`

		// If/Then/Else run Then when the condition evaluates truthy, otherwise
		// Else (when present).
		If   string `json:"if,omitempty" yaml:"if,omitempty"`
		Then *Step  `json:"then,omitempty" yaml:"then,omitempty"`
		Else *Step  `json:"else,omitempty" yaml:"else,omitempty"`

		// Switch runs the first case whose condition matches; "_" always matches.
		Switch []CaseThen `json:"switch,omitempty" yaml:"switch,omitempty"`

		// Foreach runs Do once per item of In, serially.
		Foreach *ForeachDo `json:"foreach,omitempty" yaml:"foreach,omitempty"`

		// Over/Map/Reduce: run Map once per item of Over (optionally with
		// bounded parallelism), then left-fold the ordered outputs with Reduce
		// seeded by Initial.
		Over        string `json:"over,omitempty" yaml:"over,omitempty"`
		Map         *Step  `json:"map,omitempty" yaml:"map,omitempty"`
		Reduce      string `json:"reduce,omitempty" yaml:"reduce,omitempty"`
		Initial     any    `json:"initial,omitempty" yaml:"initial,omitempty"`
		Parallelism int    `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

		// Prompt sends the rendered messages to the model. When the model
		// requests tool calls and AutoRunTools is set, the engine dispatches
		// them and feeds results back.
		Prompt       []PromptMessage `json:"prompt,omitempty" yaml:"prompt,omitempty"`
		Unwrap       bool            `json:"unwrap,omitempty" yaml:"unwrap,omitempty"`
		AutoRunTools bool            `json:"auto_run_tools,omitempty" yaml:"auto_run_tools,omitempty"`
		Settings     *PromptSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

		// Tool invokes the named task tool with the evaluated arguments.
		Tool      string            `json:"tool,omitempty" yaml:"tool,omitempty"`
		Arguments map[string]string `json:"arguments,omitempty" yaml:"arguments,omitempty"`

		// Parallel is reserved; executions fail with a not-implemented error.
		Parallel []Step `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	}

	// SleepFor expresses a sleep duration in calendar units. The total must be
	// strictly positive.
	SleepFor struct {
		Seconds int `json:"seconds,omitempty" yaml:"seconds,omitempty"`
		Minutes int `json:"minutes,omitempty" yaml:"minutes,omitempty"`
		Hours   int `json:"hours,omitempty" yaml:"hours,omitempty"`
		Days    int `json:"days,omitempty" yaml:"days,omitempty"`
	}

	// WaitForInput carries the payload surfaced to whoever resumes the
	// execution. Values are expressions evaluated against the current input.
	WaitForInput struct {
		Info map[string]string `json:"info,omitempty" yaml:"info,omitempty"`
	}

	// CaseThen is one arm of a switch step.
	CaseThen struct {
		// Case is the condition expression; the literal "_" always matches.
		Case string `json:"case" yaml:"case"`
		Then *Step  `json:"then" yaml:"then"`
	}

	// ForeachDo is the body of a foreach step.
	ForeachDo struct {
		// In is an expression producing the list to iterate.
		In string `json:"in" yaml:"in"`
		Do *Step  `json:"do" yaml:"do"`
	}

	// PromptMessage is one chat message of a prompt step. Content is an
	// expression-free literal unless it starts with "$ ", in which case the
	// remainder is evaluated against the current input.
	PromptMessage struct {
		Role    string `json:"role" yaml:"role"`
		Content string `json:"content" yaml:"content"`
	}

	// PromptSettings selects the model and sampling parameters for a prompt step.
	PromptSettings struct {
		Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
		Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
		MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	}
)

// TotalSeconds returns the sleep duration collapsed to seconds.
func (s *SleepFor) TotalSeconds() int {
	return s.Seconds + s.Minutes*60 + s.Hours*60*60 + s.Days*24*60*60
}

// Kind reports the step variant. The checks are ordered so that sibling keys
// (then/else, map/reduce, arguments) never shadow the discriminating key.
func (s *Step) Kind() StepKind {
	switch {
	case len(s.Prompt) > 0:
		return KindPrompt
	case s.Tool != "":
		return KindToolCall
	case s.Evaluate != "":
		return KindEvaluate
	case s.WaitForInput != nil:
		return KindWaitForInput
	case s.If != "":
		return KindIfElse
	case len(s.Switch) > 0:
		return KindSwitch
	case s.Foreach != nil:
		return KindForeach
	case s.Over != "":
		return KindMapReduce
	case len(s.Parallel) > 0:
		return KindParallel
	case s.Workflow != "":
		return KindYield
	case s.Sleep != nil:
		return KindSleep
	case s.Error != "":
		return KindError
	case len(s.Set) > 0:
		return KindSet
	case s.Get != "":
		return KindGet
	case s.Return != nil:
		return KindReturn
	case s.Log != "":
		return KindLog
	default:
		return KindUnknown
	}
}

// Validate checks the step's internal consistency. It does not evaluate
// expressions; malformed programs surface when the step runs.
func (s *Step) Validate() error {
	switch s.Kind() {
	case KindUnknown:
		return errors.New("step has no recognized variant")
	case KindIfElse:
		if s.Then == nil {
			return errors.New("if step requires a then branch")
		}
		if err := s.Then.Validate(); err != nil {
			return fmt.Errorf("then: %w", err)
		}
		if s.Else != nil {
			if err := s.Else.Validate(); err != nil {
				return fmt.Errorf("else: %w", err)
			}
		}
	case KindSwitch:
		for i, c := range s.Switch {
			if c.Case == "" {
				return fmt.Errorf("switch case %d: empty condition", i)
			}
			if c.Then == nil {
				return fmt.Errorf("switch case %d: missing then", i)
			}
			if err := c.Then.Validate(); err != nil {
				return fmt.Errorf("switch case %d: %w", i, err)
			}
		}
	case KindForeach:
		if s.Foreach.In == "" {
			return errors.New("foreach step requires an in expression")
		}
		if s.Foreach.Do == nil {
			return errors.New("foreach step requires a do step")
		}
		if err := s.Foreach.Do.Validate(); err != nil {
			return fmt.Errorf("foreach do: %w", err)
		}
	case KindMapReduce:
		if s.Map == nil {
			return errors.New("map-reduce step requires a map step")
		}
		if s.Parallelism < 0 {
			return errors.New("map-reduce parallelism must not be negative")
		}
		if err := s.Map.Validate(); err != nil {
			return fmt.Errorf("map: %w", err)
		}
	case KindSleep:
		if s.Sleep.TotalSeconds() <= 0 {
			return errors.New("sleep duration must be greater than 0")
		}
	case KindPrompt:
		for i, m := range s.Prompt {
			if m.Role == "" {
				return fmt.Errorf("prompt message %d: missing role", i)
			}
		}
	}
	return nil
}
