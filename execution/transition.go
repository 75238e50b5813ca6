package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TransitionType enumerates the kinds of transition log entries.
type TransitionType string

const (
	// TransitionInit opens a fresh top-level execution.
	TransitionInit TransitionType = "init"
	// TransitionInitBranch opens a composite child scope.
	TransitionInitBranch TransitionType = "init_branch"
	// TransitionStep records a completed non-terminal step.
	TransitionStep TransitionType = "step"
	// TransitionWait suspends the execution pending external input.
	TransitionWait TransitionType = "wait"
	// TransitionResume records externally supplied input after a wait.
	TransitionResume TransitionType = "resume"
	// TransitionError terminates the execution with a failure.
	TransitionError TransitionType = "error"
	// TransitionCancelled terminates the execution after an external cancel.
	TransitionCancelled TransitionType = "cancelled"
	// TransitionFinish terminates the main workflow with its output.
	TransitionFinish TransitionType = "finish"
	// TransitionFinishBranch terminates a composite child scope.
	TransitionFinishBranch TransitionType = "finish_branch"
)

// legalSuccessors is the closed transition table. A nil entry marks a
// terminal type.
var legalSuccessors = map[TransitionType][]TransitionType{
	TransitionInit:         {TransitionWait, TransitionStep, TransitionError, TransitionCancelled},
	TransitionInitBranch:   {TransitionWait, TransitionStep, TransitionError, TransitionCancelled},
	TransitionWait:         {TransitionResume, TransitionStep, TransitionError, TransitionCancelled},
	TransitionResume:       {TransitionWait, TransitionStep, TransitionError, TransitionCancelled, TransitionFinish, TransitionFinishBranch},
	TransitionStep:         {TransitionWait, TransitionStep, TransitionError, TransitionCancelled, TransitionFinish, TransitionFinishBranch},
	TransitionFinish:       nil,
	TransitionFinishBranch: nil,
	TransitionError:        nil,
	TransitionCancelled:    nil,
}

// Terminal reports whether the type ends its execution (or branch scope).
func (t TransitionType) Terminal() bool {
	succ, known := legalSuccessors[t]
	return known && succ == nil
}

// Valid reports whether the type is a member of the closed set.
func (t TransitionType) Valid() bool {
	_, ok := legalSuccessors[t]
	return ok
}

// CanTransition reports whether to may follow from in the transition log.
func CanTransition(from, to TransitionType) bool {
	for _, allowed := range legalSuccessors[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an IllegalTransition error when to may not follow
// from. A zero from admits only the two init types, so the table also guards
// the first entry of a log.
func CheckTransition(from, to TransitionType) error {
	if from == "" {
		if to == TransitionInit || to == TransitionInitBranch {
			return nil
		}
		return NewError(KindIllegalTransition, "execution must open with init or init_branch, got %q", to)
	}
	if !CanTransition(from, to) {
		return NewError(KindIllegalTransition, "transition %q may not follow %q", to, from)
	}
	return nil
}

type (
	// Transition is one committed, append-only log entry. Seq is assigned by
	// the log at append time and is strictly monotonic per execution.
	Transition struct {
		ExecutionID uuid.UUID       `json:"execution_id" bson:"execution_id"`
		Seq         int64           `json:"seq" bson:"seq"`
		Type        TransitionType  `json:"type" bson:"type"`
		Current     Target          `json:"current" bson:"current"`
		Next        *Target         `json:"next,omitempty" bson:"next,omitempty"`
		Output      json.RawMessage `json:"output,omitempty" bson:"output,omitempty"`
		Metadata    map[string]any  `json:"metadata,omitempty" bson:"metadata,omitempty"`
		CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
	}

	// PartialTransition is the interpreter's intent for the next log entry.
	// Unset fields are resolved against the current cursor before commit:
	// Type defaults to step, Next to the cursor's successor in scope (or nil
	// with a finish/finish_branch type at the end of scope).
	PartialTransition struct {
		Type      TransitionType  `json:"type,omitempty"`
		Output    json.RawMessage `json:"output,omitempty"`
		Next      *Target         `json:"next,omitempty"`
		Metadata  map[string]any  `json:"metadata,omitempty"`
		UserState map[string]any  `json:"user_state,omitempty"`
	}

	// StepOutcome is an activity's result for one step. TransitionTo is set
	// only by yield steps, which name both the transition type and the target
	// cursor to continue at.
	StepOutcome struct {
		Output       json.RawMessage `json:"output,omitempty"`
		TransitionTo *TransitionTo   `json:"transition_to,omitempty"`
		Error        string          `json:"error,omitempty"`
	}

	// TransitionTo pairs a transition type with an explicit target cursor.
	TransitionTo struct {
		Type   TransitionType `json:"type"`
		Target Target         `json:"target"`
	}
)

// StatusAfter maps a committed transition type onto the execution status the
// record store should expose.
func StatusAfter(t TransitionType) Status {
	switch t {
	case TransitionInit, TransitionInitBranch:
		return StatusStarting
	case TransitionWait:
		return StatusAwaitingInput
	case TransitionResume, TransitionStep:
		return StatusRunning
	case TransitionFinish, TransitionFinishBranch:
		return StatusSucceeded
	case TransitionError:
		return StatusFailed
	case TransitionCancelled:
		return StatusCancelled
	default:
		return StatusQueued
	}
}
