package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/itsbrex/julep/tasks"
)

// Status is the externally visible lifecycle state of an execution.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusStarting      Status = "starting"
	StatusAwaitingInput Status = "awaiting_input"
	StatusRunning       Status = "running"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether the status admits no further progress.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

type (
	// Execution is one attempt to run a task with a given argument bundle.
	Execution struct {
		ID          uuid.UUID       `json:"id" bson:"_id"`
		TaskID      uuid.UUID       `json:"task_id" bson:"task_id"`
		DeveloperID uuid.UUID       `json:"developer_id" bson:"developer_id"`
		Input       json.RawMessage `json:"input,omitempty" bson:"input,omitempty"`
		Status      Status          `json:"status" bson:"status"`
		Output      json.RawMessage `json:"output,omitempty" bson:"output,omitempty"`
		Error       string          `json:"error,omitempty" bson:"error,omitempty"`
		CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
		UpdatedAt   time.Time       `json:"updated_at" bson:"updated_at"`
	}

	// Input is the immutable bundle handed to the workflow driver at start:
	// the task definition plus the execution's identity and arguments.
	Input struct {
		Task        *tasks.Task     `json:"task"`
		ExecutionID uuid.UUID       `json:"execution_id"`
		DeveloperID uuid.UUID       `json:"developer_id"`
		Arguments   json.RawMessage `json:"arguments,omitempty"`
	}

	// StepContext is the per-step view activities consume: the execution
	// input, the cursor, and the current value flowing through the program.
	// A fresh context is built for every step; activities never mutate it.
	StepContext struct {
		Execution *Input          `json:"execution"`
		Cursor    Target          `json:"cursor"`
		Input     json.RawMessage `json:"input,omitempty"`
		UserState map[string]any  `json:"user_state,omitempty"`
		LastError string          `json:"last_error,omitempty"`
	}

	// RunInput is the workflow driver's argument. Continuations carry the
	// committed tail of the previous run so the driver validates successor
	// legality without re-reading the log.
	RunInput struct {
		Execution *Input          `json:"execution"`
		Cursor    Target          `json:"cursor"`
		Input     json.RawMessage `json:"input,omitempty"`
		UserState map[string]any  `json:"user_state,omitempty"`
		// Resumed marks sequential continuations; fresh runs emit init.
		Resumed  bool           `json:"resumed,omitempty"`
		LastType TransitionType `json:"last_type,omitempty"`
		LastSeq  int64          `json:"last_seq,omitempty"`
	}

	// RunOutput is the terminal result of one workflow run (or branch).
	RunOutput struct {
		Output json.RawMessage `json:"output,omitempty"`
	}

	// ActivityInput is the envelope every step activity receives: the step
	// context plus a variant-specific payload.
	ActivityInput struct {
		Context *StepContext    `json:"context"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// Signal names the driver recognizes.
const (
	// SignalSetLastError records the most recent external error payload; the
	// value is stamped into subsequent commits for observability.
	SignalSetLastError = "set_last_error"
	// SignalResume delivers external input to a waiting execution.
	SignalResume = "resume_with_input"
	// SignalCancel requests cooperative cancellation.
	SignalCancel = "cancel"
)

type (
	// LastErrorInput is the payload of the set_last_error signal.
	LastErrorInput struct {
		Message string `json:"message"`
	}

	// ResumeInput is the payload of the resume_with_input signal.
	ResumeInput struct {
		Input json.RawMessage `json:"input,omitempty"`
	}

	// CancelInput is the payload of the cancel signal.
	CancelInput struct {
		Reason string `json:"reason,omitempty"`
	}

	// TransitionRequest asks the transition activity to resolve, validate, and
	// commit a partial transition against the log tail the driver last saw.
	TransitionRequest struct {
		Context  *StepContext      `json:"context"`
		Partial  PartialTransition `json:"partial"`
		LastType TransitionType    `json:"last_type,omitempty"`
		LastSeq  int64             `json:"last_seq"`
	}

	// BlobRequest asks the blob activity to offload (save) or resolve (load)
	// payloads out of band.
	BlobRequest struct {
		Save     bool              `json:"save"`
		Payloads []json.RawMessage `json:"payloads"`
	}

	// BlobResponse carries the transformed payloads in request order.
	BlobResponse struct {
		Payloads []json.RawMessage `json:"payloads"`
	}
)

// CurrentStep resolves the step the context's cursor names.
func (c *StepContext) CurrentStep() (*tasks.Step, error) {
	return ResolveStep(c.Execution.Task, c.Cursor)
}

// IsMain reports whether the context executes in the top-level main workflow.
func (c *StepContext) IsMain() bool { return c.Cursor.IsMain() }

// IsFirstStep reports whether the context sits at the first step of its scope.
func (c *StepContext) IsFirstStep() bool { return c.Cursor.IsFirst() }

// Tools exposes the task's tool declarations.
func (c *StepContext) Tools() []tasks.Tool { return c.Execution.Task.Tools }

// InitType returns the transition type that opens this run's scope.
func (r *RunInput) InitType() TransitionType {
	if r.Cursor.IsMain() && r.Cursor.IsFirst() {
		return TransitionInit
	}
	return TransitionInitBranch
}
