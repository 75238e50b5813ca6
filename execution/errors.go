package execution

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so dispatch retry policy and the API boundary
// can act on the class rather than the message.
type Kind string

const (
	// KindBadInput marks invalid step shapes or arguments. Terminal, not retried.
	KindBadInput Kind = "bad_input"
	// KindNotFound marks a missing referenced tool, integration, or record.
	KindNotFound Kind = "not_found"
	// KindActivityFailure marks an activity that raised; retried per policy.
	KindActivityFailure Kind = "activity_failure"
	// KindIllegalTransition marks a transition the successor table rejects.
	KindIllegalTransition Kind = "illegal_transition"
	// KindNotImplemented marks unsupported step variants.
	KindNotImplemented Kind = "not_implemented"
	// KindCancelled marks an externally cancelled execution.
	KindCancelled Kind = "cancelled"
	// KindTransient marks connection-level failures surfaced as retryable.
	KindTransient Kind = "transient"
	// KindConflict marks a compare-and-set loss on the transition log.
	KindConflict Kind = "conflict"
)

// KindError is an error tagged with a Kind. It supports errors.Is against the
// package sentinels and errors.As for direct inspection.
type KindError struct {
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching. NewError results match the sentinel of
// their kind.
var (
	ErrBadInput          = &KindError{Kind: KindBadInput, Msg: "bad input"}
	ErrNotFound          = &KindError{Kind: KindNotFound, Msg: "not found"}
	ErrActivityFailure   = &KindError{Kind: KindActivityFailure, Msg: "activity failure"}
	ErrIllegalTransition = &KindError{Kind: KindIllegalTransition, Msg: "illegal transition"}
	ErrNotImplemented    = &KindError{Kind: KindNotImplemented, Msg: "not implemented"}
	ErrCancelled         = &KindError{Kind: KindCancelled, Msg: "cancelled"}
	ErrTransient         = &KindError{Kind: KindTransient, Msg: "transient failure"}
	ErrConflict          = &KindError{Kind: KindConflict, Msg: "conflict"}
)

// NewError constructs a KindError with a formatted message.
func NewError(kind Kind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError constructs a KindError wrapping an underlying cause.
func WrapError(kind Kind, err error, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *KindError) Unwrap() error { return e.Err }

// Is matches any KindError of the same kind, so errors.Is(err, ErrConflict)
// holds for every conflict regardless of message.
func (e *KindError) Is(target error) bool {
	var other *KindError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from an error chain, or "" if untagged.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// Retryable reports whether dispatch may retry the failed operation. The
// non-retryable kinds are terminal by definition; untagged errors are treated
// as retryable activity failures.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBadInput, KindNotFound, KindCancelled, KindNotImplemented, KindIllegalTransition, KindConflict:
		return false
	default:
		return true
	}
}
