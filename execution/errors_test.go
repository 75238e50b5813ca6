package execution

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindErrorIs(t *testing.T) {
	err := NewError(KindConflict, "seq %d already committed", 4)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrBadInput))

	wrapped := fmt.Errorf("append: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestWrapErrorChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(KindTransient, cause, "mongo append")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(NewError(KindBadInput, "bad")))
	assert.False(t, Retryable(NewError(KindNotFound, "gone")))
	assert.False(t, Retryable(NewError(KindCancelled, "stop")))
	assert.False(t, Retryable(NewError(KindNotImplemented, "todo")))
	assert.False(t, Retryable(NewError(KindIllegalTransition, "nope")))
	assert.False(t, Retryable(NewError(KindConflict, "lost cas")))
	assert.True(t, Retryable(NewError(KindTransient, "flaky")))
	assert.True(t, Retryable(NewError(KindActivityFailure, "boom")))
	assert.True(t, Retryable(errors.New("untagged")))
}
