package temporal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"

	"github.com/itsbrex/julep/engine"
)

func TestMapSignalErrorNotFound(t *testing.T) {
	got := mapSignalError(serviceerror.NewNotFound("workflow execution not found"))
	require.ErrorIs(t, got, engine.ErrWorkflowNotFound)
	require.Contains(t, got.Error(), "workflow execution not found")
}

func TestMapSignalErrorCompletedRun(t *testing.T) {
	got := mapSignalError(serviceerror.NewFailedPrecondition("workflow execution already completed"))
	require.ErrorIs(t, got, engine.ErrWorkflowCompleted)
}

func TestMapSignalErrorWrappedServiceError(t *testing.T) {
	// Service errors may arrive wrapped by gRPC interceptors; matching is on
	// the chain, not the top error.
	wrapped := fmt.Errorf("signal execution/42: %w", serviceerror.NewNotFound("no such run"))
	require.ErrorIs(t, mapSignalError(wrapped), engine.ErrWorkflowNotFound)
}

func TestMapSignalErrorPassthrough(t *testing.T) {
	require.NoError(t, mapSignalError(nil))

	transport := errors.New("connection refused")
	got := mapSignalError(transport)
	require.ErrorIs(t, got, transport)
	require.NotErrorIs(t, got, engine.ErrWorkflowNotFound)
	require.NotErrorIs(t, got, engine.ErrWorkflowCompleted)
}
