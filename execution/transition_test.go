package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		name string
		from TransitionType
		to   TransitionType
		ok   bool
	}{
		{name: "fresh log opens with init", from: "", to: TransitionInit, ok: true},
		{name: "fresh branch log opens with init_branch", from: "", to: TransitionInitBranch, ok: true},
		{name: "fresh log rejects step", from: "", to: TransitionStep, ok: false},
		{name: "init to step", from: TransitionInit, to: TransitionStep, ok: true},
		{name: "init to wait", from: TransitionInit, to: TransitionWait, ok: true},
		{name: "init to finish is illegal", from: TransitionInit, to: TransitionFinish, ok: false},
		{name: "init_branch to finish_branch is illegal", from: TransitionInitBranch, to: TransitionFinishBranch, ok: false},
		{name: "wait to resume", from: TransitionWait, to: TransitionResume, ok: true},
		{name: "wait to wait is illegal", from: TransitionWait, to: TransitionWait, ok: false},
		{name: "wait to finish is illegal", from: TransitionWait, to: TransitionFinish, ok: false},
		{name: "resume to finish", from: TransitionResume, to: TransitionFinish, ok: true},
		{name: "step to step", from: TransitionStep, to: TransitionStep, ok: true},
		{name: "step to wait", from: TransitionStep, to: TransitionWait, ok: true},
		{name: "step to finish", from: TransitionStep, to: TransitionFinish, ok: true},
		{name: "step to finish_branch", from: TransitionStep, to: TransitionFinishBranch, ok: true},
		{name: "step to init is illegal", from: TransitionStep, to: TransitionInit, ok: false},
		{name: "finish is terminal", from: TransitionFinish, to: TransitionStep, ok: false},
		{name: "error is terminal", from: TransitionError, to: TransitionStep, ok: false},
		{name: "cancelled is terminal", from: TransitionCancelled, to: TransitionError, ok: false},
		{name: "finish_branch is terminal", from: TransitionFinishBranch, to: TransitionStep, ok: false},
		{name: "any state may error", from: TransitionResume, to: TransitionError, ok: true},
		{name: "any state may cancel", from: TransitionWait, to: TransitionCancelled, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTransition(tc.from, tc.to)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, KindIllegalTransition, KindOf(err))
		})
	}
}

func TestTransitionTypeTerminal(t *testing.T) {
	terminal := []TransitionType{TransitionFinish, TransitionFinishBranch, TransitionError, TransitionCancelled}
	for _, tt := range terminal {
		assert.True(t, tt.Terminal(), "%s should be terminal", tt)
	}
	open := []TransitionType{TransitionInit, TransitionInitBranch, TransitionStep, TransitionWait, TransitionResume}
	for _, tt := range open {
		assert.False(t, tt.Terminal(), "%s should not be terminal", tt)
	}
	assert.False(t, TransitionType("bogus").Terminal())
	assert.False(t, TransitionType("bogus").Valid())
}

func TestStatusAfter(t *testing.T) {
	assert.Equal(t, StatusStarting, StatusAfter(TransitionInit))
	assert.Equal(t, StatusStarting, StatusAfter(TransitionInitBranch))
	assert.Equal(t, StatusAwaitingInput, StatusAfter(TransitionWait))
	assert.Equal(t, StatusRunning, StatusAfter(TransitionResume))
	assert.Equal(t, StatusRunning, StatusAfter(TransitionStep))
	assert.Equal(t, StatusSucceeded, StatusAfter(TransitionFinish))
	assert.Equal(t, StatusFailed, StatusAfter(TransitionError))
	assert.Equal(t, StatusCancelled, StatusAfter(TransitionCancelled))
	assert.True(t, StatusSucceeded.Terminal())
	assert.False(t, StatusAwaitingInput.Terminal())
}
