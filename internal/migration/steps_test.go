package migration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/types"
)

func newDonorSteps(onChange func(from, to types.DonorState, spent time.Duration)) *Steps[types.DonorState] {
	return NewSteps(types.DonorIdle, donorTransitions, onChange, nil)
}

func TestSteps_Transition(t *testing.T) {
	t.Run("follows the donor happy path", func(t *testing.T) {
		var changes atomic.Int32
		steps := newDonorSteps(func(_, _ types.DonorState, _ time.Duration) { changes.Add(1) })

		path := []types.DonorState{
			types.DonorCloneInitiated,
			types.DonorCloned,
			types.DonorCommitPending,
			types.DonorCommitted,
			types.DonorPostCommitDeleting,
			types.DonorDone,
		}
		for _, state := range path {
			require.NoError(t, steps.Transition(t.Context(), state))
			require.Equal(t, state, steps.State())
		}
		require.Equal(t, int32(len(path)), changes.Load())
		require.True(t, steps.Reached(types.DonorCloned))
		require.False(t, steps.Reached(types.DonorAborted))
	})

	t.Run("rejects illegal transitions", func(t *testing.T) {
		steps := newDonorSteps(nil)

		err := steps.Transition(t.Context(), types.DonorCommitted)
		require.ErrorIs(t, err, types.ErrInvalidStateTransition)
		require.Equal(t, types.DonorIdle, steps.State())
	})

	t.Run("committed cannot abort", func(t *testing.T) {
		steps := newDonorSteps(nil)
		for _, state := range []types.DonorState{
			types.DonorCloneInitiated, types.DonorCloned, types.DonorCommitPending, types.DonorCommitted,
		} {
			require.NoError(t, steps.Transition(t.Context(), state))
		}

		require.ErrorIs(t, steps.Transition(t.Context(), types.DonorAborted), types.ErrInvalidStateTransition)
	})

	t.Run("recipient aborts from every state before the commit", func(t *testing.T) {
		path := []types.RecipientState{
			types.RecipientReceiveStarted,
			types.RecipientCloning,
			types.RecipientCloned,
			types.RecipientApplyingMods,
			types.RecipientReadyToCommit,
		}
		for i := range path {
			steps := NewSteps(types.RecipientIdle, recipientTransitions, nil, nil)
			for _, state := range path[:i+1] {
				require.NoError(t, steps.Transition(t.Context(), state))
			}
			require.NoError(t, steps.Transition(t.Context(), types.RecipientAborted), "from %s", path[i])
		}
	})
}

func TestSteps_Begin(t *testing.T) {
	steps := newDonorSteps(nil)
	require.NoError(t, steps.Begin())
	require.NoError(t, steps.Transition(t.Context(), types.DonorCloneInitiated))

	require.ErrorIs(t, steps.Begin(), types.ErrMigrationAlreadyActive)

	require.NoError(t, steps.Transition(t.Context(), types.DonorAborted))
	require.NoError(t, steps.Begin())
	require.Equal(t, types.DonorIdle, steps.State())
	require.False(t, steps.Reached(types.DonorCloneInitiated), "reached states belong to the previous session")
}

func TestSteps_PauseAt(t *testing.T) {
	t.Run("blocks until resumed", func(t *testing.T) {
		steps := newDonorSteps(nil)
		steps.PauseAt(types.DonorCloneInitiated)

		done := make(chan error, 1)
		go func() { done <- steps.Transition(t.Context(), types.DonorCloneInitiated) }()

		require.NoError(t, <-steps.WaitState(types.DonorCloneInitiated, time.Second))
		require.Equal(t, types.DonorCloneInitiated, steps.State(), "the state is entered before pausing")

		select {
		case <-done:
			t.Fatal("transition returned while paused")
		case <-time.After(50 * time.Millisecond):
		}

		steps.Resume(types.DonorCloneInitiated)
		require.NoError(t, <-done)

		// The pause is gone after Resume.
		require.NoError(t, steps.Transition(t.Context(), types.DonorAborted))
		require.NoError(t, steps.Begin())
		require.NoError(t, steps.Transition(t.Context(), types.DonorCloneInitiated))
	})

	t.Run("returns the cause when the context ends", func(t *testing.T) {
		steps := newDonorSteps(nil)
		steps.PauseAt(types.DonorCloneInitiated)

		cause := errors.New("operator gave up")
		ctx, cancel := context.WithCancelCause(t.Context())
		done := make(chan error, 1)
		go func() { done <- steps.Transition(ctx, types.DonorCloneInitiated) }()

		require.NoError(t, <-steps.WaitState(types.DonorCloneInitiated, time.Second))
		cancel(cause)

		select {
		case err := <-done:
			require.ErrorIs(t, err, cause)
		case <-time.After(time.Second):
			t.Fatal("transition did not return after cancel")
		}
	})
}

func TestSteps_WaitState(t *testing.T) {
	t.Run("already reached", func(t *testing.T) {
		steps := newDonorSteps(nil)
		require.NoError(t, <-steps.WaitState(types.DonorIdle, time.Second))
	})

	t.Run("reached later", func(t *testing.T) {
		steps := newDonorSteps(nil)
		ch := steps.WaitState(types.DonorCloned, time.Second)

		require.NoError(t, steps.Transition(t.Context(), types.DonorCloneInitiated))
		require.NoError(t, steps.Transition(t.Context(), types.DonorCloned))

		require.NoError(t, <-ch)
	})

	t.Run("times out", func(t *testing.T) {
		steps := newDonorSteps(nil)
		err := <-steps.WaitState(types.DonorDone, 50*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSteps_Subscribe(t *testing.T) {
	var dropped atomic.Int32
	steps := NewSteps(types.DonorIdle, donorTransitions, nil, func() { dropped.Add(1) })

	ch, unsubscribe := steps.Subscribe()
	defer unsubscribe()

	require.Equal(t, types.DonorIdle, <-ch)

	require.NoError(t, steps.Transition(t.Context(), types.DonorCloneInitiated))
	require.NoError(t, steps.Transition(t.Context(), types.DonorAborted))

	assert.Equal(t, types.DonorCloneInitiated, <-ch)
	assert.Equal(t, types.DonorAborted, <-ch)

	// A subscriber that never reads drops updates once its buffer is full.
	_, unsubscribeSlow := steps.Subscribe()
	defer unsubscribeSlow()
	for range 6 {
		require.NoError(t, steps.Begin())
		require.NoError(t, steps.Transition(t.Context(), types.DonorAborted))
	}
	require.Positive(t, dropped.Load())
}
