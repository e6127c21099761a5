package testing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// StateWaiter is anything that can report when it reaches a state, such as
// the donor or recipient step trackers of a shard.
type StateWaiter[S fmt.Stringer] interface {
	// WaitState waits for the state within the timeout.
	WaitState(state S, timeout time.Duration) <-chan error
}

// WaitStates waits for a state machine to progress through a sequence of states.
//
// Parameters:
//   - ctx: Context for cancellation
//   - w: State machine to watch
//   - states: Sequence of states to wait for (in order)
//   - timeout: Maximum time to wait for each individual state
//
// Returns:
//   - error: nil if all states reached, error on first failure
//
// Example:
//
//	err := rmtest.WaitStates(ctx, shard.DonorSteps(ns), []rangemove.DonorState{
//	    rangemove.DonorCloneInitiated,
//	    rangemove.DonorCloned,
//	    rangemove.DonorCommitted,
//	}, 5*time.Second)
func WaitStates[S fmt.Stringer](ctx context.Context, w StateWaiter[S], states []S, timeout time.Duration) error {
	for i, state := range states {
		select {
		case err := <-w.WaitState(state, timeout):
			if err != nil {
				return fmt.Errorf("failed to reach state[%d] %s: %w", i, state, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// WaitAll waits for every state machine to reach state, failing on the first error.
//
// Parameters:
//   - ctx: Context for cancellation
//   - waiters: State machines to wait on
//   - state: Target state for all of them
//   - timeout: Maximum time to wait for each state machine
//
// Returns:
//   - error: nil if all reached the state, first error encountered otherwise
func WaitAll[S fmt.Stringer](ctx context.Context, waiters []StateWaiter[S], state S, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range waiters {
		g.Go(func() error {
			select {
			case err := <-w.WaitState(state, timeout):
				if err != nil {
					return fmt.Errorf("waiter[%d] failed to reach state %s: %w", i, state, err)
				}

				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	return g.Wait()
}
