package migration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rangemove/types"
)

// State is a donor or recipient migration state.
type State interface {
	~int
	fmt.Stringer
	IsTerminal() bool
}

// Steps is the observable state machine of one side of the migrations of one namespace.
//
// Besides validating transitions, Steps is the suspension point used by
// operational tooling and tests: PauseAt makes the next transition into a
// state block until Resume, and WaitState reports when a state was reached.
// Pauses outlive migration sessions, so a pause can be set before the
// migration it targets starts.
//
// Steps is safe for concurrent use.
type Steps[S State] struct {
	initial S
	allowed map[S][]S

	mu      sync.Mutex
	current S
	entered time.Time
	reached map[S]bool
	changed chan struct{}
	pauses  map[S]chan struct{}

	// Fan-out to subscribers
	subscribers      *xsync.Map[uint64, *stateSubscriber[S]]
	nextSubscriberID atomic.Uint64

	onChange func(from, to S, spent time.Duration)
	onDrop   func()
}

// NewSteps creates a state machine resting in initial.
//
// Parameters:
//   - initial: Idle state, entered again by Begin
//   - allowed: Valid transitions per state
//   - onChange: Called after every transition with the time spent in the previous state
//   - onDrop: Called when a slow subscriber misses an update
//
// Returns:
//   - *Steps[S]: State machine in the initial state
func NewSteps[S State](initial S, allowed map[S][]S, onChange func(from, to S, spent time.Duration), onDrop func()) *Steps[S] {
	return &Steps[S]{
		initial:     initial,
		allowed:     allowed,
		current:     initial,
		entered:     time.Now(),
		reached:     map[S]bool{initial: true},
		changed:     make(chan struct{}),
		pauses:      make(map[S]chan struct{}),
		subscribers: xsync.NewMap[uint64, *stateSubscriber[S]](),
		onChange:    onChange,
		onDrop:      onDrop,
	}
}

// State returns the current state.
func (s *Steps[S]) State() S {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// Reached reports whether the current or most recent session reached state.
func (s *Steps[S]) Reached(state S) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reached[state]
}

// Begin starts a new session from the initial state.
//
// Returns:
//   - error: ErrMigrationAlreadyActive if the previous session has not ended
func (s *Steps[S]) Begin() error {
	s.mu.Lock()

	if s.current != s.initial && !s.current.IsTerminal() {
		cur := s.current
		s.mu.Unlock()

		return fmt.Errorf("%w: previous session is in state %s", types.ErrMigrationAlreadyActive, cur)
	}

	changed := s.current != s.initial
	s.current = s.initial
	s.entered = time.Now()
	s.reached = map[S]bool{s.initial: true}
	s.broadcastLocked()
	s.mu.Unlock()

	if changed {
		s.notify(s.initial)
	}

	return nil
}

// Transition moves to state to.
//
// If a pause is set at to, Transition blocks after entering the state until
// Resume is called or ctx is done.
//
// Returns:
//   - error: ErrInvalidStateTransition for an illegal move, or the cause of ctx
//     if it ended while paused
func (s *Steps[S]) Transition(ctx context.Context, to S) error {
	s.mu.Lock()

	from := s.current
	if !s.validLocked(from, to) {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s -> %s", types.ErrInvalidStateTransition, from, to)
	}

	spent := time.Since(s.entered)
	s.current = to
	s.entered = time.Now()
	s.reached[to] = true
	s.broadcastLocked()
	pause := s.pauses[to]
	s.mu.Unlock()

	s.notify(to)
	if s.onChange != nil {
		s.onChange(from, to, spent)
	}

	if pause == nil {
		return nil
	}

	select {
	case <-pause:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Steps[S]) validLocked(from, to S) bool {
	for _, next := range s.allowed[from] {
		if next == to {
			return true
		}
	}

	return false
}

// broadcastLocked wakes every WaitState goroutine.
func (s *Steps[S]) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// PauseAt makes future transitions into state block until Resume(state).
//
// The blocked side keeps whatever it holds while paused. A donor paused at
// DonorCommitPending holds the write barrier of the migrating range, so every
// write to the range waits until Resume, and the commit timeout only starts
// counting afterwards. A recipient paused at RecipientReadyToCommit keeps the
// donor in that state until the donor's commit timeout aborts it.
func (s *Steps[S]) PauseAt(state S) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pauses[state] == nil {
		s.pauses[state] = make(chan struct{})
	}
}

// Resume removes the pause at state and releases a transition blocked there.
func (s *Steps[S]) Resume(state S) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch := s.pauses[state]; ch != nil {
		close(ch)
		delete(s.pauses, state)
	}
}

// WaitState waits until the current session reaches state.
//
// The returned channel receives exactly one value and is then closed:
//   - nil if the state is reached within the timeout
//   - context.DeadlineExceeded if the timeout expires first
//
// Example:
//
//	steps.PauseAt(types.DonorCloned)
//	go shard.StartMigration(ctx, ns, rng, "shard1", false)
//	if err := <-steps.WaitState(types.DonorCloned, 5*time.Second); err != nil {
//	    return err
//	}
//	// inspect state while the donor is paused
//	steps.Resume(types.DonorCloned)
func (s *Steps[S]) WaitState(state S, timeout time.Duration) <-chan error {
	ch := make(chan error, 1) // Buffered to prevent goroutine leak

	go func() {
		defer close(ch)

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			s.mu.Lock()
			reached := s.reached[state]
			changed := s.changed
			s.mu.Unlock()

			if reached {
				ch <- nil
				return
			}

			select {
			case <-changed:
			case <-timer.C:
				ch <- context.DeadlineExceeded
				return
			}
		}
	}()

	return ch
}

// Subscribe returns a channel that receives state change notifications.
//
// The returned channel is buffered (size 8), so the transitions of a whole
// session can be queued without dropping states when the subscriber is slow.
// The subscriber receives the current state immediately upon subscription.
//
// Returns:
//   - <-chan S: Channel that receives state updates
//   - func(): Unsubscribe function to clean up resources
func (s *Steps[S]) Subscribe() (<-chan S, func()) {
	id := s.nextSubscriberID.Add(1)

	sub := &stateSubscriber[S]{ch: make(chan S, 8)}
	s.subscribers.Store(id, sub)

	// Immediately send the current state
	sub.trySend(s.State(), s.onDrop)

	unsubscribe := func() {
		if sub, ok := s.subscribers.LoadAndDelete(id); ok {
			sub.close()
		}
	}

	return sub.ch, unsubscribe
}

func (s *Steps[S]) notify(state S) {
	s.subscribers.Range(func(_ uint64, sub *stateSubscriber[S]) bool {
		sub.trySend(state, s.onDrop)
		return true
	})
}

// Transition tables. Aborted is reachable from every state before the commit.
var (
	donorTransitions = map[types.DonorState][]types.DonorState{
		types.DonorIdle:               {types.DonorCloneInitiated, types.DonorAborted},
		types.DonorCloneInitiated:     {types.DonorCloned, types.DonorAborted},
		types.DonorCloned:             {types.DonorCommitPending, types.DonorAborted},
		types.DonorCommitPending:      {types.DonorCommitted, types.DonorAborted},
		types.DonorCommitted:          {types.DonorPostCommitDeleting},
		types.DonorPostCommitDeleting: {types.DonorDone},
	}

	recipientTransitions = map[types.RecipientState][]types.RecipientState{
		types.RecipientIdle:           {types.RecipientReceiveStarted, types.RecipientAborted},
		types.RecipientReceiveStarted: {types.RecipientCloning, types.RecipientAborted},
		types.RecipientCloning:        {types.RecipientCloned, types.RecipientAborted},
		types.RecipientCloned:         {types.RecipientApplyingMods, types.RecipientAborted},
		types.RecipientApplyingMods:   {types.RecipientReadyToCommit, types.RecipientAborted},
		types.RecipientReadyToCommit:  {types.RecipientCommitted, types.RecipientAborted},
	}
)
