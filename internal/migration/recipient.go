package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rangemove/internal/catalog"
	"github.com/arloliu/rangemove/internal/guard"
	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

var (
	errDonorAborted  = errors.New("donor aborted")
	errNotCommitted  = errors.New("catalog shows the migration did not commit")
	errShuttingDown  = errors.New("shard shutting down")
	errOutcomeUnread = errors.New("commit outcome not yet known")
)

// outcome is the decision on a ready recipient session. A nil layout means abort.
type outcome struct {
	layout *types.CollectionLayout
	cause  error
}

type recipientSession struct {
	id      types.SessionID
	ns      types.Namespace
	rng     types.Range
	from    types.ShardID
	base    types.ChunkVersion
	ticket  *guard.Ticket
	started time.Time
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}

	commitRequested chan struct{}
	commitOnce      sync.Once
	outcome         chan outcome

	mu       sync.Mutex
	decision *outcome
	ready    bool
	final    bool
	cloned   int
	applied  int
	lastSeq  uint64
}

func (s *recipientSession) session() transport.Session {
	return transport.Session{Namespace: s.ns, SessionID: s.id}
}

// decide records the outcome of the session. The first decision wins and is returned.
func (s *recipientSession) decide(o outcome) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decision != nil {
		return *s.decision
	}
	s.decision = &o
	s.outcome <- o
	if o.layout == nil {
		s.cancel(o.cause)
	}

	return o
}

// wait blocks until the session finished or timeout elapsed.
func (s *recipientSession) wait(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
	}
}

type finishedSession struct {
	id      types.SessionID
	state   types.RecipientState
	cloned  int
	applied int
}

// Recipient runs the recipient side of the migrations of one shard.
type Recipient struct {
	deps   Deps
	cfg    Config
	client DonorClient
	ctx    context.Context

	steps *xsync.Map[types.Namespace, *Steps[types.RecipientState]]

	mu       sync.Mutex
	sessions map[types.Namespace]*recipientSession
	finished map[types.Namespace]finishedSession
	wg       sync.WaitGroup
}

// NewRecipient creates the recipient side of a shard.
//
// Sessions run until they commit or abort, or until ctx is cancelled.
func NewRecipient(ctx context.Context, deps Deps, cfg Config, client DonorClient) *Recipient {
	return &Recipient{
		deps:     deps,
		cfg:      cfg,
		client:   client,
		ctx:      ctx,
		steps:    xsync.NewMap[types.Namespace, *Steps[types.RecipientState]](),
		sessions: make(map[types.Namespace]*recipientSession),
		finished: make(map[types.Namespace]finishedSession),
	}
}

// Steps returns the recipient state machine of ns.
func (r *Recipient) Steps(ns types.Namespace) *Steps[types.RecipientState] {
	if steps, ok := r.steps.Load(ns); ok {
		return steps
	}

	onChange := func(from, to types.RecipientState, spent time.Duration) {
		r.deps.Logger.Info("recipient state transition",
			"namespace", ns, "shard", r.deps.Shard, "from", from.String(), "to", to.String())
		r.deps.Metrics.RecordRecipientTransition(from, to, spent.Seconds())
		runHook(r.deps.Logger, "OnRecipientStateChanged", func() error {
			return r.deps.Hooks.OnRecipientStateChanged(r.ctx, ns, from, to)
		})
	}
	steps, _ := r.steps.LoadOrStore(ns,
		NewSteps(types.RecipientIdle, recipientTransitions, onChange, r.deps.Metrics.RecordStateChangeDropped))

	return steps
}

// States returns the current recipient state of every namespace that ever received a range.
func (r *Recipient) States() map[types.Namespace]types.RecipientState {
	out := make(map[types.Namespace]types.RecipientState)
	r.steps.Range(func(ns types.Namespace, steps *Steps[types.RecipientState]) bool {
		out[ns] = steps.State()
		return true
	})

	return out
}

// Wait blocks until every session goroutine returned.
func (r *Recipient) Wait() {
	r.wg.Wait()
}

// StartReceive starts receiving a range. It is idempotent per session.
//
// The guard is acquired, the donor's layout is installed if newer and the range
// is registered as pending before the session starts cloning in the background.
func (r *Recipient) StartReceive(_ context.Context, req *transport.StartRequest) error {
	if req.Layout == nil {
		return fmt.Errorf("%w: start request without layout", types.ErrInvalidLayout)
	}
	if err := req.Range.Validate(); err != nil {
		return err
	}

	ns := req.Namespace
	r.settle(ns, req.SessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sessions[ns]; s != nil {
		if s.id == req.SessionID {
			return nil
		}

		return fmt.Errorf("%w: %s is receiving session %s", types.ErrMigrationAlreadyActive, ns, s.id)
	}
	if f, ok := r.finished[ns]; ok && f.id == req.SessionID {
		if f.state == types.RecipientCommitted {
			return nil
		}

		return fmt.Errorf("%w: session %s", types.ErrMigrationAborted, f.id)
	}

	ticket, err := r.deps.Guard.Acquire(ns, types.RoleRecipient, req.SessionID, req.Range)
	if err != nil {
		return err
	}

	if err := r.prepare(req); err != nil {
		ticket.Release()
		return err
	}

	steps := r.Steps(ns)
	if err := steps.Begin(); err != nil {
		r.deps.Pending.Remove(ns, req.SessionID)
		ticket.Release()

		return err
	}

	sctx, cancel := context.WithCancelCause(r.ctx)
	s := &recipientSession{
		id:              req.SessionID,
		ns:              ns,
		rng:             req.Range,
		from:            req.From,
		base:            req.Layout.Version,
		ticket:          ticket,
		started:         time.Now(),
		ctx:             sctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		commitRequested: make(chan struct{}),
		outcome:         make(chan outcome, 1),
	}
	r.sessions[ns] = s

	r.deps.Logger.Info("receive started",
		"namespace", ns, "range", req.Range.String(), "session", req.SessionID, "shard", r.deps.Shard, "from", req.From)

	r.wg.Go(func() { r.run(s, steps) })

	return nil
}

// settle gives a decided session of ns the chance to finish before another one starts.
func (r *Recipient) settle(ns types.Namespace, next types.SessionID) {
	r.mu.Lock()
	s := r.sessions[ns]
	r.mu.Unlock()

	if s == nil || s.id == next {
		return
	}

	s.mu.Lock()
	decided := s.decision != nil
	s.mu.Unlock()
	if decided {
		s.wait(r.cfg.StepTimeout / 2)
	}
}

// prepare installs the donor's layout and registers the pending range.
func (r *Recipient) prepare(req *transport.StartRequest) error {
	installed, err := r.deps.Table.Install(req.Layout)
	if err != nil {
		return err
	}
	if installed {
		r.deps.Metrics.RecordLayoutInstalled(req.Namespace, req.Layout.Version.Counter)
	}

	cur, ok := r.deps.Table.Snapshot(req.Namespace)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNamespaceNotSharded, req.Namespace)
	}
	chunk, ok := cur.ChunkFor(req.Range)
	if !ok || chunk.Shard != req.From {
		return fmt.Errorf("%w: %s is no longer a chunk of %q at %s",
			types.ErrStaleOwnershipVersion, req.Range, req.From, cur.Version)
	}

	return r.deps.Pending.Add(types.PendingRange{
		Namespace: req.Namespace,
		Range:     req.Range,
		From:      req.From,
		SessionID: req.SessionID,
		Since:     time.Now(),
	})
}

func (r *Recipient) run(s *recipientSession, steps *Steps[types.RecipientState]) {
	defer close(s.done)

	layout, err := r.receive(s, steps)
	switch {
	case err == nil:
		r.commit(s, steps, layout)
	case errors.Is(err, errShuttingDown) || r.ctx.Err() != nil:
		r.shutdown(s, steps)
	default:
		r.abort(s, steps, err)
	}

	r.mu.Lock()
	if r.sessions[s.ns] == s {
		delete(r.sessions, s.ns)
	}
	s.mu.Lock()
	r.finished[s.ns] = finishedSession{id: s.id, state: steps.State(), cloned: s.cloned, applied: s.applied}
	s.mu.Unlock()
	r.mu.Unlock()

	s.cancel(nil)
}

// receive runs the session up to the commit decision and returns the committed layout.
func (r *Recipient) receive(s *recipientSession, steps *Steps[types.RecipientState]) (*types.CollectionLayout, error) {
	ctx := s.ctx

	if err := steps.Transition(ctx, types.RecipientReceiveStarted); err != nil {
		return nil, err
	}

	if err := steps.Transition(ctx, types.RecipientCloning); err != nil {
		return nil, err
	}
	if err := r.clone(s); err != nil {
		return nil, err
	}

	if err := steps.Transition(ctx, types.RecipientCloned); err != nil {
		return nil, err
	}
	if err := r.drain(s); err != nil {
		return nil, err
	}

	if err := steps.Transition(ctx, types.RecipientApplyingMods); err != nil {
		return nil, err
	}
	if err := r.applyUntilCommit(s); err != nil {
		return nil, err
	}

	// Writes to the range are blocked on the donor now; drain what is left.
	if err := r.drain(s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.final = true
	s.mu.Unlock()

	if err := steps.Transition(ctx, types.RecipientReadyToCommit); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	return r.awaitOutcome(s)
}

func (r *Recipient) clone(s *recipientSession) error {
	var after *types.Key

	for {
		resp, err := r.client.CloneBatch(s.ctx, s.from, &transport.CloneBatchRequest{
			Session: s.session(),
			After:   after,
			Limit:   r.cfg.CloneBatchSize,
		})
		if err != nil {
			return r.stepError(s, "clone", err)
		}

		for _, doc := range resp.Docs {
			// Documents left behind by an earlier failed attempt are overwritten.
			if err := r.deps.Store.Apply(s.ns, types.Write{Op: types.OpUpsert, Doc: doc}); err != nil {
				return fmt.Errorf("failed to store cloned document: %w", err)
			}
		}

		n := len(resp.Docs)
		if n > 0 {
			last := resp.Docs[n-1].Key
			after = &last
			s.mu.Lock()
			s.cloned += n
			s.mu.Unlock()
			r.deps.Metrics.RecordClonedDocuments(n)
		}
		if resp.Done || n == 0 {
			return nil
		}
	}
}

// pullMods applies one batch of buffered writes and acknowledges the previous one.
func (r *Recipient) pullMods(s *recipientSession) (int, int, error) {
	s.mu.Lock()
	ack := s.lastSeq
	s.mu.Unlock()

	resp, err := r.client.TransferMods(s.ctx, s.from, &transport.ModsRequest{
		Session: s.session(),
		AckSeq:  ack,
		Max:     r.cfg.ModsBatchSize,
	})
	if err != nil {
		return 0, 0, r.stepError(s, "mods transfer", err)
	}

	for _, m := range resp.Mods {
		if err := r.deps.Store.Apply(s.ns, m.Write); err != nil {
			return 0, 0, fmt.Errorf("failed to apply buffered write %d: %w", m.Seq, err)
		}
		s.mu.Lock()
		s.lastSeq = m.Seq
		s.applied++
		s.mu.Unlock()
	}

	return len(resp.Mods), resp.Remaining, nil
}

// drain pulls until the donor has no unacknowledged writes left.
func (r *Recipient) drain(s *recipientSession) error {
	for {
		n, remaining, err := r.pullMods(s)
		if err != nil {
			return err
		}
		if n == 0 && remaining == 0 {
			return nil
		}
	}
}

// applyUntilCommit keeps applying buffered writes until the donor requests the commit.
func (r *Recipient) applyUntilCommit(s *recipientSession) error {
	ticker := time.NewTicker(r.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.commitRequested:
			return nil
		case <-s.ctx.Done():
			return r.stepError(s, "apply", context.Cause(s.ctx))
		case <-ticker.C:
			if _, _, err := r.pullMods(s); err != nil {
				return err
			}
		}
	}
}

// stepError classifies a failed step: shutdown, or a reason to abort.
func (r *Recipient) stepError(s *recipientSession, step string, err error) error {
	if r.ctx.Err() != nil {
		return errShuttingDown
	}
	if cause := context.Cause(s.ctx); cause != nil {
		return cause
	}

	return fmt.Errorf("%s from %s failed: %w", step, s.from, err)
}

// awaitOutcome waits for the donor's decision, reading it from the catalog if
// the donor stays silent for CommitResolveTimeout.
func (r *Recipient) awaitOutcome(s *recipientSession) (*types.CollectionLayout, error) {
	timer := time.NewTimer(r.cfg.CommitResolveTimeout)
	defer timer.Stop()

	for {
		var o outcome
		select {
		case o = <-s.outcome:
		case <-r.ctx.Done():
			return nil, errShuttingDown
		case <-timer.C:
			resolved, err := r.resolve(s)
			if err != nil {
				r.deps.Logger.Warn("commit outcome still unknown",
					"namespace", s.ns, "session", s.id, "error", err)
				timer.Reset(r.cfg.CommitResolveTimeout)

				continue
			}
			o = s.decide(resolved)
		}

		if o.layout == nil {
			return nil, o.cause
		}

		return o.layout, nil
	}
}

// resolve reads the outcome of the session from the catalog.
//
// The migration is known to have failed if the collection moved on without
// this commit, or if the donor no longer holds the collection lock and the
// commit is not in the catalog.
func (r *Recipient) resolve(s *recipientSession) (outcome, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.StepTimeout)
	defer cancel()

	check := func() (outcome, bool, error) {
		layout, err := r.deps.Catalog.Load(ctx, s.ns)
		if err != nil {
			return outcome{}, false, err
		}
		if catalog.CommittedMove(layout, s.rng, r.deps.Shard, s.base) {
			return outcome{layout: layout}, true, nil
		}
		if layout.Epoch != s.base.Epoch || layout.Version.Counter > s.base.Counter {
			return outcome{cause: errNotCommitted}, true, nil
		}

		return outcome{}, false, nil
	}

	o, decided, err := check()
	if err != nil || decided {
		return o, err
	}

	holder, held, err := r.deps.Locker.Holder(ctx, s.ns)
	if err != nil {
		return outcome{}, err
	}
	if held && holder.SessionID == s.id {
		return outcome{}, errOutcomeUnread
	}

	// The donor is gone; a commit it made before releasing the lock is visible now.
	o, decided, err = check()
	if err != nil {
		return outcome{}, err
	}
	if !decided {
		return outcome{cause: errNotCommitted}, nil
	}

	return o, nil
}

func (r *Recipient) commit(s *recipientSession, steps *Steps[types.RecipientState], layout *types.CollectionLayout) {
	err := r.deps.Pending.Promote(s.ns, s.id, func() error {
		_, err := r.deps.Table.Install(layout)
		return err
	})
	if err != nil {
		r.deps.Logger.Error("failed to install committed layout, range stays pending",
			"namespace", s.ns, "session", s.id, "error", err)
	} else {
		r.deps.Metrics.RecordLayoutInstalled(s.ns, layout.Version.Counter)
		runHook(r.deps.Logger, "OnOwnershipChanged", func() error {
			return r.deps.Hooks.OnOwnershipChanged(r.ctx, layout)
		})
	}
	s.ticket.Release()

	if err := steps.Transition(r.ctx, types.RecipientCommitted); err != nil {
		r.deps.Logger.Warn("recipient transition interrupted", "namespace", s.ns, "error", err)
	}
	r.deps.Metrics.RecordMigrationResult(types.RoleRecipient, "committed", time.Since(s.started).Seconds())

	s.mu.Lock()
	cloned, applied := s.cloned, s.applied
	s.mu.Unlock()
	r.deps.Logger.Info("receive committed",
		"namespace", s.ns, "range", s.rng.String(), "session", s.id, "shard", r.deps.Shard,
		"cloned", cloned, "applied", applied, "version", layout.Version.String())
}

// shutdown ends a session interrupted by the shard stopping.
//
// A session that drained the final writes may already be committed in the
// catalog, so it keeps its documents and pending range for the next catalog
// read to resolve. Any earlier session is rolled back.
func (r *Recipient) shutdown(s *recipientSession, steps *Steps[types.RecipientState]) {
	s.mu.Lock()
	final := s.final
	s.mu.Unlock()

	if !final {
		r.abort(s, steps, errShuttingDown)
		return
	}

	s.ticket.Release()
	r.deps.Logger.Warn("receive interrupted by shutdown with the commit outcome unknown, range stays pending",
		"namespace", s.ns, "range", s.rng.String(), "session", s.id, "state", steps.State().String())
}

// abort discards everything the session received.
//
// The rollback runs on a context detached from the shard's, so a session
// aborted by shutdown still releases everything it holds.
func (r *Recipient) abort(s *recipientSession, steps *Steps[types.RecipientState], cause error) {
	state := steps.State()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.cfg.CatchUpTimeout)
	defer cancel()

	r.deps.Pending.Remove(s.ns, s.id)
	deleted, err := r.deps.Deleter.Delete(ctx, s.ns, s.rng)
	if err != nil {
		r.deps.Logger.Warn("failed to discard received documents, they are left for orphan cleanup",
			"namespace", s.ns, "range", s.rng.String(), "error", err)
	}
	s.ticket.Release()

	if err := steps.Transition(ctx, types.RecipientAborted); err != nil {
		r.deps.Logger.Warn("recipient transition interrupted", "namespace", s.ns, "error", err)
	}
	r.deps.Metrics.RecordMigrationResult(types.RoleRecipient, "aborted", time.Since(s.started).Seconds())

	merr := &types.MigrationError{
		Namespace: s.ns,
		SessionID: s.id,
		Role:      types.RoleRecipient,
		State:     state.String(),
		Cause:     cause,
	}
	r.deps.Logger.Warn("receive aborted",
		"namespace", s.ns, "range", s.rng.String(), "session", s.id, "state", state.String(),
		"discarded", deleted, "error", cause)
	runHook(r.deps.Logger, "OnError", func() error {
		return r.deps.Hooks.OnError(context.WithoutCancel(r.ctx), merr)
	})
}

func (r *Recipient) lookup(ns types.Namespace, id types.SessionID) (*recipientSession, *finishedSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sessions[ns]; s != nil && s.id == id {
		return s, nil
	}
	if f, ok := r.finished[ns]; ok && f.id == id {
		return nil, &f
	}

	return nil, nil
}

// ReceiveStatus reports the progress of a session.
func (r *Recipient) ReceiveStatus(_ context.Context, req *transport.Session) (*transport.StatusResponse, error) {
	s, f := r.lookup(req.Namespace, req.SessionID)
	switch {
	case s != nil:
		state := r.Steps(req.Namespace).State()
		s.mu.Lock()
		defer s.mu.Unlock()

		return &transport.StatusResponse{State: state, Cloned: s.cloned, Applied: s.applied, Ready: s.ready}, nil
	case f != nil:
		return &transport.StatusResponse{
			State:   f.state,
			Cloned:  f.cloned,
			Applied: f.applied,
			Ready:   f.state == types.RecipientCommitted,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s of %s", types.ErrNoSuchSession, req.SessionID, req.Namespace)
	}
}

// ReceiveCommit makes the session drain the remaining writes and get ready to commit.
func (r *Recipient) ReceiveCommit(_ context.Context, req *transport.Session) error {
	s, f := r.lookup(req.Namespace, req.SessionID)
	switch {
	case s != nil:
		s.commitOnce.Do(func() { close(s.commitRequested) })
		return nil
	case f != nil && f.state == types.RecipientCommitted:
		return nil
	case f != nil:
		return fmt.Errorf("%w: session %s", types.ErrMigrationAborted, req.SessionID)
	default:
		return fmt.Errorf("%w: %s of %s", types.ErrNoSuchSession, req.SessionID, req.Namespace)
	}
}

// ReceiveCommitted tells the session the migration committed and waits for it to finish.
func (r *Recipient) ReceiveCommitted(_ context.Context, req *transport.CommittedRequest) error {
	s, f := r.lookup(req.Namespace, req.SessionID)
	switch {
	case s != nil:
		if !catalog.CommittedMove(req.Layout, s.rng, r.deps.Shard, s.base) {
			return fmt.Errorf("%w: layout does not commit %s to %s", types.ErrInvalidMigration, s.rng, r.deps.Shard)
		}
		if o := s.decide(outcome{layout: req.Layout}); o.layout == nil {
			return fmt.Errorf("%w: session %s already aborted", types.ErrMigrationAborted, s.id)
		}
		s.wait(r.cfg.StepTimeout / 2)

		return nil
	case f != nil && f.state == types.RecipientCommitted:
		return nil
	case f != nil:
		return fmt.Errorf("%w: session %s", types.ErrMigrationAborted, req.SessionID)
	default:
		return fmt.Errorf("%w: %s of %s", types.ErrNoSuchSession, req.SessionID, req.Namespace)
	}
}

// ReceiveAbort aborts the session and waits for its rollback. Aborting an unknown
// session succeeds, since the start signal may never have arrived.
func (r *Recipient) ReceiveAbort(_ context.Context, req *transport.AbortRequest) error {
	s, f := r.lookup(req.Namespace, req.SessionID)
	switch {
	case s != nil:
		cause := fmt.Errorf("%w: %s", errDonorAborted, req.Reason)
		if o := s.decide(outcome{cause: cause}); o.layout != nil {
			return fmt.Errorf("%w: session %s committed", types.ErrAbortTooLate, s.id)
		}
		s.wait(r.cfg.StepTimeout / 2)

		return nil
	case f != nil && f.state == types.RecipientCommitted:
		return fmt.Errorf("%w: session %s committed", types.ErrAbortTooLate, req.SessionID)
	default:
		return nil
	}
}

// Abort aborts the session receiving a range of ns.
//
// Returns:
//   - error: ErrNoActiveMigration if nothing is received, ErrAbortTooLate once
//     the session is ready to commit
func (r *Recipient) Abort(ns types.Namespace) error {
	r.mu.Lock()
	s := r.sessions[ns]
	r.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: %s", types.ErrNoActiveMigration, ns)
	}

	s.mu.Lock()
	final := s.final
	s.mu.Unlock()
	if final {
		return fmt.Errorf("%w: session %s is ready to commit", types.ErrAbortTooLate, s.id)
	}

	if o := s.decide(outcome{cause: errAbortedByOperator}); o.layout != nil {
		return fmt.Errorf("%w: session %s committed", types.ErrAbortTooLate, s.id)
	}

	return nil
}
