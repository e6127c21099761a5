package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rangemove/internal/catalog"
	"github.com/arloliu/rangemove/internal/guard"
	"github.com/arloliu/rangemove/internal/modsbuffer"
	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

var (
	errCatchUpTimeout    = errors.New("recipient did not catch up in time")
	errCommitTimeout     = errors.New("recipient did not get ready to commit in time")
	errRecipientAborted  = errors.New("recipient aborted")
	errAbortedByOperator = errors.New("aborted by operator")
)

// capture records writes to a migrating range.
type capture struct {
	rng types.Range
	buf *modsbuffer.Buffer

	// crit is read-locked by every write to rng and write-locked by the commit.
	crit sync.RWMutex
	// committed is set under crit once rng no longer belongs to this shard.
	committed bool
}

// writeGate serializes capture registration with the writes of one namespace.
type writeGate struct {
	mu      sync.RWMutex
	capture *capture
}

type donorSession struct {
	id      types.SessionID
	ns      types.Namespace
	rng     types.Range
	to      types.ShardID
	base    *types.CollectionLayout
	capture *capture
	started time.Time
	cancel  context.CancelCauseFunc

	mu         sync.Mutex
	aborted    bool
	committing bool
}

func (s *donorSession) session() transport.Session {
	return transport.Session{Namespace: s.ns, SessionID: s.id}
}

// beginCommit reports whether the commit may start. Once it has, Abort is refused.
func (s *donorSession) beginCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted {
		return false
	}
	s.committing = true

	return true
}

// Donor runs the donor side of the migrations of one shard and serves the
// clone and mods pulls of their recipients.
type Donor struct {
	deps   Deps
	cfg    Config
	client RecipientClient
	ctx    context.Context

	gates *xsync.Map[types.Namespace, *writeGate]
	steps *xsync.Map[types.Namespace, *Steps[types.DonorState]]

	mu       sync.Mutex
	sessions map[types.Namespace]*donorSession
}

// NewDonor creates the donor side of a shard.
//
// Parameters:
//   - ctx: Shard lifetime context, passed to hooks and post-commit work
//   - deps: Shard components
//   - cfg: Migration tunables
//   - client: Client used to signal recipients
//
// Returns:
//   - *Donor: Ready to use donor
func NewDonor(ctx context.Context, deps Deps, cfg Config, client RecipientClient) *Donor {
	return &Donor{
		deps:     deps,
		cfg:      cfg,
		client:   client,
		ctx:      ctx,
		gates:    xsync.NewMap[types.Namespace, *writeGate](),
		steps:    xsync.NewMap[types.Namespace, *Steps[types.DonorState]](),
		sessions: make(map[types.Namespace]*donorSession),
	}
}

// Steps returns the donor state machine of ns.
func (d *Donor) Steps(ns types.Namespace) *Steps[types.DonorState] {
	if steps, ok := d.steps.Load(ns); ok {
		return steps
	}

	onChange := func(from, to types.DonorState, spent time.Duration) {
		d.deps.Logger.Info("donor state transition",
			"namespace", ns, "shard", d.deps.Shard, "from", from.String(), "to", to.String())
		d.deps.Metrics.RecordDonorTransition(from, to, spent.Seconds())
		runHook(d.deps.Logger, "OnDonorStateChanged", func() error {
			return d.deps.Hooks.OnDonorStateChanged(d.ctx, ns, from, to)
		})
	}
	steps, _ := d.steps.LoadOrStore(ns, NewSteps(types.DonorIdle, donorTransitions, onChange, d.deps.Metrics.RecordStateChangeDropped))

	return steps
}

// States returns the current donor state of every namespace that ever migrated.
func (d *Donor) States() map[types.Namespace]types.DonorState {
	out := make(map[types.Namespace]types.DonorState)
	d.steps.Range(func(ns types.Namespace, steps *Steps[types.DonorState]) bool {
		out[ns] = steps.State()
		return true
	})

	return out
}

func (d *Donor) gate(ns types.Namespace) *writeGate {
	if g, ok := d.gates.Load(ns); ok {
		return g
	}
	g, _ := d.gates.LoadOrStore(ns, &writeGate{})

	return g
}

// Apply performs a write on behalf of the shard.
//
// fn must check ownership and apply the write to storage. Writes to a range
// that is being migrated are recorded for the recipient and wait while the
// commit is in progress. A write that waited for a commit which moved its key
// away fails with ErrStaleOwnershipVersion and is not applied.
func (d *Donor) Apply(ns types.Namespace, w types.Write, fn func(types.Write) error) error {
	g := d.gate(ns)
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := g.capture
	if c == nil || !c.rng.Contains(w.Doc.Key) {
		return fn(w)
	}

	c.crit.RLock()
	defer c.crit.RUnlock()

	if c.committed {
		return fmt.Errorf("%w: %s of %s moved while the write waited", types.ErrStaleOwnershipVersion, c.rng, ns)
	}
	if err := fn(w); err != nil {
		return err
	}
	if _, err := c.buf.Append(w.Op, w.Doc.Key); err != nil {
		return err
	}

	return nil
}

func (d *Donor) startCapture(s *donorSession) {
	g := d.gate(s.ns)
	g.mu.Lock()
	g.capture = s.capture
	g.mu.Unlock()
}

func (d *Donor) stopCapture(s *donorSession) {
	g := d.gate(s.ns)
	g.mu.Lock()
	if g.capture == s.capture {
		g.capture = nil
	}
	g.mu.Unlock()

	s.capture.buf.Close()
}

// Migrate moves rng of ns from this shard to shard to.
//
// Migrate blocks until the migration is Done or Aborted. The donor guard and
// the collection lock are held for the whole call and released on every path.
//
// Parameters:
//   - ctx: Cancelling ctx before the commit aborts the migration
//   - ns: Collection namespace
//   - rng: Exact range of a chunk owned by this shard
//   - to: Recipient shard
//   - waitForDelete: Delete the moved documents before returning instead of in the background
//
// Returns:
//   - types.ChunkVersion: Collection version after the commit
//   - error: ErrMigrationAlreadyActive, ErrRangeNotOwned, or a *types.MigrationError
//     matching ErrMigrationAborted
func (d *Donor) Migrate(
	ctx context.Context,
	ns types.Namespace,
	rng types.Range,
	to types.ShardID,
	waitForDelete bool,
) (types.ChunkVersion, error) {
	base, err := d.validate(ns, rng, to)
	if err != nil {
		return types.ChunkVersion{}, err
	}

	id := types.NewSessionID(ns, rng, d.deps.Shard, to, base.Version, time.Now())
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s := &donorSession{
		id:      id,
		ns:      ns,
		rng:     rng,
		to:      to,
		base:    base,
		capture: &capture{rng: rng, buf: modsbuffer.New()},
		started: time.Now(),
		cancel:  cancel,
	}

	// The session is abortable as soon as the guard is visible.
	d.mu.Lock()
	ticket, err := d.deps.Guard.Acquire(ns, types.RoleDonor, id, rng)
	if err == nil {
		d.sessions[ns] = s
	}
	d.mu.Unlock()
	if err != nil {
		return types.ChunkVersion{}, err
	}
	defer ticket.Release()
	defer func() {
		d.mu.Lock()
		if d.sessions[ns] == s {
			delete(d.sessions, ns)
		}
		d.mu.Unlock()
	}()

	lease, err := d.deps.Locker.Acquire(sctx, ns, id)
	if err != nil {
		if cause := context.Cause(sctx); cause != nil {
			return types.ChunkVersion{}, d.abortedBeforeStart(s, cause)
		}

		return types.ChunkVersion{}, err
	}
	lease.KeepAlive(d.cfg.LockTTL / 3)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StepTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			d.deps.Logger.Warn("failed to release collection lock", "namespace", ns, "session", id, "error", err)
		}
	}()

	steps := d.Steps(ns)
	if err := steps.Begin(); err != nil {
		return types.ChunkVersion{}, err
	}

	go func() {
		select {
		case <-lease.Lost():
			cancel(types.ErrLockLost)
		case <-sctx.Done():
		}
	}()

	d.deps.Logger.Info("migration started",
		"namespace", ns, "range", rng.String(), "session", id, "shard", d.deps.Shard, "to", to)

	version, err := d.run(sctx, s, steps, ticket, waitForDelete)

	result := "committed"
	if err != nil {
		result = "aborted"
	}
	d.deps.Metrics.RecordMigrationResult(types.RoleDonor, result, time.Since(s.started).Seconds())

	return version, err
}

func (d *Donor) validate(ns types.Namespace, rng types.Range, to types.ShardID) (*types.CollectionLayout, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if to == d.deps.Shard {
		return nil, fmt.Errorf("%w: donor and recipient are both %q", types.ErrInvalidMigration, to)
	}

	base, ok := d.deps.Table.Snapshot(ns)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNamespaceNotSharded, ns)
	}
	chunk, ok := base.ChunkFor(rng)
	if !ok || chunk.Shard != d.deps.Shard {
		return nil, fmt.Errorf("%w: %s is not a chunk of %q in %s", types.ErrRangeNotOwned, rng, d.deps.Shard, ns)
	}

	return base, nil
}

func (d *Donor) run(
	ctx context.Context,
	s *donorSession,
	steps *Steps[types.DonorState],
	ticket *guard.Ticket,
	waitForDelete bool,
) (types.ChunkVersion, error) {
	if cause := context.Cause(ctx); cause != nil {
		return d.abort(ctx, s, steps, cause)
	}

	d.startCapture(s)
	if err := steps.Transition(ctx, types.DonorCloneInitiated); err != nil {
		return d.abort(ctx, s, steps, err)
	}

	err := d.client.StartReceive(ctx, s.to, &transport.StartRequest{
		Session: s.session(),
		Range:   s.rng,
		From:    d.deps.Shard,
		Layout:  s.base,
	})
	if err != nil {
		return d.abort(ctx, s, steps, fmt.Errorf("failed to start recipient: %w", err))
	}

	catchUpCtx, cancelCatchUp := context.WithTimeoutCause(ctx, d.cfg.CatchUpTimeout, errCatchUpTimeout)
	defer cancelCatchUp()

	err = d.waitRecipient(catchUpCtx, s, func(st *transport.StatusResponse) bool {
		return st.State == types.RecipientCloned || st.State == types.RecipientApplyingMods
	})
	if err != nil {
		return d.abort(ctx, s, steps, err)
	}
	if err := steps.Transition(ctx, types.DonorCloned); err != nil {
		return d.abort(ctx, s, steps, err)
	}

	rounds := 0
	err = d.waitRecipient(catchUpCtx, s, func(st *transport.StatusResponse) bool {
		if st.State != types.RecipientApplyingMods {
			return false
		}
		rounds++

		return s.capture.buf.Len() <= d.cfg.ModsBatchSize || rounds >= d.cfg.MaxCatchUpRounds
	})
	if err != nil {
		return d.abort(ctx, s, steps, err)
	}

	return d.commit(ctx, s, steps, ticket, waitForDelete)
}

// waitRecipient polls the recipient until done reports true.
func (d *Donor) waitRecipient(ctx context.Context, s *donorSession, done func(*transport.StatusResponse) bool) error {
	sess := s.session()

	for {
		st, err := d.client.ReceiveStatus(ctx, s.to, &sess)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}

			return fmt.Errorf("failed to get recipient status: %w", err)
		}
		if st.State == types.RecipientAborted {
			return fmt.Errorf("%w: %s", errRecipientAborted, s.to)
		}
		if done(st) {
			return nil
		}

		if err := sleep(ctx, d.cfg.StatusPollInterval); err != nil {
			return err
		}
	}
}

// commit blocks writes to the range, lets the recipient drain the remaining
// writes and commits the new ownership to the catalog.
func (d *Donor) commit(
	ctx context.Context,
	s *donorSession,
	steps *Steps[types.DonorState],
	ticket *guard.Ticket,
	waitForDelete bool,
) (types.ChunkVersion, error) {
	c := s.capture
	c.crit.Lock()
	critStart := time.Now()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			c.crit.Unlock()
			d.deps.Metrics.RecordCriticalSection(time.Since(critStart).Seconds())
		}
	}
	defer unlock()

	if err := steps.Transition(ctx, types.DonorCommitPending); err != nil {
		unlock()
		return d.abort(ctx, s, steps, err)
	}

	commitCtx, cancelCommit := context.WithTimeoutCause(ctx, d.cfg.CommitTimeout, errCommitTimeout)
	defer cancelCommit()

	sess := s.session()
	if err := d.client.ReceiveCommit(commitCtx, s.to, &sess); err != nil {
		unlock()
		return d.abort(ctx, s, steps, fmt.Errorf("failed to request recipient commit: %w", err))
	}
	if err := d.waitRecipient(commitCtx, s, func(st *transport.StatusResponse) bool { return st.Ready }); err != nil {
		unlock()
		return d.abort(ctx, s, steps, err)
	}
	if n := c.buf.Len(); n != 0 {
		unlock()
		return d.abort(ctx, s, steps, fmt.Errorf("recipient ready with %d unacknowledged writes", n))
	}

	if ctx.Err() != nil {
		unlock()
		return d.abort(ctx, s, steps, context.Cause(ctx))
	}
	if !s.beginCommit() {
		unlock()
		return d.abort(ctx, s, steps, errAbortedByOperator)
	}

	// The migration can no longer be aborted by the caller from here on.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CommitTimeout+d.cfg.CommitResolveTimeout)
	defer cancelWrite()

	next, known, err := d.commitToCatalog(writeCtx, s)
	if err != nil {
		if known {
			unlock()
			return d.abort(ctx, s, steps, err)
		}

		// The outcome is unknown. Fence the namespace until its layout is
		// reinstalled from the catalog and let the recipient resolve the outcome.
		d.deps.Table.Drop(s.ns)
		c.committed = true
		unlock()
		d.stopCapture(s)
		state := steps.State()
		if tErr := steps.Transition(d.ctx, types.DonorAborted); tErr != nil {
			d.deps.Logger.Warn("failed to enter aborted state", "namespace", s.ns, "error", tErr)
		}
		d.deps.Logger.Error("migration commit outcome unknown",
			"namespace", s.ns, "range", s.rng.String(), "session", s.id, "error", err)

		return types.ChunkVersion{}, &types.MigrationError{
			Namespace: s.ns,
			SessionID: s.id,
			Role:      types.RoleDonor,
			State:     state.String(),
			Cause:     err,
		}
	}

	if _, err := d.deps.Table.Install(next); err != nil {
		d.deps.Logger.Error("failed to install committed layout", "namespace", s.ns, "error", err)
	}
	c.committed = true
	unlock()
	d.stopCapture(s)
	ticket.MarkCommitted()
	d.deps.Metrics.RecordLayoutInstalled(s.ns, next.Version.Counter)
	runHook(d.deps.Logger, "OnOwnershipChanged", func() error {
		return d.deps.Hooks.OnOwnershipChanged(d.ctx, next)
	})

	notifyCtx, cancelNotify := context.WithTimeout(d.ctx, d.cfg.StepTimeout)
	err = d.client.ReceiveCommitted(notifyCtx, s.to, &transport.CommittedRequest{Session: sess, Layout: next})
	cancelNotify()
	if err != nil {
		d.deps.Logger.Warn("failed to notify recipient of commit, it will read the outcome from the catalog",
			"namespace", s.ns, "session", s.id, "to", s.to, "error", err)
	}

	d.postCommit(s, steps, waitForDelete)

	return next.Version, nil
}

// commitToCatalog writes the commit and resolves ambiguous failures by reading
// the catalog back. known is false if the outcome could not be determined.
func (d *Donor) commitToCatalog(ctx context.Context, s *donorSession) (*types.CollectionLayout, bool, error) {
	next, err := d.deps.Catalog.CommitMigration(ctx, s.ns, s.rng, d.deps.Shard, s.to, s.base.Version)
	if err == nil {
		return next, true, nil
	}
	if errors.Is(err, types.ErrStaleOwnershipVersion) ||
		errors.Is(err, types.ErrRangeNotOwned) ||
		errors.Is(err, types.ErrNamespaceNotSharded) {
		return nil, true, err
	}

	d.deps.Logger.Warn("catalog commit failed, reading outcome back",
		"namespace", s.ns, "session", s.id, "error", err)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.StatusPollInterval
	exp.MaxElapsedTime = d.cfg.CommitResolveTimeout

	var stored *types.CollectionLayout
	loadErr := backoff.Retry(func() error {
		layout, err := d.deps.Catalog.Load(ctx, s.ns)
		if err != nil {
			return err
		}
		stored = layout

		return nil
	}, backoff.WithContext(exp, ctx))
	if loadErr != nil {
		return nil, false, fmt.Errorf("%w (reading outcome: %w)", err, loadErr)
	}
	if catalog.CommittedMove(stored, s.rng, s.to, s.base.Version) {
		return stored, true, nil
	}

	return nil, true, err
}

// postCommit runs the steps after the ownership moved. Failures here only
// leave orphaned documents behind for a later cleanup.
func (d *Donor) postCommit(s *donorSession, steps *Steps[types.DonorState], waitForDelete bool) {
	for _, state := range []types.DonorState{types.DonorCommitted, types.DonorPostCommitDeleting} {
		if err := steps.Transition(d.ctx, state); err != nil {
			d.deps.Logger.Warn("donor transition interrupted", "namespace", s.ns, "to", state.String(), "error", err)
		}
	}

	if waitForDelete {
		if _, err := d.deps.Deleter.Delete(d.ctx, s.ns, s.rng); err != nil {
			d.deps.Logger.Warn("post-commit delete failed, documents are left for orphan cleanup",
				"namespace", s.ns, "range", s.rng.String(), "error", err)
		}
	} else {
		d.deps.Deleter.Schedule(s.ns, s.rng)
	}

	if err := steps.Transition(d.ctx, types.DonorDone); err != nil {
		d.deps.Logger.Warn("donor transition interrupted", "namespace", s.ns, "to", types.DonorDone.String(), "error", err)
	}
	d.deps.Logger.Info("migration done",
		"namespace", s.ns, "range", s.rng.String(), "session", s.id, "to", s.to,
		"duration", time.Since(s.started))
}

// abortedBeforeStart reports a session aborted before it contacted the recipient.
func (d *Donor) abortedBeforeStart(s *donorSession, cause error) error {
	d.deps.Logger.Warn("migration aborted before start",
		"namespace", s.ns, "range", s.rng.String(), "session", s.id, "error", cause)

	return &types.MigrationError{
		Namespace: s.ns,
		SessionID: s.id,
		Role:      types.RoleDonor,
		State:     types.DonorIdle.String(),
		Cause:     cause,
	}
}

// abort unwinds a migration that failed before the commit.
func (d *Donor) abort(
	ctx context.Context,
	s *donorSession,
	steps *Steps[types.DonorState],
	cause error,
) (types.ChunkVersion, error) {
	state := steps.State()
	d.stopCapture(s)

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StepTimeout)
	err := d.client.ReceiveAbort(abortCtx, s.to, &transport.AbortRequest{Session: s.session(), Reason: cause.Error()})
	cancel()
	if err != nil && !errors.Is(err, types.ErrNoSuchSession) {
		d.deps.Logger.Warn("failed to notify recipient of abort",
			"namespace", s.ns, "session", s.id, "to", s.to, "error", err)
	}

	if err := steps.Transition(d.ctx, types.DonorAborted); err != nil {
		d.deps.Logger.Warn("failed to enter aborted state", "namespace", s.ns, "error", err)
	}

	merr := &types.MigrationError{
		Namespace: s.ns,
		SessionID: s.id,
		Role:      types.RoleDonor,
		State:     state.String(),
		Cause:     cause,
	}
	d.deps.Logger.Warn("migration aborted",
		"namespace", s.ns, "range", s.rng.String(), "session", s.id, "state", state.String(), "error", cause)
	runHook(d.deps.Logger, "OnError", func() error {
		return d.deps.Hooks.OnError(d.ctx, merr)
	})

	return types.ChunkVersion{}, merr
}

// Abort asks the running migration of ns to abort.
//
// Returns:
//   - error: ErrNoActiveMigration if this shard donates nothing in ns,
//     ErrAbortTooLate once the commit started
func (d *Donor) Abort(ns types.Namespace) error {
	d.mu.Lock()
	s := d.sessions[ns]
	d.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: %s", types.ErrNoActiveMigration, ns)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committing {
		return fmt.Errorf("%w: session %s is committing", types.ErrAbortTooLate, s.id)
	}
	s.aborted = true
	s.cancel(errAbortedByOperator)

	return nil
}

func (d *Donor) session(ns types.Namespace, id types.SessionID) (*donorSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sessions[ns]
	if s == nil || s.id != id {
		return nil, fmt.Errorf("%w: %s of %s", types.ErrNoSuchSession, id, ns)
	}

	return s, nil
}

// CloneBatch serves the next documents of the migrating range to the recipient.
func (d *Donor) CloneBatch(_ context.Context, req *transport.CloneBatchRequest) (*transport.CloneBatchResponse, error) {
	s, err := d.session(req.Namespace, req.SessionID)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = d.cfg.CloneBatchSize
	}

	from := s.rng.Min
	if req.After != nil {
		from = *req.After + 1
	}
	if from >= s.rng.Max {
		return &transport.CloneBatchResponse{Done: true}, nil
	}

	docs, err := d.deps.Store.Scan(s.ns, types.Range{Min: from, Max: s.rng.Max}, limit)
	if err != nil {
		return nil, err
	}

	return &transport.CloneBatchResponse{Docs: docs, Done: len(docs) < limit}, nil
}

// TransferMods acknowledges the writes the recipient applied and serves the
// next buffered ones, resolved to the current state of their documents.
func (d *Donor) TransferMods(_ context.Context, req *transport.ModsRequest) (*transport.ModsResponse, error) {
	s, err := d.session(req.Namespace, req.SessionID)
	if err != nil {
		return nil, err
	}

	maxEntries := req.Max
	if maxEntries <= 0 {
		maxEntries = d.cfg.ModsBatchSize
	}

	entries, buffered := s.capture.buf.Drain(req.AckSeq, maxEntries)
	mods := make([]transport.Mod, 0, len(entries))
	for _, e := range entries {
		w := types.Write{Op: types.OpUpsert}
		doc, err := d.deps.Store.Get(s.ns, e.Key)
		switch {
		case err == nil:
			w.Doc = doc
		case errors.Is(err, types.ErrDocumentNotFound):
			w.Op = types.OpDelete
			w.Doc = types.Document{Key: e.Key}
		default:
			return nil, err
		}
		mods = append(mods, transport.Mod{Seq: e.Seq, Write: w})
	}
	if len(mods) > 0 {
		d.deps.Metrics.RecordModsTransferred(len(mods))
	}

	return &transport.ModsResponse{Mods: mods, Remaining: buffered - len(entries)}, nil
}
