package rangemove

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rangemove/internal/catalog"
	"github.com/arloliu/rangemove/internal/cleanup"
	"github.com/arloliu/rangemove/internal/distlock"
	"github.com/arloliu/rangemove/internal/guard"
	"github.com/arloliu/rangemove/internal/hooks"
	"github.com/arloliu/rangemove/internal/kvutil"
	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/internal/membership"
	"github.com/arloliu/rangemove/internal/metrics"
	"github.com/arloliu/rangemove/internal/migration"
	"github.com/arloliu/rangemove/internal/ownership"
	"github.com/arloliu/rangemove/internal/pending"
	"github.com/arloliu/rangemove/internal/rangedeleter"
	"github.com/arloliu/rangemove/internal/storage"
	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

// Shard is one shard of a sharded document store.
//
// Shard is the main entry point of the rangemove library. It handles:
//   - The local ownership table, kept in sync with the catalog
//   - Routed and local writes, captured while a range migrates
//   - Donor and recipient sides of chunk migrations
//   - Orphan cleanup and deletion of ranges that moved away
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - At most one migration per namespace runs on a shard, and at most one
//     per namespace in the cluster
//
// Lifecycle:
//   - Create with NewShard()
//   - Call Start() to open the catalog, install layouts and serve other shards
//   - Call Stop() for graceful shutdown
type Shard struct {
	cfg  Config
	conn *nats.Conn

	// Optional dependencies
	hooks   Hooks
	metrics MetricsCollector
	logger  Logger
	store   Storage

	// Local state
	table   *ownership.Table
	pending *pending.Registry
	guard   *guard.Guard
	deleter *rangedeleter.Deleter
	cleaner *cleanup.Cleaner
	client  *transport.Client

	// Created by Start
	catalog   *catalog.KV
	locker    *distlock.Locker
	member    *membership.Member
	members   jetstream.KeyValue
	donor     *migration.Donor
	recipient *migration.Recipient
	server    *transport.Server

	// Lifecycle management
	started atomic.Bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewShard creates a new Shard with the provided configuration.
//
// Returns a concrete *Shard struct following the "accept interfaces, return structs" principle.
//
// Parameters:
//   - cfg: Shard configuration; missing values are filled with defaults
//   - conn: NATS connection used for the catalog, the locks and cross-shard requests
//   - opts: Optional configuration (hooks, metrics, logger, storage)
//
// Returns:
//   - *Shard: Initialized shard, not started
//   - error: ErrInvalidConfig or ErrNATSConnectionRequired
//
// Example:
//
//	cfg := rangemove.DefaultConfig()
//	cfg.ShardID = "shard0"
//	shard, err := rangemove.NewShard(&cfg, nc, rangemove.WithLogger(logger))
func NewShard(cfg *Config, conn *nats.Conn, opts ...Option) (*Shard, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}

	// Fill in missing configuration values with defaults
	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &shardOptions{}
	for _, opt := range opts {
		opt(options)
	}

	// Provide safe defaults for optional dependencies to avoid nil checks everywhere
	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}

	// Validate with warnings after logger is available
	cfg.ValidateWithWarnings(loggerInstance)

	store := options.storage
	if store == nil {
		store = storage.NewMemory()
	}

	table := ownership.New(cfg.ShardID)
	reg := pending.New()
	g := guard.New()

	s := &Shard{
		cfg:     *cfg,
		conn:    conn,
		hooks:   hooks.WithDefaults(options.hooks),
		metrics: metricsCollector,
		logger:  loggerInstance,
		store:   store,
		table:   table,
		pending: reg,
		guard:   g,
		deleter: rangedeleter.New(store, table, reg, cfg.RangeDeleteBatchSize, cfg.RangeDeleteYield,
			loggerInstance, metricsCollector),
		cleaner: cleanup.New(store, table, reg, g, cfg.CleanupBatchSize, loggerInstance, metricsCollector),
		client: transport.NewClient(conn, cfg.SubjectPrefix, cfg.StepTimeout, transport.Retry{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		}, loggerInstance),
	}

	return s, nil
}

// Start opens the catalog and lock buckets, installs the current layout of
// every sharded collection and starts serving other shards.
//
// Parameters:
//   - ctx: Context for cancellation and timeout of the startup
//
// Returns:
//   - error: ErrAlreadyStarted, or a startup error
func (s *Shard) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()

		return ErrAlreadyStarted
	}

	// Create shard context with parent
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.cancel()
		if s.server != nil {
			s.server.Stop()
		}
		s.wg.Wait()
		if s.member != nil {
			_ = s.member.Leave(context.WithoutCancel(ctx))
		}

		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		return err
	}

	s.started.Store(true)
	s.logger.Info("shard started", "shard", s.cfg.ShardID, "namespaces", len(s.table.Namespaces()))

	return nil
}

func (s *Shard) start(ctx context.Context) error {
	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	js, err := jetstream.New(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	// The catalog is durable; lock entries expire when their holder stops renewing.
	catalogKV, err := s.ensureKVBucket(startupCtx, js, s.cfg.KVBuckets.CatalogBucket, 0)
	if err != nil {
		return fmt.Errorf("failed to create catalog KV: %w", err)
	}

	lockKV, err := s.ensureKVBucket(startupCtx, js, s.cfg.KVBuckets.LockBucket, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to create lock KV: %w", err)
	}

	s.members, err = s.ensureKVBucket(startupCtx, js, s.cfg.KVBuckets.MembershipBucket, s.cfg.MembershipTTL)
	if err != nil {
		return fmt.Errorf("failed to create membership KV: %w", err)
	}

	// Refuse to run twice under the same shard ID
	member := membership.New(s.members, s.cfg.ShardID, s.cfg.HeartbeatInterval, s.logger, s.metrics, s.membershipLost)
	if err := member.Join(startupCtx); err != nil {
		return err
	}
	s.member = member

	s.catalog = catalog.New(catalogKV, s.logger, s.metrics)
	s.locker = distlock.New(lockKV, s.cfg.ShardID)

	deps := migration.Deps{
		Shard:   s.cfg.ShardID,
		Table:   s.table,
		Pending: s.pending,
		Guard:   s.guard,
		Store:   s.store,
		Catalog: s.catalog,
		Locker:  s.locker,
		Deleter: s.deleter,
		Logger:  s.logger,
		Metrics: s.metrics,
		Hooks:   s.hooks,
	}
	mcfg := migration.Config{
		CloneBatchSize:       s.cfg.CloneBatchSize,
		ModsBatchSize:        s.cfg.ModsBatchSize,
		MaxCatchUpRounds:     s.cfg.MaxCatchUpRounds,
		StatusPollInterval:   s.cfg.StatusPollInterval,
		CatchUpTimeout:       s.cfg.CatchUpTimeout,
		CommitTimeout:        s.cfg.CommitTimeout,
		CommitResolveTimeout: s.cfg.CommitResolveTimeout,
		StepTimeout:          s.cfg.StepTimeout,
		LockTTL:              s.cfg.LockTTL,
	}
	s.donor = migration.NewDonor(s.ctx, deps, mcfg, s.client)
	s.recipient = migration.NewRecipient(s.ctx, deps, mcfg, s.client)

	// Install the current layouts before serving anything
	namespaces, err := s.catalog.Namespaces(startupCtx)
	if err != nil {
		return fmt.Errorf("failed to list sharded collections: %w", err)
	}
	for _, ns := range namespaces {
		if _, err := s.RefreshOwnership(startupCtx, ns); err != nil {
			return err
		}
	}

	updates, err := s.catalog.Watch(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}
	s.wg.Go(func() { s.monitorLayoutChanges(updates) })

	s.server = transport.NewServer(s.conn, s.cfg.SubjectPrefix, s.cfg.ShardID, &shardHandler{s: s}, s.logger)
	if err := s.server.Start(s.ctx); err != nil {
		return fmt.Errorf("failed to start transport server: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the shard.
//
// Running migrations that have not committed abort. Stop waits for background
// work until ctx is done.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: ErrNotStarted if the shard is not running, or ctx's error on timeout
func (s *Shard) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx == nil || s.stopped {
		s.mu.Unlock()

		return ErrNotStarted
	}
	s.stopped = true
	s.started.Store(false)

	// Cancel shard context to stop all background goroutines
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.server.Stop()
		s.deleter.Stop()
		s.recipient.Wait()
		s.wg.Wait()
		if err := s.member.Leave(ctx); err != nil {
			s.logger.Warn("failed to leave membership", "shard", s.cfg.ShardID, "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("shard stopped gracefully", "shard", s.cfg.ShardID)
		return nil
	case <-ctx.Done():
		s.logger.Error("shutdown timeout exceeded, some goroutines may still be running", "shard", s.cfg.ShardID)
		return ctx.Err()
	}
}

// ID returns the shard's ID.
func (s *Shard) ID() ShardID {
	return s.cfg.ShardID
}

func (s *Shard) checkStarted() error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	return nil
}

// ShardCollection creates the initial layout of a collection in the catalog.
//
// Parameters:
//   - ctx: Context for the catalog write
//   - ns: Collection namespace
//   - splitPoints: Strictly increasing keys separating the chunks
//   - owners: Owning shard per chunk, len(splitPoints)+1 entries
//
// Returns:
//   - *CollectionLayout: The stored layout at version {epoch, 1}
//   - error: ErrCollectionExists, ErrInvalidLayout or a catalog error
//
// Example:
//
//	// [MinKey, 0) and [0, 20) on shard0, [20, MaxKey) on shard1
//	layout, err := shard.ShardCollection(ctx, "app.users",
//	    []rangemove.Key{0, 20}, []rangemove.ShardID{"shard0", "shard0", "shard1"})
func (s *Shard) ShardCollection(ctx context.Context, ns Namespace, splitPoints []Key, owners []ShardID) (*CollectionLayout, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	layout, err := types.NewCollectionLayout(ns, types.NewEpoch(ns, time.Now()), splitPoints, owners)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.CreateCollection(ctx, layout); err != nil {
		return nil, err
	}
	if _, err := s.installLayout(layout); err != nil {
		return nil, err
	}

	s.logger.Info("collection sharded",
		"namespace", ns, "shard", s.cfg.ShardID, "chunks", len(layout.Chunks), "version", layout.Version.String())

	return layout, nil
}

// RefreshOwnership reloads the layout of ns from the catalog and installs it if newer.
//
// Returns:
//   - *CollectionLayout: The layout installed after the refresh
//   - error: ErrNamespaceNotSharded or a catalog error
func (s *Shard) RefreshOwnership(ctx context.Context, ns Namespace) (*CollectionLayout, error) {
	layout, err := s.catalog.Load(ctx, ns)
	if err != nil {
		return nil, err
	}
	if _, err := s.installLayout(layout); err != nil {
		return nil, err
	}

	current, ok := s.table.Snapshot(ns)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotSharded, ns)
	}

	return current, nil
}

// installLayout installs layout if it is newer than the local one.
func (s *Shard) installLayout(layout *CollectionLayout) (bool, error) {
	installed, err := s.table.Install(layout)
	if err != nil {
		return false, err
	}
	if !installed {
		return false, nil
	}

	s.metrics.RecordLayoutInstalled(layout.Namespace, layout.Version.Counter)
	s.logger.Debug("layout installed",
		"namespace", layout.Namespace, "shard", s.cfg.ShardID, "version", layout.Version.String())

	go func() {
		if err := s.hooks.OnOwnershipChanged(s.ctx, layout); err != nil {
			s.logger.Warn("ownership change hook error", "namespace", layout.Namespace, "error", err)
		}
	}()

	return true, nil
}

func (s *Shard) membershipLost(err error) {
	s.logger.Error("membership lease lost", "shard", s.cfg.ShardID, "error", err)
	go func() {
		if hookErr := s.hooks.OnError(s.ctx, err); hookErr != nil {
			s.logger.Warn("error hook failed", "error", hookErr)
		}
	}()
}

// LiveShards lists the shards currently holding a membership lease, including
// this one.
//
// Parameters:
//   - ctx: Context for the KV reads
//
// Returns:
//   - []ShardID: Live shards sorted by ID
//   - error: ErrNotStarted, or a KV error
func (s *Shard) LiveShards(ctx context.Context) ([]ShardID, error) {
	if err := s.checkStarted(); err != nil {
		return nil, err
	}

	members, err := membership.List(ctx, s.members)
	if err != nil {
		return nil, err
	}

	ids := make([]ShardID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Shard)
	}

	return ids, nil
}

// monitorLayoutChanges installs the layouts stored in the catalog as they change.
func (s *Shard) monitorLayoutChanges(updates <-chan *CollectionLayout) {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("layout monitor stopping (context cancelled)", "shard", s.cfg.ShardID)
			return
		case layout, ok := <-updates:
			if !ok {
				return
			}
			if _, err := s.installLayout(layout); err != nil {
				s.logger.Error("failed to install layout from catalog", "namespace", layout.Namespace, "error", err)
			}
		}
	}
}

// Route returns the chunk containing key according to the local ownership table.
func (s *Shard) Route(ns Namespace, key Key) (Chunk, error) {
	return s.table.Lookup(ns, key)
}

// Ownership returns the installed layout of ns.
func (s *Shard) Ownership(ns Namespace) (*CollectionLayout, bool) {
	return s.table.Snapshot(ns)
}

// ShardVersion returns the version a router must attach to writes routed to this shard.
func (s *Shard) ShardVersion(ns Namespace) (ChunkVersion, error) {
	return s.table.ShardVersion(ns)
}

// Write applies a routed write.
//
// The write is rejected unless it was routed with this shard's current
// version and its key is owned by this shard. A shard that is behind the
// router refreshes from the catalog first. Writes to a range that is being
// migrated are recorded for the recipient; while the migration commits they
// wait, and fail with ErrStaleOwnershipVersion if the key moved away.
//
// Parameters:
//   - ctx: Context for a catalog refresh
//   - ns: Collection namespace
//   - version: This shard's version as known to the router
//   - w: The write
//
// Returns:
//   - error: ErrStaleOwnershipVersion, ErrRangeNotOwned, ErrInvalidWrite or a storage error
func (s *Shard) Write(ctx context.Context, ns Namespace, version ChunkVersion, w Write) error {
	if err := s.checkStarted(); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}

	if s.table.IsBehind(ns, version) {
		if _, err := s.RefreshOwnership(ctx, ns); err != nil {
			return err
		}
	}

	return s.donor.Apply(ns, w, func(w Write) error {
		if err := s.table.CheckVersion(ns, version); err != nil {
			return err
		}
		if !s.table.Owns(ns, w.Doc.Key) {
			return fmt.Errorf("%w: key %s of %s", ErrRangeNotOwned, w.Doc.Key, ns)
		}

		return s.store.Apply(ns, w)
	})
}

// LocalWrite applies a write directly to the local storage engine without
// version or ownership checks. Writes to a migrating range are still captured.
func (s *Shard) LocalWrite(ns Namespace, w Write) error {
	if err := s.checkStarted(); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}

	return s.donor.Apply(ns, w, func(w Write) error {
		return s.store.Apply(ns, w)
	})
}

// Get returns the document stored under key if this shard owns it.
// Orphaned documents are never returned.
func (s *Shard) Get(ns Namespace, key Key) (Document, error) {
	if !s.table.Owns(ns, key) {
		return Document{}, fmt.Errorf("%w: key %s of %s", ErrRangeNotOwned, key, ns)
	}

	return s.store.Get(ns, key)
}

// Count returns the number of documents stored locally in rng, orphans included.
func (s *Shard) Count(ns Namespace, rng Range) int {
	return s.store.Count(ns, rng)
}

// StartMigration moves the chunk rng of ns from this shard to shard to.
//
// It blocks until the migration is Done or Aborted.
//
// Parameters:
//   - ctx: Cancelling ctx before the commit aborts the migration
//   - ns: Collection namespace
//   - rng: Exact range of a chunk owned by this shard
//   - to: Recipient shard
//   - waitForDelete: Delete the moved documents before returning instead of in the background
//
// Returns:
//   - ChunkVersion: Collection version after the commit
//   - error: ErrMigrationAlreadyActive, ErrRangeNotOwned, or a *MigrationError
//     matching ErrMigrationAborted
//
// Example:
//
//	version, err := shard.StartMigration(ctx, "app.users", rangemove.Range{Min: 0, Max: 20}, "shard1", true)
//	if errors.Is(err, rangemove.ErrMigrationAborted) {
//	    // ownership is unchanged, retry later
//	}
func (s *Shard) StartMigration(ctx context.Context, ns Namespace, rng Range, to ShardID, waitForDelete bool) (ChunkVersion, error) {
	if err := s.checkStarted(); err != nil {
		return ChunkVersion{}, err
	}

	return s.donor.Migrate(ctx, ns, rng, to, waitForDelete)
}

// AbortMigration aborts the migration this shard runs for ns, as donor or recipient.
//
// Returns:
//   - error: ErrNoActiveMigration, or ErrAbortTooLate once the commit started
func (s *Shard) AbortMigration(ns Namespace) error {
	if err := s.checkStarted(); err != nil {
		return err
	}

	err := s.donor.Abort(ns)
	if !errors.Is(err, ErrNoActiveMigration) {
		return err
	}

	return s.recipient.Abort(ns)
}

// CleanupOrphaned deletes the documents of ns this shard stores but neither
// owns nor is receiving.
//
// Parameters:
//   - ctx: Context for cancellation
//   - ns: Collection namespace
//   - maxBatches: Upper bound on batches (<= 0 means until the end)
//
// Returns:
//   - CleanupResult: Deleted count and the key to resume from
//   - error: ErrCleanupBlockedByActiveMigration while this shard donates a
//     range of ns that has not committed
func (s *Shard) CleanupOrphaned(ctx context.Context, ns Namespace, maxBatches int) (CleanupResult, error) {
	return s.ResumeCleanup(ctx, ns, MinKey, maxBatches)
}

// ResumeCleanup continues an orphan cleanup from the NextKey of a previous result.
func (s *Shard) ResumeCleanup(ctx context.Context, ns Namespace, from Key, maxBatches int) (CleanupResult, error) {
	if err := s.checkStarted(); err != nil {
		return CleanupResult{}, err
	}

	return s.cleaner.Cleanup(ctx, ns, from, maxBatches)
}

// DonorSteps returns the donor state machine of ns, used to observe and pause migrations.
func (s *Shard) DonorSteps(ns Namespace) *migration.Steps[DonorState] {
	return s.donor.Steps(ns)
}

// RecipientSteps returns the recipient state machine of ns.
func (s *Shard) RecipientSteps(ns Namespace) *migration.Steps[RecipientState] {
	return s.recipient.Steps(ns)
}

// ActiveMigrations lists the migrations this shard participates in.
func (s *Shard) ActiveMigrations() []ActiveMigration {
	return s.guard.List()
}

// PendingRanges lists the ranges of ns this shard is receiving.
func (s *Shard) PendingRanges(ns Namespace) []PendingRange {
	return s.pending.List(ns)
}

// WaitForRangeDeletions blocks until every scheduled range deletion finished.
func (s *Shard) WaitForRangeDeletions(ctx context.Context) error {
	return s.deleter.Wait(ctx)
}

// Status summarizes the migration related state of the shard.
func (s *Shard) Status() *Status {
	st := &Status{
		Shard:     s.cfg.ShardID,
		Active:    s.guard.List(),
		Donor:     make(map[Namespace]string),
		Recipient: make(map[Namespace]string),
		Layouts:   make(map[Namespace]string),
		Owned:     make(map[Namespace][]Range),
	}

	for _, ns := range s.table.Namespaces() {
		st.Pending = append(st.Pending, s.pending.List(ns)...)
		if layout, ok := s.table.Snapshot(ns); ok {
			st.Layouts[ns] = layout.Version.String()
		}
		st.Owned[ns] = s.table.OwnedRanges(ns)
	}
	if s.donor != nil {
		for ns, state := range s.donor.States() {
			st.Donor[ns] = state.String()
		}
		for ns, state := range s.recipient.States() {
			st.Recipient[ns] = state.String()
		}
	}

	return st
}

// ensureKVBucket creates or opens a KV bucket with the specified TTL.
//
// Uses retry logic to handle race conditions when multiple shards
// try to create the same bucket concurrently.
func (s *Shard) ensureKVBucket(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	cfg := jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1, // Keep only latest value
	}

	if ttl > 0 {
		cfg.TTL = ttl
	}

	// Use retry logic to handle concurrent creation
	const maxRetries = 5
	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, cfg, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to create/open KV bucket %s: %w", bucket, err)
	}

	return kv, nil
}
