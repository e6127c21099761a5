package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/internal/catalog"
	"github.com/arloliu/rangemove/internal/distlock"
	"github.com/arloliu/rangemove/internal/guard"
	"github.com/arloliu/rangemove/internal/hooks"
	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/internal/metrics"
	"github.com/arloliu/rangemove/internal/ownership"
	"github.com/arloliu/rangemove/internal/pending"
	"github.com/arloliu/rangemove/internal/rangedeleter"
	"github.com/arloliu/rangemove/internal/storage"
	"github.com/arloliu/rangemove/internal/transport"
	rmtest "github.com/arloliu/rangemove/testing"
	"github.com/arloliu/rangemove/types"
)

const testNS types.Namespace = "test.user"

var (
	rangeA = types.Range{Min: types.MinKey, Max: 0}
	rangeB = types.Range{Min: 0, Max: 20}
	rangeC = types.Range{Min: 20, Max: types.MaxKey}
)

func testConfig() Config {
	return Config{
		CloneBatchSize:       4,
		ModsBatchSize:        8,
		MaxCatchUpRounds:     20,
		StatusPollInterval:   5 * time.Millisecond,
		CatchUpTimeout:       5 * time.Second,
		CommitTimeout:        2 * time.Second,
		CommitResolveTimeout: 200 * time.Millisecond,
		StepTimeout:          time.Second,
		LockTTL:              3 * time.Second,
	}
}

type testShard struct {
	deps      Deps
	donor     *Donor
	recipient *Recipient
	stop      func()
}

// write applies w the way a routed write does: through the donor's capture,
// with the ownership check inside.
func (s *testShard) write(w types.Write) error {
	return s.donor.Apply(testNS, w, func(w types.Write) error {
		if !s.deps.Table.Owns(testNS, w.Doc.Key) {
			return types.ErrRangeNotOwned
		}

		return s.deps.Store.Apply(testNS, w)
	})
}

func (s *testShard) count(rng types.Range) int {
	return s.deps.Store.Count(testNS, rng)
}

// loopback delivers step signals directly to the addressed shard.
type loopback struct {
	mu       sync.Mutex
	shards   map[types.ShardID]*testShard
	failures map[transport.Verb]error
}

func (l *loopback) fail(verb transport.Verb, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures[verb] = err
}

func (l *loopback) route(verb transport.Verb, shard types.ShardID) (*testShard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failures[verb]; err != nil {
		return nil, err
	}
	s, ok := l.shards[shard]
	if !ok {
		return nil, fmt.Errorf("no shard %q", shard)
	}

	return s, nil
}

func (l *loopback) StartReceive(ctx context.Context, shard types.ShardID, req *transport.StartRequest) error {
	s, err := l.route(transport.VerbRecvStart, shard)
	if err != nil {
		return err
	}

	return s.recipient.StartReceive(ctx, req)
}

func (l *loopback) ReceiveStatus(ctx context.Context, shard types.ShardID, req *transport.Session) (*transport.StatusResponse, error) {
	s, err := l.route(transport.VerbRecvStatus, shard)
	if err != nil {
		return nil, err
	}

	return s.recipient.ReceiveStatus(ctx, req)
}

func (l *loopback) ReceiveCommit(ctx context.Context, shard types.ShardID, req *transport.Session) error {
	s, err := l.route(transport.VerbRecvCommit, shard)
	if err != nil {
		return err
	}

	return s.recipient.ReceiveCommit(ctx, req)
}

func (l *loopback) ReceiveCommitted(ctx context.Context, shard types.ShardID, req *transport.CommittedRequest) error {
	s, err := l.route(transport.VerbRecvCommitted, shard)
	if err != nil {
		return err
	}

	return s.recipient.ReceiveCommitted(ctx, req)
}

func (l *loopback) ReceiveAbort(ctx context.Context, shard types.ShardID, req *transport.AbortRequest) error {
	s, err := l.route(transport.VerbRecvAbort, shard)
	if err != nil {
		return err
	}

	return s.recipient.ReceiveAbort(ctx, req)
}

func (l *loopback) CloneBatch(ctx context.Context, shard types.ShardID, req *transport.CloneBatchRequest) (*transport.CloneBatchResponse, error) {
	s, err := l.route(transport.VerbCloneBatch, shard)
	if err != nil {
		return nil, err
	}

	return s.donor.CloneBatch(ctx, req)
}

func (l *loopback) TransferMods(ctx context.Context, shard types.ShardID, req *transport.ModsRequest) (*transport.ModsResponse, error) {
	s, err := l.route(transport.VerbModsTransfer, shard)
	if err != nil {
		return nil, err
	}

	return s.donor.TransferMods(ctx, req)
}

type cluster struct {
	catalog *catalog.KV
	net     *loopback
	shard0  *testShard
	shard1  *testShard
}

// newCluster starts two shards sharing a catalog where shard0 owns rangeA and
// rangeB and shard1 owns rangeC. shard0 stores a document under every key of rangeB.
func newCluster(t *testing.T, cfg Config) *cluster {
	t.Helper()

	_, nc := rmtest.StartEmbeddedNATS(t)
	logger := logging.NewTest(t)
	cat := catalog.New(rmtest.CreateJetStreamKV(t, nc, "test-catalog", 0), logger, nil)
	lockKV := rmtest.CreateJetStreamKV(t, nc, "test-locks", cfg.LockTTL)

	layout, err := types.NewCollectionLayout(testNS, "e1", []types.Key{0, 20}, []types.ShardID{"shard0", "shard0", "shard1"})
	require.NoError(t, err)
	require.NoError(t, cat.CreateCollection(t.Context(), layout))

	net := &loopback{shards: make(map[types.ShardID]*testShard), failures: make(map[transport.Verb]error)}
	for _, id := range []types.ShardID{"shard0", "shard1"} {
		table := ownership.New(id)
		_, err := table.Install(layout)
		require.NoError(t, err)

		reg := pending.New()
		store := storage.NewMemory()
		deleter := rangedeleter.New(store, table, reg, 4, 0, logger, metrics.NewNop())

		deps := Deps{
			Shard:   id,
			Table:   table,
			Pending: reg,
			Guard:   guard.New(),
			Store:   store,
			Catalog: cat,
			Locker:  distlock.New(lockKV, id),
			Deleter: deleter,
			Logger:  logger,
			Metrics: metrics.NewNop(),
			Hooks:   hooks.NewNop(),
		}
		ctx, cancel := context.WithCancel(context.Background())
		s := &testShard{
			deps:      deps,
			donor:     NewDonor(ctx, deps, cfg, net),
			recipient: NewRecipient(ctx, deps, cfg, net),
		}
		s.stop = func() {
			cancel()
			s.recipient.Wait()
		}
		t.Cleanup(func() {
			s.stop()
			deleter.Stop()
		})
		net.shards[id] = s
	}

	c := &cluster{catalog: cat, net: net, shard0: net.shards["shard0"], shard1: net.shards["shard1"]}
	for k := range types.Key(20) {
		require.NoError(t, c.shard0.write(upsert(k, "v0")))
	}

	return c
}

func upsert(key types.Key, value string) types.Write {
	return types.Write{Op: types.OpUpsert, Doc: types.Document{Key: key, Value: []byte(value)}}
}

type migrateResult struct {
	version types.ChunkVersion
	err     error
}

// migrateAsync moves rangeB from shard0 to shard1 in the background.
func (c *cluster) migrateAsync(ctx context.Context, waitForDelete bool) <-chan migrateResult {
	ch := make(chan migrateResult, 1)
	go func() {
		version, err := c.shard0.donor.Migrate(ctx, testNS, rangeB, "shard1", waitForDelete)
		ch <- migrateResult{version: version, err: err}
	}()

	return ch
}

func waitResult(t *testing.T, ch <-chan migrateResult) migrateResult {
	t.Helper()

	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("migration did not finish")
		return migrateResult{}
	}
}

func requireNoMigration(t *testing.T, s *testShard) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, active := s.deps.Guard.Active(testNS)
		return !active && len(s.deps.Pending.List(testNS)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMigrate_Commit(t *testing.T) {
	c := newCluster(t, testConfig())

	version, err := c.shard0.donor.Migrate(t.Context(), testNS, rangeB, "shard1", true)
	require.NoError(t, err)
	require.Equal(t, types.ChunkVersion{Epoch: "e1", Counter: 2}, version)

	require.Equal(t, types.DonorDone, c.shard0.donor.Steps(testNS).State())
	require.NoError(t, <-c.shard1.recipient.Steps(testNS).WaitState(types.RecipientCommitted, 2*time.Second))

	// Both shards route rangeB to shard1 and the catalog agrees.
	for _, s := range []*testShard{c.shard0, c.shard1} {
		chunk, err := s.deps.Table.Lookup(testNS, 5)
		require.NoError(t, err)
		require.Equal(t, types.ShardID("shard1"), chunk.Shard)
	}
	stored, err := c.catalog.Load(t.Context(), testNS)
	require.NoError(t, err)
	require.Equal(t, version, stored.Version)

	require.Equal(t, 20, c.shard1.count(rangeB))
	require.Equal(t, 0, c.shard0.count(rangeB), "donor deletes the range before returning")

	requireNoMigration(t, c.shard0)
	requireNoMigration(t, c.shard1)

	// The collection lock is free again.
	_, held, err := c.shard0.deps.Locker.Holder(t.Context(), testNS)
	require.NoError(t, err)
	require.False(t, held)
}

func TestMigrate_CapturesWrites(t *testing.T) {
	c := newCluster(t, testConfig())
	steps := c.shard0.donor.Steps(testNS)
	steps.PauseAt(types.DonorCloned)
	defer steps.Resume(types.DonorCloned)

	result := c.migrateAsync(t.Context(), true)
	require.NoError(t, <-steps.WaitState(types.DonorCloned, 5*time.Second))

	// Writes after the clone reach the recipient through the mods buffer.
	require.NoError(t, c.shard0.write(upsert(3, "v1")))
	require.NoError(t, c.shard0.write(types.Write{Op: types.OpDelete, Doc: types.Document{Key: 4}}))
	require.NoError(t, c.shard0.write(upsert(7, "v1")))
	require.NoError(t, c.shard0.write(upsert(7, "v2")))

	steps.Resume(types.DonorCloned)
	res := waitResult(t, result)
	require.NoError(t, res.err)

	require.Equal(t, 19, c.shard1.count(rangeB))
	doc, err := c.shard1.deps.Store.Get(testNS, 7)
	require.NoError(t, err)
	require.Equal(t, "v2", string(doc.Value))
	doc, err = c.shard1.deps.Store.Get(testNS, 3)
	require.NoError(t, err)
	require.Equal(t, "v1", string(doc.Value))
	_, err = c.shard1.deps.Store.Get(testNS, 4)
	require.ErrorIs(t, err, types.ErrDocumentNotFound)
}

func TestMigrate_BlocksWritesDuringCommit(t *testing.T) {
	c := newCluster(t, testConfig())
	steps := c.shard0.donor.Steps(testNS)
	steps.PauseAt(types.DonorCommitPending)
	defer steps.Resume(types.DonorCommitPending)

	result := c.migrateAsync(t.Context(), false)
	require.NoError(t, <-steps.WaitState(types.DonorCommitPending, 5*time.Second))

	// Writes outside the migrating range are not affected.
	require.NoError(t, c.shard0.write(upsert(-5, "a")))

	blocked := make(chan error, 1)
	go func() { blocked <- c.shard0.write(upsert(5, "late")) }()

	select {
	case err := <-blocked:
		t.Fatalf("write to the migrating range returned during the commit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	steps.Resume(types.DonorCommitPending)
	require.NoError(t, waitResult(t, result).err)

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, types.ErrStaleOwnershipVersion)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked write did not return after the commit")
	}

	doc, err := c.shard1.deps.Store.Get(testNS, 5)
	require.NoError(t, err)
	require.Equal(t, "v0", string(doc.Value), "the rejected write was not applied anywhere")

	// The background deletion empties the donor's copy.
	require.NoError(t, c.shard0.deps.Deleter.Wait(t.Context()))
	require.Equal(t, 0, c.shard0.count(rangeB))
}

func TestMigrate_AlreadyActive(t *testing.T) {
	c := newCluster(t, testConfig())
	steps := c.shard0.donor.Steps(testNS)
	steps.PauseAt(types.DonorCloned)

	result := c.migrateAsync(t.Context(), true)
	require.NoError(t, <-steps.WaitState(types.DonorCloned, 5*time.Second))

	_, err := c.shard0.donor.Migrate(t.Context(), testNS, rangeA, "shard1", true)
	require.ErrorIs(t, err, types.ErrMigrationAlreadyActive)

	steps.Resume(types.DonorCloned)
	require.NoError(t, waitResult(t, result).err)
}

func TestMigrate_InvalidRequest(t *testing.T) {
	c := newCluster(t, testConfig())

	tests := []struct {
		name string
		rng  types.Range
		to   types.ShardID
		want error
	}{
		{name: "not a chunk", rng: types.Range{Min: 0, Max: 10}, to: "shard1", want: types.ErrRangeNotOwned},
		{name: "owned by another shard", rng: rangeC, to: "shard1", want: types.ErrRangeNotOwned},
		{name: "to itself", rng: rangeB, to: "shard0", want: types.ErrInvalidMigration},
		{name: "empty range", rng: types.Range{Min: 5, Max: 5}, to: "shard1", want: types.ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.shard0.donor.Migrate(t.Context(), testNS, tt.rng, tt.to, true)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := c.shard0.donor.Migrate(t.Context(), "test.missing", rangeB, "shard1", true)
	require.ErrorIs(t, err, types.ErrNamespaceNotSharded)
	require.Equal(t, types.DonorIdle, c.shard0.donor.Steps(testNS).State())
}

func TestMigrate_OperatorAbort(t *testing.T) {
	c := newCluster(t, testConfig())
	steps := c.shard0.donor.Steps(testNS)
	steps.PauseAt(types.DonorCloned)
	defer steps.Resume(types.DonorCloned)

	require.ErrorIs(t, c.shard0.donor.Abort(testNS), types.ErrNoActiveMigration)

	result := c.migrateAsync(t.Context(), true)
	require.NoError(t, <-steps.WaitState(types.DonorCloned, 5*time.Second))
	require.Equal(t, 20, c.shard1.count(rangeB), "recipient holds the clone")
	require.Len(t, c.shard1.deps.Pending.List(testNS), 1)

	require.NoError(t, c.shard0.donor.Abort(testNS))

	res := waitResult(t, result)
	require.ErrorIs(t, res.err, types.ErrMigrationAborted)
	require.ErrorIs(t, res.err, errAbortedByOperator)

	var merr *types.MigrationError
	require.ErrorAs(t, res.err, &merr)
	require.Equal(t, types.RoleDonor, merr.Role)
	require.Equal(t, types.DonorCloned.String(), merr.State)

	require.Equal(t, types.DonorAborted, steps.State())
	require.NoError(t, <-c.shard1.recipient.Steps(testNS).WaitState(types.RecipientAborted, 2*time.Second))

	// Ownership is unchanged and the recipient discarded its clone.
	chunk, err := c.shard0.deps.Table.Lookup(testNS, 5)
	require.NoError(t, err)
	require.Equal(t, types.ShardID("shard0"), chunk.Shard)
	require.Equal(t, 20, c.shard0.count(rangeB))
	require.Equal(t, 0, c.shard1.count(rangeB))

	requireNoMigration(t, c.shard0)
	requireNoMigration(t, c.shard1)

	// The namespace can migrate again.
	steps.Resume(types.DonorCloned)
	_, err = c.shard0.donor.Migrate(t.Context(), testNS, rangeB, "shard1", true)
	require.NoError(t, err)
}

func TestMigrate_AbortOnceGuardHeld(t *testing.T) {
	c := newCluster(t, testConfig())
	steps := c.shard0.donor.Steps(testNS)
	steps.PauseAt(types.DonorCloneInitiated)
	defer steps.Resume(types.DonorCloneInitiated)

	result := c.migrateAsync(t.Context(), true)
	require.Eventually(t, func() bool {
		_, active := c.shard0.deps.Guard.Active(testNS)
		return active
	}, 5*time.Second, time.Millisecond)

	// The guard is visible, so the migration is abortable even before it started running.
	require.NoError(t, c.shard0.donor.Abort(testNS))

	res := waitResult(t, result)
	require.ErrorIs(t, res.err, types.ErrMigrationAborted)
	require.ErrorIs(t, res.err, errAbortedByOperator)
	requireNoMigration(t, c.shard0)
	requireNoMigration(t, c.shard1)

	chunk, err := c.shard0.deps.Table.Lookup(testNS, 5)
	require.NoError(t, err)
	require.Equal(t, types.ShardID("shard0"), chunk.Shard)
	require.Equal(t, 20, c.shard0.count(rangeB))
}

func TestMigrate_RecipientUnreachable(t *testing.T) {
	c := newCluster(t, testConfig())
	c.net.fail(transport.VerbRecvStart, errors.New("no responders"))

	_, err := c.shard0.donor.Migrate(t.Context(), testNS, rangeB, "shard1", true)
	require.ErrorIs(t, err, types.ErrMigrationAborted)
	require.Equal(t, types.DonorAborted, c.shard0.donor.Steps(testNS).State())
	requireNoMigration(t, c.shard0)
	require.Equal(t, 20, c.shard0.count(rangeB))
}

func TestMigrate_CommitSignalFails(t *testing.T) {
	c := newCluster(t, testConfig())
	c.net.fail(transport.VerbRecvCommit, errors.New("connection lost"))

	_, err := c.shard0.donor.Migrate(t.Context(), testNS, rangeB, "shard1", true)
	require.ErrorIs(t, err, types.ErrMigrationAborted)

	require.NoError(t, <-c.shard1.recipient.Steps(testNS).WaitState(types.RecipientAborted, 2*time.Second))
	require.Equal(t, 0, c.shard1.count(rangeB))
	require.Equal(t, 20, c.shard0.count(rangeB))
	requireNoMigration(t, c.shard1)

	stored, err := c.catalog.Load(t.Context(), testNS)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.Version.Counter)
}

func TestMigrate_StaleCatalog(t *testing.T) {
	c := newCluster(t, testConfig())
	steps := c.shard0.donor.Steps(testNS)
	steps.PauseAt(types.DonorCloned)
	defer steps.Resume(types.DonorCloned)

	result := c.migrateAsync(t.Context(), true)
	require.NoError(t, <-steps.WaitState(types.DonorCloned, 5*time.Second))

	// Another move lands in the catalog behind the donor's back.
	_, err := c.catalog.CommitMigration(t.Context(), testNS, rangeA, "shard0", "shard1", types.ChunkVersion{Epoch: "e1", Counter: 1})
	require.NoError(t, err)

	steps.Resume(types.DonorCloned)
	res := waitResult(t, result)
	require.ErrorIs(t, res.err, types.ErrMigrationAborted)
	require.ErrorIs(t, res.err, types.ErrStaleOwnershipVersion)

	require.NoError(t, <-c.shard1.recipient.Steps(testNS).WaitState(types.RecipientAborted, 2*time.Second))
	require.Equal(t, 0, c.shard1.count(rangeB))
	require.Equal(t, 20, c.shard0.count(rangeB))
}

func TestMigrate_RecipientResolvesOutcomeFromCatalog(t *testing.T) {
	c := newCluster(t, testConfig())
	c.net.fail(transport.VerbRecvCommitted, errors.New("connection lost"))

	_, err := c.shard0.donor.Migrate(t.Context(), testNS, rangeB, "shard1", true)
	require.NoError(t, err)

	recipient := c.shard1.recipient.Steps(testNS)
	require.NoError(t, <-recipient.WaitState(types.RecipientCommitted, 5*time.Second))

	chunk, err := c.shard1.deps.Table.Lookup(testNS, 5)
	require.NoError(t, err)
	require.Equal(t, types.ShardID("shard1"), chunk.Shard)
	require.Equal(t, 20, c.shard1.count(rangeB))
	requireNoMigration(t, c.shard1)
}

func TestRecipient_AbortTooLate(t *testing.T) {
	c := newCluster(t, testConfig())
	recipient := c.shard1.recipient.Steps(testNS)
	recipient.PauseAt(types.RecipientReadyToCommit)
	defer recipient.Resume(types.RecipientReadyToCommit)

	require.ErrorIs(t, c.shard1.recipient.Abort(testNS), types.ErrNoActiveMigration)

	result := c.migrateAsync(t.Context(), true)
	require.NoError(t, <-recipient.WaitState(types.RecipientReadyToCommit, 5*time.Second))

	require.ErrorIs(t, c.shard1.recipient.Abort(testNS), types.ErrAbortTooLate)

	recipient.Resume(types.RecipientReadyToCommit)
	require.NoError(t, waitResult(t, result).err)
	require.NoError(t, <-recipient.WaitState(types.RecipientCommitted, 2*time.Second))
}

func TestRecipient_OperatorAbort(t *testing.T) {
	c := newCluster(t, testConfig())
	recipient := c.shard1.recipient.Steps(testNS)
	recipient.PauseAt(types.RecipientApplyingMods)
	defer recipient.Resume(types.RecipientApplyingMods)

	result := c.migrateAsync(t.Context(), true)
	require.NoError(t, <-recipient.WaitState(types.RecipientApplyingMods, 5*time.Second))

	require.NoError(t, c.shard1.recipient.Abort(testNS))

	res := waitResult(t, result)
	require.ErrorIs(t, res.err, types.ErrMigrationAborted)
	assert.Equal(t, types.RecipientAborted, recipient.State())
	assert.Equal(t, 0, c.shard1.count(rangeB))
	requireNoMigration(t, c.shard0)
	requireNoMigration(t, c.shard1)
}

func TestRecipient_StepSignals(t *testing.T) {
	c := newCluster(t, testConfig())
	sess := transport.Session{Namespace: testNS, SessionID: "unknown"}

	_, err := c.shard1.recipient.ReceiveStatus(t.Context(), &sess)
	require.ErrorIs(t, err, types.ErrNoSuchSession)
	require.ErrorIs(t, c.shard1.recipient.ReceiveCommit(t.Context(), &sess), types.ErrNoSuchSession)
	require.NoError(t, c.shard1.recipient.ReceiveAbort(t.Context(), &transport.AbortRequest{Session: sess}),
		"aborting a session that never started succeeds")

	_, err = c.shard0.donor.CloneBatch(t.Context(), &transport.CloneBatchRequest{Session: sess})
	require.ErrorIs(t, err, types.ErrNoSuchSession)
	_, err = c.shard0.donor.TransferMods(t.Context(), &transport.ModsRequest{Session: sess})
	require.ErrorIs(t, err, types.ErrNoSuchSession)

	t.Run("start is idempotent", func(t *testing.T) {
		layout, ok := c.shard1.deps.Table.Snapshot(testNS)
		require.True(t, ok)
		req := &transport.StartRequest{
			Session: transport.Session{Namespace: testNS, SessionID: "s1"},
			Range:   rangeB,
			From:    "shard0",
			Layout:  layout,
		}
		recipient := c.shard1.recipient.Steps(testNS)
		recipient.PauseAt(types.RecipientReceiveStarted)
		defer recipient.Resume(types.RecipientReceiveStarted)

		require.NoError(t, c.shard1.recipient.StartReceive(t.Context(), req))
		require.NoError(t, c.shard1.recipient.StartReceive(t.Context(), req))

		other := *req
		other.SessionID = "s2"
		require.ErrorIs(t, c.shard1.recipient.StartReceive(t.Context(), &other), types.ErrMigrationAlreadyActive)

		require.NoError(t, c.shard1.recipient.ReceiveAbort(t.Context(), &transport.AbortRequest{Session: req.Session}))
		require.NoError(t, <-recipient.WaitState(types.RecipientAborted, 2*time.Second))
		require.ErrorIs(t, c.shard1.recipient.StartReceive(t.Context(), req), types.ErrMigrationAborted)

		st, err := c.shard1.recipient.ReceiveStatus(t.Context(), &req.Session)
		require.NoError(t, err)
		require.Equal(t, types.RecipientAborted, st.State)
	})

	t.Run("start rejects a range the donor does not own", func(t *testing.T) {
		layout, ok := c.shard1.deps.Table.Snapshot(testNS)
		require.True(t, ok)
		err := c.shard1.recipient.StartReceive(t.Context(), &transport.StartRequest{
			Session: transport.Session{Namespace: testNS, SessionID: "s3"},
			Range:   rangeC,
			From:    "shard0",
			Layout:  layout,
		})
		require.ErrorIs(t, err, types.ErrStaleOwnershipVersion)
		requireNoMigration(t, c.shard1)
	})
}

func TestRecipient_Shutdown(t *testing.T) {
	t.Run("rolls back before ready to commit", func(t *testing.T) {
		c := newCluster(t, testConfig())
		donor := c.shard0.donor.Steps(testNS)
		recipient := c.shard1.recipient.Steps(testNS)
		donor.PauseAt(types.DonorCloned)
		defer donor.Resume(types.DonorCloned)

		result := c.migrateAsync(t.Context(), true)
		require.NoError(t, <-recipient.WaitState(types.RecipientApplyingMods, 5*time.Second))
		require.Equal(t, 20, c.shard1.count(rangeB))

		c.shard1.stop()

		require.Equal(t, types.RecipientAborted, recipient.State())
		_, active := c.shard1.deps.Guard.Active(testNS)
		require.False(t, active)
		require.Empty(t, c.shard1.deps.Pending.List(testNS))
		require.Equal(t, 0, c.shard1.count(rangeB), "cloned documents are rolled back")

		donor.Resume(types.DonorCloned)
		res := waitResult(t, result)
		require.ErrorIs(t, res.err, types.ErrMigrationAborted)
		require.Equal(t, 20, c.shard0.count(rangeB))
		requireNoMigration(t, c.shard0)
	})

	t.Run("keeps received data once ready to commit", func(t *testing.T) {
		c := newCluster(t, testConfig())
		recipient := c.shard1.recipient.Steps(testNS)
		recipient.PauseAt(types.RecipientReadyToCommit)
		defer recipient.Resume(types.RecipientReadyToCommit)

		result := c.migrateAsync(t.Context(), true)
		require.NoError(t, <-recipient.WaitState(types.RecipientReadyToCommit, 5*time.Second))

		c.shard1.stop()

		require.Equal(t, types.RecipientReadyToCommit, recipient.State())
		_, active := c.shard1.deps.Guard.Active(testNS)
		require.False(t, active, "the guard is released on shutdown")
		require.Len(t, c.shard1.deps.Pending.List(testNS), 1, "the outcome is unknown, the range stays pending")
		require.Equal(t, 20, c.shard1.count(rangeB))

		// The donor never hears the recipient is ready and aborts.
		res := waitResult(t, result)
		require.ErrorIs(t, res.err, types.ErrMigrationAborted)
		require.Equal(t, 20, c.shard0.count(rangeB))
	})
}
