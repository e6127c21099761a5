// Package migration implements the donor and recipient sides of a chunk migration.
//
// A migration moves one chunk of a collection from a donor shard to a
// recipient shard while both keep serving traffic:
//
//	donor                                   recipient
//	CloneInitiated  -- recv.start -->       ReceiveStarted, Cloning
//	                <-- clone.batch --
//	Cloned          <-- mods.transfer --    Cloned, ApplyingMods
//	CommitPending   -- recv.commit -->      ReadyToCommit
//	Committed       -- recv.committed -->   Committed
//	PostCommitDeleting, Done
//
// The donor captures every write to the migrating range in a mods buffer from
// the moment the clone starts. Writes to the range are blocked only while the
// final mods drain and the catalog commit runs. Either side aborts on any
// failure before the commit, releasing its guard and, on the recipient, its
// pending range and cloned documents.
package migration

import (
	"context"
	"time"

	"github.com/arloliu/rangemove/internal/distlock"
	"github.com/arloliu/rangemove/internal/guard"
	"github.com/arloliu/rangemove/internal/ownership"
	"github.com/arloliu/rangemove/internal/pending"
	"github.com/arloliu/rangemove/internal/rangedeleter"
	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

// Config holds the migration tunables of one shard.
type Config struct {
	// CloneBatchSize is the number of documents per clone batch.
	CloneBatchSize int

	// ModsBatchSize is the number of buffered writes per transfer. The donor
	// enters the commit once no more than this many writes are buffered.
	ModsBatchSize int

	// MaxCatchUpRounds bounds the status polls spent waiting for the buffer to
	// shrink below ModsBatchSize before committing anyway.
	MaxCatchUpRounds int

	// StatusPollInterval is the delay between donor status polls and recipient mods pulls.
	StatusPollInterval time.Duration

	// CatchUpTimeout bounds the clone and catch-up phases.
	CatchUpTimeout time.Duration

	// CommitTimeout bounds the critical section from CommitPending to Committed.
	CommitTimeout time.Duration

	// CommitResolveTimeout is how long a ready recipient waits for the outcome
	// before reading it from the catalog.
	CommitResolveTimeout time.Duration

	// StepTimeout bounds best effort step signals sent after the outcome is known.
	StepTimeout time.Duration

	// LockTTL is the TTL of the collection lock bucket. Leases are renewed every LockTTL/3.
	LockTTL time.Duration
}

// Deps are the shard components a migration works with.
type Deps struct {
	Shard   types.ShardID
	Table   *ownership.Table
	Pending *pending.Registry
	Guard   *guard.Guard
	Store   types.Storage
	Catalog types.Catalog
	Locker  *distlock.Locker
	Deleter *rangedeleter.Deleter
	Logger  types.Logger
	Metrics types.MetricsCollector
	Hooks   types.Hooks
}

// RecipientClient sends donor step signals to a recipient shard.
type RecipientClient interface {
	StartReceive(ctx context.Context, shard types.ShardID, req *transport.StartRequest) error
	ReceiveStatus(ctx context.Context, shard types.ShardID, req *transport.Session) (*transport.StatusResponse, error)
	ReceiveCommit(ctx context.Context, shard types.ShardID, req *transport.Session) error
	ReceiveCommitted(ctx context.Context, shard types.ShardID, req *transport.CommittedRequest) error
	ReceiveAbort(ctx context.Context, shard types.ShardID, req *transport.AbortRequest) error
}

// DonorClient pulls documents and buffered writes from a donor shard.
type DonorClient interface {
	CloneBatch(ctx context.Context, shard types.ShardID, req *transport.CloneBatchRequest) (*transport.CloneBatchResponse, error)
	TransferMods(ctx context.Context, shard types.ShardID, req *transport.ModsRequest) (*transport.ModsResponse, error)
}

var (
	_ RecipientClient = (*transport.Client)(nil)
	_ DonorClient     = (*transport.Client)(nil)
)

// runHook calls a hook in the background, reporting its error to the logger.
func runHook(logger types.Logger, name string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			logger.Warn("hook returned error", "hook", name, "error", err)
		}
	}()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
