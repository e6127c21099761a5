// Package rangemove provides a Go library for moving key ranges of sharded
// collections between shards over NATS, and for cleaning up the documents
// those moves leave behind.
//
// A sharded collection is split into chunks: contiguous, half-open ranges of
// the shard key, each owned by exactly one shard. The layout of every
// collection lives in a NATS KV catalog. Moving a chunk copies its documents
// to the recipient, streams the writes that arrive meanwhile, and commits the
// new layout to the catalog in one compare-and-swap. Writes to the moving
// range are blocked only while the commit runs.
//
// # Quick Start
//
//	import "github.com/arloliu/rangemove"
//
//	cfg := rangemove.DefaultConfig()
//	cfg.ShardID = "shard0"
//
//	shard, err := rangemove.NewShard(&cfg, natsConn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := shard.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer shard.Stop(context.Background())
//
//	// Move [0, 20) of app.users to shard1 and delete the moved documents
//	// locally before returning.
//	version, err := shard.StartMigration(ctx, "app.users",
//	    rangemove.Range{Min: 0, Max: 20}, "shard1", true)
//
// # Key Features
//
//   - Versioned Ownership: Routed writes carry the shard version and are rejected when stale
//   - Online Migration: Clone, catch-up and commit while the range keeps taking writes
//   - Single Commit Point: The catalog CAS decides every migration, crashes included
//   - Safe Cleanup: Orphan cleanup never deletes documents of a range being received
//   - Observable Steps: Pause, resume and wait on donor and recipient states
//
// # Architecture
//
// The donor of a migration progresses through:
//
//	Idle → CloneInitiated → Cloned → CommitPending → Committed → PostCommitDeleting → Done
//
// and the recipient through:
//
//	Idle → ReceiveStarted → Cloning → Cloned → ApplyingMods → ReadyToCommit → Committed
//
// Either side moves to Aborted on failure before the commit. An aborted
// migration leaves ownership unchanged and the recipient deletes what it cloned.
//
// # Cleanup
//
// CleanupOrphaned deletes documents a shard stores but does not own. It
// refuses to run while the shard donates a range of the same collection, and
// it skips ranges the shard is receiving:
//
//	res, err := shard.CleanupOrphaned(ctx, "app.users", 0)
//	if errors.Is(err, rangemove.ErrCleanupBlockedByActiveMigration) {
//	    // retry after the migration finishes
//	}
//
// See the examples/ directory for complete working examples.
package rangemove
