// Package cleanup removes orphaned documents: documents a shard holds for key
// ranges it neither owns nor is receiving.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/rangemove/internal/guard"
	"github.com/arloliu/rangemove/internal/ownership"
	"github.com/arloliu/rangemove/internal/pending"
	"github.com/arloliu/rangemove/types"
)

// Source labels deletions made by the cleaner in metrics.
const Source = "cleanup"

// Result summarizes one cleanup command.
type Result struct {
	// Deleted is the number of documents the storage engine removed.
	Deleted int `json:"deleted"`

	// Batches is the number of batches scanned.
	Batches int `json:"batches"`

	// NextKey is where a follow-up command should resume, or nil if the scan
	// reached the end of the key space.
	NextKey *types.Key `json:"next_key,omitempty"`
}

// Cleaner runs orphan cleanup for one shard.
type Cleaner struct {
	table     *ownership.Table
	pending   *pending.Registry
	guard     *guard.Guard
	store     types.Storage
	batchSize int
	logger    types.Logger
	metrics   types.MetricsCollector
}

// New creates a cleaner.
//
// Parameters:
//   - store: Local storage engine
//   - table: Local ownership table
//   - reg: Pending range registry
//   - g: Active migration guard
//   - batchSize: Documents scanned per batch
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Cleaner: Ready to use cleaner
func New(
	store types.Storage,
	table *ownership.Table,
	reg *pending.Registry,
	g *guard.Guard,
	batchSize int,
	logger types.Logger,
	metrics types.MetricsCollector,
) *Cleaner {
	return &Cleaner{
		table:     table,
		pending:   reg,
		guard:     g,
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// Cleanup deletes orphaned documents of ns in ascending key order.
//
// The command is refused while this shard donates a range of ns whose ownership
// is still in flux; the check is repeated before every batch. Each batch is
// classified and deleted while the pending registry is read-locked, so a
// recipient's pending range can neither appear nor be promoted mid-batch.
// Running it twice in a row deletes nothing the second time.
//
// Parameters:
//   - ctx: Context for cancellation
//   - ns: Namespace to clean
//   - from: First key to examine (types.MinKey for a full pass)
//   - maxBatches: Upper bound on batches (<= 0 means until the end)
//
// Returns:
//   - Result: Deleted count and resume key
//   - error: ErrCleanupBlockedByActiveMigration, ErrNamespaceNotSharded or a storage error
func (c *Cleaner) Cleanup(ctx context.Context, ns types.Namespace, from types.Key, maxBatches int) (Result, error) {
	start := time.Now()
	res, err := c.run(ctx, ns, from, maxBatches)

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrCleanupBlockedByActiveMigration):
		result = "blocked"
	default:
		result = "error"
	}
	c.metrics.RecordCleanupRun(result, time.Since(start).Seconds())

	return res, err
}

func (c *Cleaner) run(ctx context.Context, ns types.Namespace, from types.Key, maxBatches int) (Result, error) {
	var res Result
	cursor := from

	for maxBatches <= 0 || res.Batches < maxBatches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if c.guard.BlocksCleanup(ns) {
			c.logger.Warn("orphan cleanup refused, namespace has an active migration",
				"namespace", ns, "shard", c.table.Shard(), "deleted", res.Deleted)

			return res, fmt.Errorf("%w: %s", types.ErrCleanupBlockedByActiveMigration, ns)
		}

		next, deleted, done, err := c.batch(ns, cursor)
		res.Batches++
		res.Deleted += deleted
		if err != nil {
			return res, err
		}
		if done {
			res.NextKey = nil
			c.logger.Info("orphan cleanup finished",
				"namespace", ns, "shard", c.table.Shard(), "deleted", res.Deleted, "batches", res.Batches)

			return res, nil
		}
		cursor = next
		res.NextKey = &next
	}

	c.logger.Info("orphan cleanup stopped at batch limit",
		"namespace", ns, "shard", c.table.Shard(), "deleted", res.Deleted, "next_key", cursor)

	return res, nil
}

// batch cleans one batch starting at cursor and returns the next cursor.
func (c *Cleaner) batch(ns types.Namespace, cursor types.Key) (types.Key, int, bool, error) {
	var (
		next    types.Key
		deleted int
		done    bool
	)

	err := c.pending.View(ns, func(pend []types.PendingRange) error {
		layout, ok := c.table.Snapshot(ns)
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrNamespaceNotSharded, ns)
		}

		docs, err := c.store.Scan(ns, types.Range{Min: cursor, Max: types.MaxKey}, c.batchSize)
		if err != nil {
			return fmt.Errorf("scan %s from %s: %w", ns, cursor, err)
		}

		orphans := make([]types.Key, 0, len(docs))
		for _, d := range docs {
			if !layout.Owns(c.table.Shard(), d.Key) && !pending.Contains(pend, d.Key) {
				orphans = append(orphans, d.Key)
			}
		}

		if len(orphans) > 0 {
			n, err := c.store.DeleteKeys(ns, orphans)
			if err != nil {
				return fmt.Errorf("delete orphans of %s: %w", ns, err)
			}
			deleted = n
			c.metrics.RecordDocumentsDeleted(Source, n)
		}

		if len(docs) < c.batchSize || docs[len(docs)-1].Key+1 == types.MaxKey {
			done = true
			return nil
		}
		next = docs[len(docs)-1].Key + 1

		return nil
	})

	return next, deleted, done, err
}
