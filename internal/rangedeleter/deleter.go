// Package rangedeleter deletes the documents of a key range a shard no longer owns.
package rangedeleter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/rangemove/internal/ownership"
	"github.com/arloliu/rangemove/internal/pending"
	"github.com/arloliu/rangemove/types"
)

// Source labels deletions made by the range deleter in metrics.
const Source = "range_deleter"

// Deleter removes a range's documents in bounded batches, yielding between
// batches so foreground traffic is not starved.
//
// A document is only deleted if, at the time of its batch, the shard neither
// owns its key nor holds it in a pending range. Deleting a range that has
// already been emptied succeeds with zero deletions.
type Deleter struct {
	table     *ownership.Table
	pending   *pending.Registry
	store     types.Storage
	batchSize int
	yield     time.Duration
	logger    types.Logger
	metrics   types.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  map[taskKey]struct{}
}

type taskKey struct {
	ns  types.Namespace
	rng types.Range
}

// New creates a range deleter.
//
// Parameters:
//   - store: Local storage engine
//   - table: Local ownership table
//   - reg: Pending range registry
//   - batchSize: Documents deleted per batch
//   - yield: Pause between batches
//   - logger: Structured logger
//   - metrics: Metrics collector
//
// Returns:
//   - *Deleter: Ready to use deleter; call Stop to cancel scheduled tasks
func New(
	store types.Storage,
	table *ownership.Table,
	reg *pending.Registry,
	batchSize int,
	yield time.Duration,
	logger types.Logger,
	metrics types.MetricsCollector,
) *Deleter {
	ctx, cancel := context.WithCancel(context.Background())

	return &Deleter{
		table:     table,
		pending:   reg,
		store:     store,
		batchSize: batchSize,
		yield:     yield,
		logger:    logger,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[taskKey]struct{}),
	}
}

// Delete removes the documents of rng that this shard neither owns nor is receiving.
//
// Parameters:
//   - ctx: Context for cancellation
//   - ns: Namespace of the range
//   - rng: Range to delete
//
// Returns:
//   - int: Documents actually removed by the storage engine
//   - error: Context or storage error
func (d *Deleter) Delete(ctx context.Context, ns types.Namespace, rng types.Range) (int, error) {
	start := time.Now()
	total, err := d.run(ctx, ns, rng)

	result := "success"
	if err != nil {
		result = "error"
		d.logger.Warn("range deletion failed",
			"namespace", ns, "range", rng, "shard", d.table.Shard(), "deleted", total, "error", err)
	} else {
		d.logger.Info("range deleted",
			"namespace", ns, "range", rng, "shard", d.table.Shard(), "deleted", total)
	}
	d.metrics.RecordRangeDeletion(result, time.Since(start).Seconds())

	return total, err
}

func (d *Deleter) run(ctx context.Context, ns types.Namespace, rng types.Range) (int, error) {
	total := 0
	cursor := rng.Min

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var (
			scanned int
			last    types.Key
		)
		err := d.pending.View(ns, func(pend []types.PendingRange) error {
			docs, err := d.store.Scan(ns, types.Range{Min: cursor, Max: rng.Max}, d.batchSize)
			if err != nil {
				return fmt.Errorf("scan %s %s: %w", ns, rng, err)
			}
			scanned = len(docs)
			if scanned == 0 {
				return nil
			}
			last = docs[scanned-1].Key

			layout, owned := d.table.Snapshot(ns)
			victims := make([]types.Key, 0, scanned)
			for _, doc := range docs {
				if owned && layout.Owns(d.table.Shard(), doc.Key) {
					continue
				}
				if pending.Contains(pend, doc.Key) {
					continue
				}
				victims = append(victims, doc.Key)
			}
			if len(victims) == 0 {
				return nil
			}

			n, err := d.store.DeleteKeys(ns, victims)
			if err != nil {
				return fmt.Errorf("delete %s %s: %w", ns, rng, err)
			}
			total += n
			d.metrics.RecordDocumentsDeleted(Source, n)

			return nil
		})
		if err != nil {
			return total, err
		}
		if scanned < d.batchSize || last+1 >= rng.Max {
			return total, nil
		}
		cursor = last + 1

		if d.yield > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(d.yield):
			}
		}
	}
}

// Schedule deletes rng in the background.
//
// Scheduling a range that is already being deleted is a no-op.
func (d *Deleter) Schedule(ns types.Namespace, rng types.Range) {
	key := taskKey{ns: ns, rng: rng}

	d.mu.Lock()
	if _, ok := d.tasks[key]; ok {
		d.mu.Unlock()
		return
	}
	d.tasks[key] = struct{}{}
	d.mu.Unlock()

	d.wg.Go(func() {
		defer func() {
			d.mu.Lock()
			delete(d.tasks, key)
			d.mu.Unlock()
		}()

		_, _ = d.Delete(d.ctx, ns, rng)
	})
}

// Scheduled returns the number of background deletions still running.
func (d *Deleter) Scheduled() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.tasks)
}

// Wait blocks until every scheduled deletion finished or ctx is done.
func (d *Deleter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels scheduled deletions and waits for them to return.
func (d *Deleter) Stop() {
	d.cancel()
	d.wg.Wait()
}
