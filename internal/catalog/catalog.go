// Package catalog stores collection layouts in a NATS JetStream KV bucket.
//
// Each collection has one key, "layout.<namespace>", holding its JSON encoded
// layout. Migrations commit with a revision-checked Update, which makes the
// commit the single atomic point at which a range changes owner.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/internal/metrics"
	"github.com/arloliu/rangemove/internal/natsutil"
	"github.com/arloliu/rangemove/types"
)

const (
	keyPrefix    = "layout."
	watchPattern = keyPrefix + ">"
)

// KV implements types.Catalog on top of a JetStream KeyValue bucket.
type KV struct {
	kv      jetstream.KeyValue
	logger  types.Logger
	metrics types.MetricsCollector
}

var _ types.Catalog = (*KV)(nil)

// New creates a catalog backed by kv.
//
// Parameters:
//   - kv: Catalog bucket, created without TTL
//   - logger: Logger; nil selects a no-op logger
//   - m: Metrics collector; nil selects no-op metrics
//
// Returns:
//   - *KV: Catalog instance
func New(kv jetstream.KeyValue, logger types.Logger, m types.MetricsCollector) *KV {
	if logger == nil {
		logger = logging.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &KV{kv: kv, logger: logger, metrics: m}
}

func layoutKey(ns types.Namespace) string {
	return keyPrefix + string(ns)
}

// CreateCollection stores the initial layout of a newly sharded collection.
//
// Returns:
//   - error: ErrCollectionExists if the namespace already has a layout
func (c *KV) CreateCollection(ctx context.Context, layout *types.CollectionLayout) error {
	if err := layout.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}

	start := time.Now()
	_, err = c.kv.Create(ctx, layoutKey(layout.Namespace), data)
	c.metrics.RecordKVOperationDuration("create", time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s", types.ErrCollectionExists, layout.Namespace)
		}

		return kvError("create layout", err)
	}

	c.logger.Info("collection sharded",
		"ns", layout.Namespace,
		"epoch", layout.Epoch,
		"chunks", len(layout.Chunks),
	)

	return nil
}

// Load returns the stored layout of ns.
func (c *KV) Load(ctx context.Context, ns types.Namespace) (*types.CollectionLayout, error) {
	layout, _, err := c.get(ctx, ns)

	return layout, err
}

func (c *KV) get(ctx context.Context, ns types.Namespace) (*types.CollectionLayout, uint64, error) {
	start := time.Now()
	entry, err := c.kv.Get(ctx, layoutKey(ns))
	c.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", types.ErrNamespaceNotSharded, ns)
		}

		return nil, 0, kvError("get layout", err)
	}

	layout, err := decode(entry.Value())
	if err != nil {
		return nil, 0, err
	}

	return layout, entry.Revision(), nil
}

// CommitMigration atomically moves rng from one shard to another.
//
// The stored layout must still be at version expected. The new layout is
// written with a revision-checked update, so concurrent commits of the same
// collection cannot both succeed. If the update fails with an ambiguous error
// the stored layout is re-read: a layout that already reflects this move is
// reported as success.
//
// Parameters:
//   - ctx: Context for timeout
//   - ns: Collection namespace
//   - rng: Exact chunk range being moved
//   - from: Donor shard
//   - to: Recipient shard
//   - expected: Collection version the donor cloned under
//
// Returns:
//   - *types.CollectionLayout: The committed layout
//   - error: ErrStaleOwnershipVersion if the layout changed since expected
func (c *KV) CommitMigration(
	ctx context.Context,
	ns types.Namespace,
	rng types.Range,
	from, to types.ShardID,
	expected types.ChunkVersion,
) (*types.CollectionLayout, error) {
	current, revision, err := c.get(ctx, ns)
	if err != nil {
		return nil, err
	}
	if current.Version != expected {
		return nil, fmt.Errorf("%w: %s is at %s, expected %s",
			types.ErrStaleOwnershipVersion, ns, current.Version, expected)
	}

	next, err := current.Commit(rng, from, to)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal layout: %w", err)
	}

	start := time.Now()
	_, err = c.kv.Update(ctx, layoutKey(ns), data, revision)
	c.metrics.RecordKVOperationDuration("update", time.Since(start).Seconds())
	if err == nil {
		c.logger.Info("migration committed in catalog",
			"ns", ns,
			"range", rng.String(),
			"from", from,
			"to", to,
			"version", next.Version.String(),
		)

		return next, nil
	}

	stored, _, getErr := c.get(ctx, ns)
	if getErr != nil {
		return nil, kvError("update layout", err)
	}
	if CommittedMove(stored, rng, to, expected) {
		return stored, nil
	}
	if stored.Version != expected {
		return nil, fmt.Errorf("%w: %s moved to %s during commit",
			types.ErrStaleOwnershipVersion, ns, stored.Version)
	}

	return nil, kvError("update layout", err)
}

// CommittedMove reports whether layout is the result of committing rng to shard
// on top of the collection version base.
func CommittedMove(layout *types.CollectionLayout, rng types.Range, to types.ShardID, base types.ChunkVersion) bool {
	if layout == nil || layout.Epoch != base.Epoch || layout.Version.Counter <= base.Counter {
		return false
	}

	chunk, ok := layout.ChunkFor(rng)

	return ok && chunk.Shard == to && chunk.Version.Counter == base.Counter+1
}

// Namespaces lists every sharded collection.
func (c *KV) Namespaces(ctx context.Context) ([]types.Namespace, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return nil, nil
		}

		return nil, kvError("list layouts", err)
	}

	out := make([]types.Namespace, 0, len(keys))
	for _, key := range keys {
		if ns, ok := strings.CutPrefix(key, keyPrefix); ok {
			out = append(out, types.Namespace(ns))
		}
	}

	return out, nil
}

// Watch streams every stored layout, starting with the current ones, until ctx is done.
//
// The returned channel is closed when ctx is cancelled. Undecodable entries and
// deletions are skipped.
func (c *KV) Watch(ctx context.Context) (<-chan *types.CollectionLayout, error) {
	watcher, err := c.kv.Watch(ctx, watchPattern, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, kvError("watch layouts", err)
	}

	out := make(chan *types.CollectionLayout, 16)
	go func() {
		defer close(out)
		defer func() {
			if err := watcher.Stop(); err != nil {
				c.logger.Debug("failed to stop layout watcher", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial values replay
					continue
				}

				layout, err := decode(entry.Value())
				if err != nil {
					c.logger.Warn("skipping undecodable layout", "key", entry.Key(), "error", err)
					continue
				}

				select {
				case out <- layout:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decode(data []byte) (*types.CollectionLayout, error) {
	var layout types.CollectionLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
	}

	return &layout, nil
}

// kvError wraps a failed KV operation and marks connectivity failures with
// types.ErrConnectivity.
func kvError(op string, err error) error {
	if natsutil.IsConnectivityError(err) {
		return fmt.Errorf("%w: failed to %s: %w", types.ErrConnectivity, op, err)
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}
