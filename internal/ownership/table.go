// Package ownership holds the local, versioned view of which shard owns each key range.
package ownership

import (
	"fmt"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/rangemove/types"
)

// Table is a shard's local copy of the collection layouts it serves.
//
// Layouts are swapped as whole immutable values, so a reader sees either the
// complete old layout or the complete new one and never a key with zero or two
// owners. Snapshots must not be mutated by callers.
type Table struct {
	shard   types.ShardID
	layouts *xsync.Map[types.Namespace, *types.CollectionLayout]
	mu      sync.Mutex // serializes installs
}

// New creates an empty ownership table for shard.
func New(shard types.ShardID) *Table {
	return &Table{
		shard:   shard,
		layouts: xsync.NewMap[types.Namespace, *types.CollectionLayout](),
	}
}

// Shard returns the shard this table belongs to.
func (t *Table) Shard() types.ShardID {
	return t.shard
}

// Install replaces the layout of a namespace if the given one is newer.
//
// A layout is newer when its epoch differs from the installed one or when it
// carries a higher version counter within the same epoch. Older or equal
// layouts are ignored so out-of-order deliveries never roll ownership back.
//
// Parameters:
//   - layout: Candidate layout
//
// Returns:
//   - bool: true if the layout was installed
//   - error: ErrInvalidLayout if the layout does not validate
func (t *Table) Install(layout *types.CollectionLayout) (bool, error) {
	if layout == nil {
		return false, fmt.Errorf("%w: nil layout", types.ErrInvalidLayout)
	}
	if err := layout.Validate(); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.layouts.Load(layout.Namespace); ok {
		if cur.Epoch == layout.Epoch && layout.Version.Counter <= cur.Version.Counter {
			return false, nil
		}
	}
	t.layouts.Store(layout.Namespace, layout.Clone())

	return true, nil
}

// Drop forgets the layout of a namespace.
func (t *Table) Drop(ns types.Namespace) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.layouts.Delete(ns)
}

// Snapshot returns the installed layout of a namespace.
func (t *Table) Snapshot(ns types.Namespace) (*types.CollectionLayout, bool) {
	return t.layouts.Load(ns)
}

// Namespaces returns every namespace with an installed layout in sorted order.
func (t *Table) Namespaces() []types.Namespace {
	out := make([]types.Namespace, 0, t.layouts.Size())
	t.layouts.Range(func(ns types.Namespace, _ *types.CollectionLayout) bool {
		out = append(out, ns)
		return true
	})
	slices.Sort(out)

	return out
}

// Lookup returns the chunk that contains key.
func (t *Table) Lookup(ns types.Namespace, key types.Key) (types.Chunk, error) {
	layout, ok := t.layouts.Load(ns)
	if !ok {
		return types.Chunk{}, fmt.Errorf("%w: %s", types.ErrNamespaceNotSharded, ns)
	}
	c, ok := layout.Lookup(key)
	if !ok {
		return types.Chunk{}, fmt.Errorf("%w: no chunk for key %s", types.ErrInvalidLayout, key)
	}

	return c, nil
}

// Owns reports whether this shard owns key.
func (t *Table) Owns(ns types.Namespace, key types.Key) bool {
	layout, ok := t.layouts.Load(ns)

	return ok && layout.Owns(t.shard, key)
}

// OwnedRanges returns the ranges this shard owns in key order.
func (t *Table) OwnedRanges(ns types.Namespace) []types.Range {
	layout, ok := t.layouts.Load(ns)
	if !ok {
		return nil
	}

	return layout.RangesOwnedBy(t.shard)
}

// ShardVersion returns this shard's version for a namespace.
func (t *Table) ShardVersion(ns types.Namespace) (types.ChunkVersion, error) {
	layout, ok := t.layouts.Load(ns)
	if !ok {
		return types.ChunkVersion{}, fmt.Errorf("%w: %s", types.ErrNamespaceNotSharded, ns)
	}

	return layout.ShardVersion(t.shard), nil
}

// CheckVersion verifies that a routed request was routed with this shard's current version.
//
// Returns:
//   - error: ErrStaleOwnershipVersion if the versions differ, ErrNamespaceNotSharded if no layout is installed
func (t *Table) CheckVersion(ns types.Namespace, received types.ChunkVersion) error {
	local, err := t.ShardVersion(ns)
	if err != nil {
		return err
	}
	if received != local {
		return fmt.Errorf("%w: %s routed with %s, shard %s is at %s",
			types.ErrStaleOwnershipVersion, ns, received, t.shard, local)
	}

	return nil
}

// IsBehind reports whether received is newer than the installed layout, which
// means this shard should refresh from the catalog before rejecting a request.
func (t *Table) IsBehind(ns types.Namespace, received types.ChunkVersion) bool {
	layout, ok := t.layouts.Load(ns)
	if !ok {
		return true
	}
	if layout.Epoch != received.Epoch {
		return true
	}

	return received.Counter > layout.Version.Counter
}
