package types

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// Chunk is a contiguous key range owned by exactly one shard.
type Chunk struct {
	Range   Range        `json:"range"`
	Shard   ShardID      `json:"shard"`
	Version ChunkVersion `json:"version"`
}

// CollectionLayout is the complete, versioned ownership table of one collection.
//
// Chunks are sorted by Range.Min and cover the key space without gaps or overlaps,
// so every key has exactly one owner. Layouts are treated as immutable values:
// Commit returns a new layout and never mutates the receiver.
type CollectionLayout struct {
	Namespace Namespace    `json:"namespace"`
	Epoch     string       `json:"epoch"`
	Version   ChunkVersion `json:"version"`
	Chunks    []Chunk      `json:"chunks"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewCollectionLayout builds the initial layout of a newly sharded collection.
//
// Parameters:
//   - ns: Collection namespace
//   - epoch: Epoch of the new collection incarnation
//   - splitPoints: Strictly increasing document keys separating the chunks
//   - owners: Owning shard per chunk, len(splitPoints)+1 entries
//
// Returns:
//   - *CollectionLayout: Validated layout at version {epoch, 1}
//   - error: ErrInvalidLayout if the arguments do not describe a valid layout
func NewCollectionLayout(ns Namespace, epoch string, splitPoints []Key, owners []ShardID) (*CollectionLayout, error) {
	if len(owners) != len(splitPoints)+1 {
		return nil, fmt.Errorf("%w: %d split points need %d owners, got %d",
			ErrInvalidLayout, len(splitPoints), len(splitPoints)+1, len(owners))
	}

	version := ChunkVersion{Epoch: epoch, Counter: 1}
	layout := &CollectionLayout{
		Namespace: ns,
		Epoch:     epoch,
		Version:   version,
		Chunks:    make([]Chunk, 0, len(owners)),
		UpdatedAt: time.Now(),
	}

	lower := MinKey
	for i, owner := range owners {
		upper := MaxKey
		if i < len(splitPoints) {
			upper = splitPoints[i]
			if !upper.IsDocumentKey() {
				return nil, fmt.Errorf("%w: split point %s is a sentinel", ErrInvalidLayout, upper)
			}
		}
		layout.Chunks = append(layout.Chunks, Chunk{
			Range:   Range{Min: lower, Max: upper},
			Shard:   owner,
			Version: version,
		})
		lower = upper
	}

	if err := layout.Validate(); err != nil {
		return nil, err
	}

	return layout, nil
}

// Validate checks that the layout covers the key space exactly once.
func (l *CollectionLayout) Validate() error {
	if err := l.Namespace.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLayout, err)
	}
	if l.Epoch == "" || l.Version.Epoch != l.Epoch {
		return fmt.Errorf("%w: epoch mismatch", ErrInvalidLayout)
	}
	if len(l.Chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrInvalidLayout)
	}

	expected := MinKey
	for i, c := range l.Chunks {
		if c.Range.Min != expected {
			return fmt.Errorf("%w: chunk %d starts at %s, expected %s", ErrInvalidLayout, i, c.Range.Min, expected)
		}
		if c.Range.Empty() {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvalidLayout, i)
		}
		if c.Shard.Validate() != nil {
			return fmt.Errorf("%w: chunk %d has invalid owner %q", ErrInvalidLayout, i, c.Shard)
		}
		if c.Version.Epoch != l.Epoch || c.Version.Counter > l.Version.Counter {
			return fmt.Errorf("%w: chunk %d has version %s beyond collection version %s",
				ErrInvalidLayout, i, c.Version, l.Version)
		}
		expected = c.Range.Max
	}
	if expected != MaxKey {
		return fmt.Errorf("%w: last chunk ends at %s", ErrInvalidLayout, expected)
	}

	return nil
}

// Clone returns a deep copy of the layout.
func (l *CollectionLayout) Clone() *CollectionLayout {
	c := *l
	c.Chunks = slices.Clone(l.Chunks)

	return &c
}

// Lookup returns the chunk containing key.
func (l *CollectionLayout) Lookup(key Key) (Chunk, bool) {
	i := sort.Search(len(l.Chunks), func(i int) bool {
		return l.Chunks[i].Range.Max > key
	})
	if i == len(l.Chunks) || !l.Chunks[i].Range.Contains(key) {
		return Chunk{}, false
	}

	return l.Chunks[i], true
}

// ChunkFor returns the chunk whose range is exactly rng.
func (l *CollectionLayout) ChunkFor(rng Range) (Chunk, bool) {
	c, ok := l.Lookup(rng.Min)
	if !ok || c.Range != rng {
		return Chunk{}, false
	}

	return c, true
}

// Owns reports whether shard owns key under this layout.
func (l *CollectionLayout) Owns(shard ShardID, key Key) bool {
	c, ok := l.Lookup(key)

	return ok && c.Shard == shard
}

// RangesOwnedBy returns the ranges owned by shard in key order.
func (l *CollectionLayout) RangesOwnedBy(shard ShardID) []Range {
	var ranges []Range
	for _, c := range l.Chunks {
		if c.Shard == shard {
			ranges = append(ranges, c.Range)
		}
	}

	return ranges
}

// ShardVersion returns the highest chunk version owned by shard.
//
// A shard that owns nothing has version {epoch, 0}.
func (l *CollectionLayout) ShardVersion(shard ShardID) ChunkVersion {
	v := ChunkVersion{Epoch: l.Epoch}
	for _, c := range l.Chunks {
		if c.Shard == shard && c.Version.Counter > v.Counter {
			v = c.Version
		}
	}

	return v
}

// Commit returns a new layout in which the chunk rng moved from one shard to another.
//
// The moved chunk receives the next collection version. If the donor keeps other
// chunks, its lowest one is bumped to the same version so routed requests carrying
// the donor's old shard version are detected as stale.
//
// Parameters:
//   - rng: Exact range of an existing chunk
//   - from: Current owner of the chunk
//   - to: New owner of the chunk
//
// Returns:
//   - *CollectionLayout: The new layout; the receiver is left unchanged
//   - error: ErrRangeNotOwned if rng is not a chunk owned by from
func (l *CollectionLayout) Commit(rng Range, from, to ShardID) (*CollectionLayout, error) {
	if from == to {
		return nil, fmt.Errorf("%w: donor and recipient are both %q", ErrInvalidMigration, from)
	}

	c, ok := l.ChunkFor(rng)
	if !ok || c.Shard != from {
		return nil, fmt.Errorf("%w: %s is not a chunk of %q in %s", ErrRangeNotOwned, rng, from, l.Namespace)
	}

	next := l.Clone()
	next.Version = ChunkVersion{Epoch: l.Epoch, Counter: l.Version.Counter + 1}
	next.UpdatedAt = time.Now()

	bumped := false
	for i := range next.Chunks {
		switch {
		case next.Chunks[i].Range == rng:
			next.Chunks[i].Shard = to
			next.Chunks[i].Version = next.Version
		case next.Chunks[i].Shard == from && !bumped:
			next.Chunks[i].Version = next.Version
			bumped = true
		}
	}

	return next, nil
}
