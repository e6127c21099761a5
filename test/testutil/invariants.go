package testutil

import (
	"testing"

	"github.com/arloliu/rangemove"
)

// AssertLayoutsConsistent verifies that every shard installed the same version
// of ns and that the layout covers the key space without gaps or overlaps.
//
// Parameters:
//   - t: testing handle
//   - cluster: shards to inspect
//   - ns: collection namespace
func AssertLayoutsConsistent(t *testing.T, cluster *ShardCluster, ns rangemove.Namespace) {
	t.Helper()

	var first *rangemove.CollectionLayout
	for _, shard := range cluster.Shards {
		layout, ok := shard.Ownership(ns)
		if !ok {
			t.Fatalf("shard %s has no layout for %s", shard.ID(), ns)
		}
		if err := layout.Validate(); err != nil {
			t.Fatalf("shard %s holds an invalid layout for %s: %v", shard.ID(), ns, err)
		}
		if first == nil {
			first = layout
			continue
		}
		if layout.Version != first.Version {
			t.Fatalf("shard %s is at %s, shard %s at %s",
				shard.ID(), layout.Version, cluster.Shards[0].ID(), first.Version)
		}
	}
}

// AssertNoOrphans verifies that every shard stores documents of ns only in the
// ranges it owns.
//
// Parameters:
//   - t: testing handle
//   - cluster: shards to inspect
//   - ns: collection namespace
func AssertNoOrphans(t *testing.T, cluster *ShardCluster, ns rangemove.Namespace) {
	t.Helper()

	for _, shard := range cluster.Shards {
		layout, ok := shard.Ownership(ns)
		if !ok {
			t.Fatalf("shard %s has no layout for %s", shard.ID(), ns)
		}
		for _, chunk := range layout.Chunks {
			if chunk.Shard == shard.ID() {
				continue
			}
			if n := shard.Count(ns, chunk.Range); n > 0 {
				t.Fatalf("shard %s stores %d documents of %s in %s owned by %s",
					shard.ID(), n, ns, chunk.Range, chunk.Shard)
			}
		}
	}
}
