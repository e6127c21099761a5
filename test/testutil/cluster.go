package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove"
	rmtest "github.com/arloliu/rangemove/testing"
)

// StartEmbeddedNATS starts an embedded NATS server for integration tests.
// It wraps the rangemove/testing package function for convenience.
func StartEmbeddedNATS(t *testing.T) (*nats.Conn, func()) {
	t.Helper()
	srv, nc := rmtest.StartEmbeddedNATS(t)
	cleanup := func() {
		nc.Close()
		srv.Shutdown()
		srv.WaitForShutdown()
	}

	return nc, cleanup
}

// IntegrationTestConfig provides the configuration of one shard in integration tests.
func IntegrationTestConfig(id rangemove.ShardID) rangemove.Config {
	cfg := rangemove.TestConfig(id)
	cfg.StatusPollInterval = 10 * time.Millisecond
	cfg.CatchUpTimeout = 10 * time.Second

	return cfg
}

// ShardCluster manages a set of shards for testing.
type ShardCluster struct {
	Shards []*rangemove.Shard
	NC     *nats.Conn
	T      *testing.T

	byID map[rangemove.ShardID]*rangemove.Shard
}

// NewShardCluster creates an empty cluster on nc.
func NewShardCluster(t *testing.T, nc *nats.Conn) *ShardCluster {
	return &ShardCluster{
		NC:   nc,
		T:    t,
		byID: make(map[rangemove.ShardID]*rangemove.Shard),
	}
}

// AddShard creates a shard and adds it to the cluster without starting it.
//
// Without a WithLogger option, the shard logs through the test logger.
func (sc *ShardCluster) AddShard(id rangemove.ShardID, opts ...rangemove.Option) *rangemove.Shard {
	cfg := IntegrationTestConfig(id)

	opts = append([]rangemove.Option{rangemove.WithLogger(rmtest.NewTestLogger(sc.T))}, opts...)
	shard, err := rangemove.NewShard(&cfg, sc.NC, opts...)
	require.NoError(sc.T, err, "failed to create shard %s", id)

	sc.Shards = append(sc.Shards, shard)
	sc.byID[id] = shard

	return shard
}

// Shard returns the shard with the given id.
func (sc *ShardCluster) Shard(id rangemove.ShardID) *rangemove.Shard {
	shard, ok := sc.byID[id]
	require.True(sc.T, ok, "unknown shard %s", id)

	return shard
}

// StartShards starts all shards and registers StopShards as test cleanup.
func (sc *ShardCluster) StartShards(ctx context.Context) {
	for _, shard := range sc.Shards {
		require.NoError(sc.T, shard.Start(ctx), "shard %s failed to start", shard.ID())
	}
	sc.T.Cleanup(sc.StopShards)
}

// StopShards stops all shards gracefully. Shards that are already stopped are skipped.
func (sc *ShardCluster) StopShards() {
	for _, shard := range sc.Shards {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := shard.Stop(stopCtx); err != nil {
			sc.T.Logf("Shard %s stop: %v (non-fatal)", shard.ID(), err)
		}
		cancel()
	}
}

// ShardCollection creates the layout of ns through the first shard and waits
// until every shard installed it.
func (sc *ShardCluster) ShardCollection(ctx context.Context, ns rangemove.Namespace, splitPoints []rangemove.Key, owners []rangemove.ShardID) *rangemove.CollectionLayout {
	require.NotEmpty(sc.T, sc.Shards, "cluster has no shards")

	layout, err := sc.Shards[0].ShardCollection(ctx, ns, splitPoints, owners)
	require.NoError(sc.T, err)
	sc.WaitForVersion(ns, layout.Version, 5*time.Second)

	return layout
}

// WaitForVersion waits until every shard installed a layout of ns at least at version.
func (sc *ShardCluster) WaitForVersion(ns rangemove.Namespace, version rangemove.ChunkVersion, timeout time.Duration) {
	require.Eventually(sc.T, func() bool {
		for _, shard := range sc.Shards {
			layout, ok := shard.Ownership(ns)
			if !ok || layout.Epoch != version.Epoch || layout.Version.Counter < version.Counter {
				return false
			}
		}

		return true
	}, timeout, 10*time.Millisecond, "shards did not install %s version %s", ns, version)
}

// Count returns the number of documents of ns in rng stored on every shard.
func (sc *ShardCluster) Count(ns rangemove.Namespace, rng rangemove.Range) map[rangemove.ShardID]int {
	counts := make(map[rangemove.ShardID]int, len(sc.Shards))
	for _, shard := range sc.Shards {
		counts[shard.ID()] = shard.Count(ns, rng)
	}

	return counts
}
