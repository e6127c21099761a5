package distlock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	rmtest "github.com/arloliu/rangemove/testing"
	"github.com/arloliu/rangemove/types"
)

func TestLocker_Acquire(t *testing.T) {
	t.Run("acquires lock when no holder exists", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-1", 0)

		locker := New(kv, "shard0")
		lease, err := locker.Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		require.NotNil(t, lease)

		holder, ok, err := locker.Holder(ctx, "test.user")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.ShardID("shard0"), holder.Shard)
		require.Equal(t, types.SessionID("s1"), holder.SessionID)
	})

	t.Run("fails when another shard holds the lock", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-2", 0)

		_, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)

		_, err = New(kv, "shard1").Acquire(ctx, "test.user", "s2")
		require.ErrorIs(t, err, types.ErrMigrationAlreadyActive)
	})

	t.Run("adopts lease for same shard and session", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-3", 0)

		locker := New(kv, "shard0")
		_, err := locker.Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)

		lease, err := locker.Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		require.NoError(t, lease.Renew(ctx))

		_, err = locker.Acquire(ctx, "test.user", "s2")
		require.ErrorIs(t, err, types.ErrMigrationAlreadyActive)
	})

	t.Run("locks are per collection", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-4", 0)

		_, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		_, err = New(kv, "shard1").Acquire(ctx, "test.order", "s2")
		require.NoError(t, err)
	})
}

func TestLease_Renew(t *testing.T) {
	t.Run("renews lease successfully", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-renew-1", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)

		require.NoError(t, lease.Renew(ctx))
		require.NoError(t, lease.Renew(ctx))
	})

	t.Run("fails if lock was lost", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-renew-2", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)

		// Another process takes over
		require.NoError(t, kv.Delete(ctx, "lock.test.user"))
		_, err = kv.Create(ctx, "lock.test.user", []byte(`{"shard":"shard1","session_id":"s2"}`))
		require.NoError(t, err)

		err = lease.Renew(ctx)
		require.ErrorIs(t, err, types.ErrLockLost)

		select {
		case <-lease.Lost():
		default:
			t.Fatal("expected Lost() to be closed")
		}
	})

	t.Run("fails after release", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-renew-3", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))

		require.ErrorIs(t, lease.Renew(ctx), types.ErrLockLost)
	})
}

func TestLease_Release(t *testing.T) {
	t.Run("deletes lock key", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-release-1", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))

		_, err = kv.Get(ctx, "lock.test.user")
		require.ErrorIs(t, err, jetstream.ErrKeyNotFound)

		// Idempotent
		require.NoError(t, lease.Release(ctx))
	})

	t.Run("allows another shard to acquire", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-release-2", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))

		_, err = New(kv, "shard1").Acquire(ctx, "test.user", "s2")
		require.NoError(t, err)
	})

	t.Run("does not delete a lock taken over by another holder", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-release-3", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)

		require.NoError(t, kv.Delete(ctx, "lock.test.user"))
		_, err = New(kv, "shard1").Acquire(ctx, "test.user", "s2")
		require.NoError(t, err)

		// Revision mismatch, the new holder keeps the lock
		require.Error(t, lease.Release(ctx))

		holder, ok, err := New(kv, "shard1").Holder(ctx, "test.user")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, types.ShardID("shard1"), holder.Shard)
	})
}

func TestLease_KeepAlive(t *testing.T) {
	t.Run("keeps lock past the TTL", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-keepalive-1", 2*time.Second)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		lease.KeepAlive(500 * time.Millisecond)

		time.Sleep(3 * time.Second)

		_, err = New(kv, "shard1").Acquire(ctx, "test.user", "s2")
		require.ErrorIs(t, err, types.ErrMigrationAlreadyActive)

		require.NoError(t, lease.Release(context.Background()))
	})

	t.Run("signals lost lease", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-keepalive-2", 0)

		lease, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)
		lease.KeepAlive(100 * time.Millisecond)

		require.NoError(t, kv.Delete(ctx, "lock.test.user"))

		select {
		case <-lease.Lost():
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for lost lease")
		}
	})
}

func TestLocker_Failover(t *testing.T) {
	t.Run("lock becomes available on TTL expiry", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-failover", 2*time.Second)

		_, err := New(kv, "shard0").Acquire(ctx, "test.user", "s1")
		require.NoError(t, err)

		// Wait for TTL to expire
		time.Sleep(3 * time.Second)

		_, err = New(kv, "shard1").Acquire(ctx, "test.user", "s2")
		require.NoError(t, err)
	})
}

func TestLocker_ConcurrentAcquire(t *testing.T) {
	t.Run("only one shard acquires", func(t *testing.T) {
		ctx := t.Context()

		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-lock-concurrent", 0)

		numShards := 5
		results := make(chan error, numShards)

		for i := range numShards {
			go func(n int) {
				shard := types.ShardID(fmt.Sprintf("shard%d", n))
				_, err := New(kv, shard).Acquire(ctx, "test.user", types.SessionID(fmt.Sprintf("s%d", n)))
				results <- err
			}(i)
		}

		winners := 0
		for range numShards {
			select {
			case err := <-results:
				if err == nil {
					winners++
				} else {
					require.ErrorIs(t, err, types.ErrMigrationAlreadyActive)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("timeout waiting for acquire")
			}
		}

		require.Equal(t, 1, winners, "Expected exactly one lock holder")
	})
}
