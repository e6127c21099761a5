package membership

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rmtest "github.com/arloliu/rangemove/testing"
	"github.com/arloliu/rangemove/types"
)

type heartbeatRecorder struct {
	mu      sync.Mutex
	success int
	failure int
}

func (r *heartbeatRecorder) RecordHeartbeat(_ types.ShardID, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if success {
		r.success++
	} else {
		r.failure++
	}
}

func (r *heartbeatRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.success, r.failure
}

func TestMember_JoinLeave(t *testing.T) {
	ctx := t.Context()
	_, nc := rmtest.StartEmbeddedNATS(t)
	kv := rmtest.CreateJetStreamKV(t, nc, "test-members-1", time.Minute)

	first := New(kv, "shard0", time.Hour, nil, nil, nil)
	require.NoError(t, first.Join(ctx))
	require.ErrorIs(t, first.Join(ctx), ErrAlreadyJoined)

	members, err := List(ctx, kv)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, types.ShardID("shard0"), members[0].Shard)
	require.Equal(t, first.Info().Instance, members[0].Instance)

	// A second process with the same shard ID is refused
	second := New(kv, "shard0", time.Hour, nil, nil, nil)
	require.ErrorIs(t, second.Join(ctx), types.ErrShardIDInUse)

	require.NoError(t, first.Leave(ctx))
	require.ErrorIs(t, first.Leave(ctx), ErrNotJoined)

	members, err = List(ctx, kv)
	require.NoError(t, err)
	require.Empty(t, members)

	require.NoError(t, second.Join(ctx))
	require.NoError(t, second.Leave(ctx))
}

func TestMember_Heartbeat(t *testing.T) {
	t.Run("renews the lease", func(t *testing.T) {
		ctx := t.Context()
		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-members-2", time.Minute)

		m := New(kv, "shard0", time.Hour, nil, nil, nil)
		require.ErrorIs(t, m.Heartbeat(ctx), ErrNotJoined)
		require.NoError(t, m.Join(ctx))
		t.Cleanup(func() { _ = m.Leave(context.Background()) })

		joined := m.Info().Renewed
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, m.Heartbeat(ctx))
		require.NoError(t, m.Heartbeat(ctx))
		require.True(t, m.Info().Renewed.After(joined))

		members, err := List(ctx, kv)
		require.NoError(t, err)
		require.Len(t, members, 1)
		require.Equal(t, m.Info().Renewed.UnixNano(), members[0].Renewed.UnixNano())
	})

	t.Run("claims an expired lease again", func(t *testing.T) {
		ctx := t.Context()
		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-members-3", time.Second)

		m := New(kv, "shard0", time.Hour, nil, nil, nil)
		require.NoError(t, m.Join(ctx))
		t.Cleanup(func() { _ = m.Leave(context.Background()) })

		require.Eventually(t, func() bool {
			_, err := kv.Get(ctx, memberKey("shard0"))
			return err != nil
		}, 10*time.Second, 100*time.Millisecond, "lease did not expire")

		require.NoError(t, m.Heartbeat(ctx))
		_, err := kv.Get(ctx, memberKey("shard0"))
		require.NoError(t, err)
	})

	t.Run("detects a takeover", func(t *testing.T) {
		ctx := t.Context()
		_, nc := rmtest.StartEmbeddedNATS(t)
		kv := rmtest.CreateJetStreamKV(t, nc, "test-members-4", time.Minute)

		first := New(kv, "shard0", time.Hour, nil, nil, nil)
		require.NoError(t, first.Join(ctx))

		// Simulate an expiry observed by another process
		require.NoError(t, kv.Delete(ctx, memberKey("shard0")))
		second := New(kv, "shard0", time.Hour, nil, nil, nil)
		require.NoError(t, second.Join(ctx))
		t.Cleanup(func() { _ = second.Leave(context.Background()) })

		require.ErrorIs(t, first.Heartbeat(ctx), types.ErrShardIDInUse)
	})
}

func TestMember_HeartbeatLoop(t *testing.T) {
	ctx := t.Context()
	_, nc := rmtest.StartEmbeddedNATS(t)
	kv := rmtest.CreateJetStreamKV(t, nc, "test-members-5", time.Minute)

	recorder := &heartbeatRecorder{}
	var lost atomic.Bool
	m := New(kv, "shard0", 20*time.Millisecond, nil, recorder, func(error) { lost.Store(true) })
	require.NoError(t, m.Join(ctx))

	require.Eventually(t, func() bool {
		success, _ := recorder.counts()
		return success >= 3
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, lost.Load())

	_, err := kv.Put(ctx, memberKey("shard0"), []byte(`{"shard":"shard0","instance":"other"}`))
	require.NoError(t, err)

	require.Eventually(t, lost.Load, 5*time.Second, 10*time.Millisecond)
	_, failure := recorder.counts()
	require.Positive(t, failure)

	// The key belongs to the other instance now
	_ = m.Leave(ctx)
	entry, err := kv.Get(ctx, memberKey("shard0"))
	require.NoError(t, err)
	require.Contains(t, string(entry.Value()), "other")
}

func TestList_Empty(t *testing.T) {
	_, nc := rmtest.StartEmbeddedNATS(t)
	kv := rmtest.CreateJetStreamKV(t, nc, "test-members-6", time.Minute)

	members, err := List(t.Context(), kv)
	require.NoError(t, err)
	require.Empty(t, members)
}
