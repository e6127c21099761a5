package pending

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/types"
)

const ns = types.Namespace("test.user")

func pendingRange(session string, minKey, maxKey types.Key) types.PendingRange {
	return types.PendingRange{
		Namespace: ns,
		Range:     types.Range{Min: minKey, Max: maxKey},
		From:      "shard0",
		SessionID: types.SessionID(session),
		Since:     time.Now(),
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := New()

	require.NoError(t, r.Add(pendingRange("s1", 0, 20)))
	require.NoError(t, r.Add(pendingRange("s1", 0, 20)), "same session is idempotent")
	require.Len(t, r.List(ns), 1)

	err := r.Add(pendingRange("s2", 10, 30))
	require.ErrorIs(t, err, types.ErrPendingRangeOverlap)

	require.NoError(t, r.Add(pendingRange("s3", 20, 30)))
	require.Len(t, r.List(ns), 2)

	require.True(t, r.Remove(ns, "s1"))
	require.False(t, r.Remove(ns, "s1"))
	require.True(t, r.Remove(ns, "s3"))
	require.Empty(t, r.List(ns))

	require.ErrorIs(t, r.Add(pendingRange("s4", 5, 5)), types.ErrInvalidRange)
}

func TestRegistry_Promote(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(pendingRange("s1", 0, 20)))

	installErr := errors.New("install failed")
	err := r.Promote(ns, "s1", func() error { return installErr })
	require.ErrorIs(t, err, installErr)
	require.Len(t, r.List(ns), 1, "failed install keeps the range pending")

	installed := false
	require.NoError(t, r.Promote(ns, "s1", func() error {
		installed = true
		return nil
	}))
	require.True(t, installed)
	require.Empty(t, r.List(ns))
}

func TestContains(t *testing.T) {
	p := []types.PendingRange{pendingRange("s1", 0, 20)}
	require.True(t, Contains(p, 0))
	require.True(t, Contains(p, 19))
	require.False(t, Contains(p, 20))
	require.False(t, Contains(nil, 5))
}

// TestRegistry_ViewBlocksPromote checks that a batch running inside View sees a
// stable set of pending ranges while a promote waits for it.
func TestRegistry_ViewBlocksPromote(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(pendingRange("s1", 0, 20)))

	inView := make(chan struct{})
	release := make(chan struct{})
	var promoted atomic.Bool

	var wg sync.WaitGroup
	wg.Go(func() {
		_ = r.View(ns, func(pending []types.PendingRange) error {
			close(inView)
			<-release
			require.True(t, Contains(pending, 10))
			require.False(t, promoted.Load())

			return nil
		})
	})

	<-inView
	wg.Go(func() {
		_ = r.Promote(ns, "s1", func() error {
			promoted.Store(true)
			return nil
		})
	})

	time.Sleep(20 * time.Millisecond)
	require.False(t, promoted.Load())
	close(release)
	wg.Wait()

	require.True(t, promoted.Load())
	require.Empty(t, r.List(ns))
}
