package rangedeleter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/internal/metrics"
	"github.com/arloliu/rangemove/internal/ownership"
	"github.com/arloliu/rangemove/internal/pending"
	"github.com/arloliu/rangemove/internal/storage"
	"github.com/arloliu/rangemove/types"
)

const ns = types.Namespace("test.user")

var moved = types.Range{Min: 0, Max: 20}

type deleteCounter struct {
	*metrics.NopMetrics
	mu      sync.Mutex
	deleted map[string]int
}

func (d *deleteCounter) RecordDocumentsDeleted(source string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted[source] += count
}

func (d *deleteCounter) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, c := range d.deleted {
		n += c
	}

	return n
}

// newDonorAfterCommit returns a deleter for shard0 after [0, 20) moved to shard1.
func newDonorAfterCommit(t *testing.T, batchSize int) (*Deleter, *storage.MemoryStore, *pending.Registry, *deleteCounter) {
	t.Helper()

	layout, err := types.NewCollectionLayout(ns, "e1", []types.Key{0, 20}, []types.ShardID{"shard0", "shard0", "shard1"})
	require.NoError(t, err)
	committed, err := layout.Commit(moved, "shard0", "shard1")
	require.NoError(t, err)

	table := ownership.New("shard0")
	_, err = table.Install(committed)
	require.NoError(t, err)

	store := storage.NewMemory()
	for k := types.Key(-20); k < 30; k += 2 {
		require.NoError(t, store.Apply(ns, types.Write{Op: types.OpInsert, Doc: types.Document{Key: k}}))
	}

	reg := pending.New()
	counter := &deleteCounter{NopMetrics: metrics.NewNop(), deleted: map[string]int{}}
	d := New(store, table, reg, batchSize, time.Millisecond, logging.NewTest(t), counter)
	t.Cleanup(d.Stop)

	return d, store, reg, counter
}

func TestDeleter_DeletesRangeInBatches(t *testing.T) {
	d, store, _, counter := newDonorAfterCommit(t, 3)

	n, err := d.Delete(t.Context(), ns, moved)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Zero(t, store.Count(ns, moved))
	require.Equal(t, 10, store.Count(ns, types.Range{Min: types.MinKey, Max: 0}))
	require.Equal(t, 10, counter.deleted[Source])

	n, err = d.Delete(t.Context(), ns, moved)
	require.NoError(t, err)
	require.Zero(t, n, "zero matches is success")
}

func TestDeleter_SkipsOwnedAndPending(t *testing.T) {
	d, store, reg, _ := newDonorAfterCommit(t, 100)
	require.NoError(t, reg.Add(types.PendingRange{
		Namespace: ns,
		Range:     types.Range{Min: 10, Max: 20},
		From:      "shard1",
		SessionID: "back",
		Since:     time.Now(),
	}))

	n, err := d.Delete(t.Context(), ns, types.Range{Min: -10, Max: 20})
	require.NoError(t, err)
	require.Equal(t, 5, n, "only [0, 10) is neither owned nor pending")
	require.Equal(t, 5, store.Count(ns, types.Range{Min: 10, Max: 20}))
	require.Equal(t, 5, store.Count(ns, types.Range{Min: -10, Max: 0}))
}

func TestDeleter_Schedule(t *testing.T) {
	d, store, _, _ := newDonorAfterCommit(t, 2)

	d.Schedule(ns, moved)
	d.Schedule(ns, moved)

	require.NoError(t, d.Wait(t.Context()))
	require.Zero(t, d.Scheduled())
	require.Zero(t, store.Count(ns, moved))
}

// TestDeleter_RacingDeletesNoDoubleCount runs two deleters over the same range
// and checks the metrics report each document once.
func TestDeleter_RacingDeletesNoDoubleCount(t *testing.T) {
	d, _, _, counter := newDonorAfterCommit(t, 1)

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for i := range 2 {
		wg.Go(func() {
			n, err := d.Delete(t.Context(), ns, moved)
			require.NoError(t, err)
			totals[i] = n
		})
	}
	wg.Wait()

	require.Equal(t, 10, totals[0]+totals[1])
	require.Equal(t, 10, counter.total())
}

func TestDeleter_Cancelled(t *testing.T) {
	d, store, _, _ := newDonorAfterCommit(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Delete(ctx, ns, moved)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 10, store.Count(ns, moved))
}
