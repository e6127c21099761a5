package modsbuffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/types"
)

func keys(entries []Entry) []types.Key {
	out := make([]types.Key, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}

	return out
}

func TestBuffer_DrainInOrder(t *testing.T) {
	b := New()
	for _, k := range []types.Key{19, 5, 7} {
		_, err := b.Append(types.OpInsert, k)
		require.NoError(t, err)
	}

	entries, remaining := b.Drain(0, 2)
	require.Equal(t, []types.Key{19, 5}, keys(entries))
	require.Equal(t, 3, remaining)

	again, _ := b.Drain(0, 2)
	require.Equal(t, entries, again, "same ack returns the same entries")

	entries, remaining = b.Drain(entries[1].Seq, 10)
	require.Equal(t, []types.Key{7}, keys(entries))
	require.Equal(t, 1, remaining)
	require.Equal(t, uint64(2), b.Acked())

	entries, remaining = b.Drain(entries[0].Seq, 10)
	require.Empty(t, entries)
	require.Zero(t, remaining)
	require.Zero(t, b.Len())
}

func TestBuffer_StaleAckIsIgnored(t *testing.T) {
	b := New()
	for k := range types.Key(4) {
		_, err := b.Append(types.OpUpdate, k)
		require.NoError(t, err)
	}

	b.Drain(3, 0)
	entries, _ := b.Drain(1, 0)
	require.Equal(t, []types.Key{3}, keys(entries))
}

func TestBuffer_Close(t *testing.T) {
	b := New()
	_, err := b.Append(types.OpDelete, 1)
	require.NoError(t, err)

	b.Close()
	require.True(t, b.Closed())

	_, err = b.Append(types.OpInsert, 2)
	require.ErrorIs(t, err, types.ErrModsBufferClosed)

	entries, _ := b.Drain(0, 0)
	require.Len(t, entries, 1, "buffered entries survive close")
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for j := range 100 {
				_, err := b.Append(types.OpUpsert, types.Key(i*1000+j))
				require.NoError(t, err)
			}
		})
	}
	wg.Wait()

	entries, remaining := b.Drain(0, 0)
	require.Equal(t, 800, remaining)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}
}
