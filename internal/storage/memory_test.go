package storage

import (
	"bytes"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/types"
)

const ns = types.Namespace("test.user")

func insert(t *testing.T, s *MemoryStore, keys ...types.Key) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.Apply(ns, types.Write{Op: types.OpInsert, Doc: types.Document{Key: k, Value: []byte{byte(k)}}}))
	}
}

func keysOf(docs []types.Document) []types.Key {
	out := make([]types.Key, len(docs))
	for i, d := range docs {
		out[i] = d.Key
	}

	return out
}

func TestKeyEncodingPreservesOrder(t *testing.T) {
	keys := []types.Key{math.MinInt64 + 1, -1 << 40, -2, -1, 0, 1, 2, 1 << 40, math.MaxInt64 - 1}
	for i := 1; i < len(keys); i++ {
		require.Negative(t, bytes.Compare(encodeKey(keys[i-1]), encodeKey(keys[i])), "%d < %d", keys[i-1], keys[i])
		require.Equal(t, keys[i], decodeKey(encodeKey(keys[i])))
	}
}

func TestMemoryStore_Apply(t *testing.T) {
	s := NewMemory()
	insert(t, s, 1)

	err := s.Apply(ns, types.Write{Op: types.OpInsert, Doc: types.Document{Key: 1}})
	require.ErrorIs(t, err, types.ErrDuplicateKey)

	err = s.Apply(ns, types.Write{Op: types.OpUpdate, Doc: types.Document{Key: 2}})
	require.ErrorIs(t, err, types.ErrDocumentNotFound)

	require.NoError(t, s.Apply(ns, types.Write{Op: types.OpUpdate, Doc: types.Document{Key: 1, Value: []byte("x")}}))
	doc, err := s.Get(ns, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), doc.Value)

	require.NoError(t, s.Apply(ns, types.Write{Op: types.OpUpsert, Doc: types.Document{Key: 2, Value: []byte("y")}}))
	require.Equal(t, 2, s.Count(ns, types.Full()))

	require.NoError(t, s.Apply(ns, types.Write{Op: types.OpDelete, Doc: types.Document{Key: 1}}))
	require.NoError(t, s.Apply(ns, types.Write{Op: types.OpDelete, Doc: types.Document{Key: 1}}))
	_, err = s.Get(ns, 1)
	require.ErrorIs(t, err, types.ErrDocumentNotFound)

	err = s.Apply(ns, types.Write{Op: types.OpInsert, Doc: types.Document{Key: types.MaxKey}})
	require.ErrorIs(t, err, types.ErrInvalidKey)

	require.NoError(t, s.Apply("other.ns", types.Write{Op: types.OpDelete, Doc: types.Document{Key: 1}}))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	value := []byte("abc")
	require.NoError(t, s.Apply(ns, types.Write{Op: types.OpInsert, Doc: types.Document{Key: 1, Value: value}}))
	value[0] = 'z'

	doc, err := s.Get(ns, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), doc.Value)

	doc.Value[0] = 'q'
	again, err := s.Get(ns, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again.Value)
}

func TestMemoryStore_Scan(t *testing.T) {
	s := NewMemory()
	insert(t, s, 30, -20, 0, 10, -5, 19, 20)

	docs, err := s.Scan(ns, types.Full(), 0)
	require.NoError(t, err)
	require.Equal(t, []types.Key{-20, -5, 0, 10, 19, 20, 30}, keysOf(docs))

	docs, err = s.Scan(ns, types.Range{Min: 0, Max: 20}, 0)
	require.NoError(t, err)
	require.Equal(t, []types.Key{0, 10, 19}, keysOf(docs))

	docs, err = s.Scan(ns, types.Range{Min: -10, Max: types.MaxKey}, 2)
	require.NoError(t, err)
	require.Equal(t, []types.Key{-5, 0}, keysOf(docs))

	docs, err = s.Scan(ns, types.Range{Min: 5, Max: 5}, 0)
	require.NoError(t, err)
	require.Empty(t, docs)

	docs, err = s.Scan("missing", types.Full(), 0)
	require.NoError(t, err)
	require.Empty(t, docs)

	require.Equal(t, 3, s.Count(ns, types.Range{Min: 0, Max: 20}))
	require.Equal(t, 2, s.Count(ns, types.Range{Min: types.MinKey, Max: 0}))
}

func TestMemoryStore_DeleteKeysCountsActualDeletes(t *testing.T) {
	s := NewMemory()
	insert(t, s, 1, 2, 3, 4)

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := range 2 {
		wg.Go(func() {
			n, err := s.DeleteKeys(ns, []types.Key{1, 2, 3, 99})
			require.NoError(t, err)
			results[i] = n
		})
	}
	wg.Wait()

	require.Equal(t, 3, results[0]+results[1], "each document is counted once")
	require.Equal(t, 1, s.Count(ns, types.Full()))

	n, err := s.DeleteKeys("missing", []types.Key{1})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMemoryStore_Namespaces(t *testing.T) {
	s := NewMemory()
	insert(t, s, 1)
	require.NoError(t, s.Apply("a.b", types.Write{Op: types.OpInsert, Doc: types.Document{Key: 1}}))
	require.Equal(t, []types.Namespace{"a.b", ns}, s.Namespaces())
}

func TestMemoryStore_ScanSeeksToRangeStart(t *testing.T) {
	const n = 100_000
	s := NewMemory()
	for k := range types.Key(n) {
		require.NoError(t, s.Apply(ns, types.Write{Op: types.OpInsert, Doc: types.Document{Key: k}}))
	}

	scan := func(start types.Key) time.Duration {
		begin := time.Now()
		for range 20 {
			docs, err := s.Scan(ns, types.Range{Min: start, Max: types.MaxKey}, 10)
			require.NoError(t, err)
			require.Len(t, docs, 10)
			require.Equal(t, start, docs[0].Key)
		}

		return time.Since(begin)
	}

	head := scan(0)
	tail := scan(n - 10)
	require.Less(t, tail, 10*head+5*time.Millisecond,
		"a scan near the end took %s, at the head %s", tail, head)

	require.Equal(t, 10, s.Count(ns, types.Range{Min: n - 10, Max: types.MaxKey}))
}

func TestMemoryStore_ScanIsSnapshot(t *testing.T) {
	s := NewMemory()
	insert(t, s, 1, 2, 3)

	tree := s.snapshot(ns)
	insert(t, s, 4)
	_, err := s.DeleteKeys(ns, []types.Key{1})
	require.NoError(t, err)

	var keys []types.Key
	iterate(tree, types.Full(), func(key types.Key, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	require.Equal(t, []types.Key{1, 2, 3}, keys, "writes do not change a tree being read")

	docs, err := s.Scan(ns, types.Full(), 0)
	require.NoError(t, err)
	require.Equal(t, []types.Key{2, 3, 4}, keysOf(docs))
}
