// Package storage provides the in-memory ordered storage engine used by shards.
package storage

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/arloliu/rangemove/types"
)

// MemoryStore is an ordered in-memory document store.
//
// Each namespace is an immutable radix tree keyed by the order-preserving
// encoding of the shard key. Writers swap in a new tree under the lock;
// readers take the current tree and iterate it without holding the lock, so a
// long scan never blocks writes. Scans seek to the start of their range and
// cost the number of documents returned, not the size of the collection.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[types.Namespace]*iradix.Tree[[]byte]
}

// Compile-time assertion that MemoryStore implements Storage.
var _ types.Storage = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{collections: make(map[types.Namespace]*iradix.Tree[[]byte])}
}

// encodeKey maps a signed key to 8 bytes whose byte order matches numeric order.
func encodeKey(k types.Key) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k)^(1<<63)) //nolint:gosec // bit flip, no overflow

	return buf[:]
}

func decodeKey(b []byte) types.Key {
	return types.Key(binary.BigEndian.Uint64(b) ^ (1 << 63)) //nolint:gosec // inverse of encodeKey
}

// snapshot returns the current tree of ns, or nil.
func (m *MemoryStore) snapshot(ns types.Namespace) *iradix.Tree[[]byte] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collections[ns]
}

// iterate calls fn for every document of tree inside rng in ascending key
// order until fn returns false.
func iterate(tree *iradix.Tree[[]byte], rng types.Range, fn func(key types.Key, value []byte) bool) {
	it := tree.Root().Iterator()
	it.SeekLowerBound(encodeKey(rng.Min))

	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		key := decodeKey(k)
		if key >= rng.Max || !fn(key, v) {
			return
		}
	}
}

// Get returns the document stored under key.
func (m *MemoryStore) Get(ns types.Namespace, key types.Key) (types.Document, error) {
	tree := m.snapshot(ns)
	if tree == nil {
		return types.Document{}, fmt.Errorf("%w: %s in %s", types.ErrDocumentNotFound, key, ns)
	}
	v, ok := tree.Get(encodeKey(key))
	if !ok {
		return types.Document{}, fmt.Errorf("%w: %s in %s", types.ErrDocumentNotFound, key, ns)
	}

	return types.Document{Key: key, Value: slices.Clone(v)}, nil
}

// Apply performs a single write.
func (m *MemoryStore) Apply(ns types.Namespace, w types.Write) error {
	if err := w.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tree := m.collections[ns]
	if tree == nil {
		if w.Op == types.OpDelete {
			return nil
		}
		tree = iradix.New[[]byte]()
	}

	k := encodeKey(w.Doc.Key)
	_, exists := tree.Get(k)

	switch w.Op {
	case types.OpInsert:
		if exists {
			return fmt.Errorf("%w: %s in %s", types.ErrDuplicateKey, w.Doc.Key, ns)
		}
	case types.OpUpdate:
		if !exists {
			return fmt.Errorf("%w: %s in %s", types.ErrDocumentNotFound, w.Doc.Key, ns)
		}
	case types.OpDelete:
		if exists {
			m.collections[ns], _, _ = tree.Delete(k)
		}

		return nil
	}

	m.collections[ns], _, _ = tree.Insert(k, slices.Clone(w.Doc.Value))

	return nil
}

// Scan returns up to limit documents with keys inside rng in ascending key order.
//
// A limit of zero or less returns every matching document. The result is a
// consistent view of the collection at the time of the call.
func (m *MemoryStore) Scan(ns types.Namespace, rng types.Range, limit int) ([]types.Document, error) {
	if rng.Empty() {
		return nil, nil
	}

	tree := m.snapshot(ns)
	if tree == nil {
		return nil, nil
	}

	var docs []types.Document
	iterate(tree, rng, func(key types.Key, value []byte) bool {
		docs = append(docs, types.Document{Key: key, Value: slices.Clone(value)})

		return limit <= 0 || len(docs) < limit
	})

	return docs, nil
}

// DeleteKeys removes the given keys and returns how many documents were actually removed.
//
// Keys that are already gone are skipped, so concurrent deleters racing over
// the same keys together report each document once.
func (m *MemoryStore) DeleteKeys(ns types.Namespace, keys []types.Key) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree, ok := m.collections[ns]
	if !ok {
		return 0, nil
	}

	txn := tree.Txn()
	deleted := 0
	for _, k := range keys {
		if _, ok := txn.Delete(encodeKey(k)); ok {
			deleted++
		}
	}
	if deleted > 0 {
		m.collections[ns] = txn.Commit()
	}

	return deleted, nil
}

// Count returns the number of documents with keys inside rng.
func (m *MemoryStore) Count(ns types.Namespace, rng types.Range) int {
	tree := m.snapshot(ns)
	if tree == nil || rng.Empty() {
		return 0
	}
	if rng == types.Full() {
		return tree.Len()
	}

	n := 0
	iterate(tree, rng, func(types.Key, []byte) bool {
		n++
		return true
	})

	return n
}

// Namespaces returns the namespaces holding at least one document.
func (m *MemoryStore) Namespaces() []types.Namespace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Namespace, 0, len(m.collections))
	for ns, tree := range m.collections {
		if tree.Len() > 0 {
			out = append(out, ns)
		}
	}
	slices.Sort(out)

	return out
}
