// Package modsbuffer records writes made to a migrating range while it is being cloned.
package modsbuffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/rangemove/types"
)

// Entry is one captured write. Only the key is recorded; the donor resolves
// it to the document's current state when the entry is shipped.
type Entry struct {
	Seq uint64    `json:"seq"`
	Op  types.Op  `json:"op"`
	Key types.Key `json:"key"`
	At  time.Time `json:"at"`
}

// Buffer is an ordered, acknowledged queue of captured writes.
//
// Entries stay in the buffer until the recipient acknowledges them by sequence
// number, so a lost transfer response is repaired by asking again with the
// same acknowledgement.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq uint64
	acked   uint64
	closed  bool
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{nextSeq: 1}
}

// Append records a write to key.
//
// Returns:
//   - uint64: Sequence number of the entry
//   - error: ErrModsBufferClosed after Close
func (b *Buffer) Append(op types.Op, key types.Key) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("%w: write to %s", types.ErrModsBufferClosed, key)
	}

	seq := b.nextSeq
	b.nextSeq++
	b.entries = append(b.entries, Entry{Seq: seq, Op: op, Key: key, At: time.Now()})

	return seq, nil
}

// Drain acknowledges every entry up to ack and returns the next entries in order.
//
// Calling Drain twice with the same ack returns the same entries.
//
// Parameters:
//   - ack: Highest sequence number the recipient has applied
//   - maxEntries: Maximum entries to return (<= 0 means all)
//
// Returns:
//   - []Entry: Unacknowledged entries after ack
//   - int: Entries still buffered after ack, including the returned ones
func (b *Buffer) Drain(ack uint64, maxEntries int) ([]Entry, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ack > b.acked {
		b.acked = ack
		i := 0
		for i < len(b.entries) && b.entries[i].Seq <= ack {
			i++
		}
		b.entries = append(b.entries[:0:0], b.entries[i:]...)
	}

	n := len(b.entries)
	if maxEntries > 0 && n > maxEntries {
		n = maxEntries
	}
	out := make([]Entry, n)
	copy(out, b.entries[:n])

	return out, len(b.entries)
}

// Len returns the number of unacknowledged entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}

// Acked returns the highest acknowledged sequence number.
func (b *Buffer) Acked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.acked
}

// Close stops accepting writes. Buffered entries can still be drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
}

// Closed reports whether Close was called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}
