// Package pending tracks key ranges a recipient is receiving but does not own yet.
package pending

import (
	"fmt"
	"slices"
	"sync"

	"github.com/arloliu/rangemove/types"
)

// Registry holds the pending ranges of one shard.
//
// Readers that delete documents (orphan cleanup, range deletion) classify and
// delete a batch inside View, which holds the read lock. Add and Promote take
// the write lock, so a batch never straddles a pending range appearing or
// turning into owned ownership.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.Namespace][]types.PendingRange
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[types.Namespace][]types.PendingRange)}
}

// Add registers a pending range.
//
// Adding the same session again is a no-op, so retried start signals are safe.
//
// Returns:
//   - error: ErrPendingRangeOverlap if the range overlaps another session's pending range
func (r *Registry) Add(p types.PendingRange) error {
	if err := p.Range.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.entries[p.Namespace] {
		if existing.SessionID == p.SessionID {
			return nil
		}
		if existing.Range.Overlaps(p.Range) {
			return fmt.Errorf("%w: %s overlaps %s of session %s",
				types.ErrPendingRangeOverlap, p.Range, existing.Range, existing.SessionID)
		}
	}
	r.entries[p.Namespace] = append(r.entries[p.Namespace], p)

	return nil
}

// Remove drops the pending range of a session. It reports whether one was removed.
func (r *Registry) Remove(ns types.Namespace, session types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(ns, session)
}

func (r *Registry) removeLocked(ns types.Namespace, session types.SessionID) bool {
	entries := r.entries[ns]
	i := slices.IndexFunc(entries, func(p types.PendingRange) bool { return p.SessionID == session })
	if i < 0 {
		return false
	}

	entries = slices.Delete(entries, i, i+1)
	if len(entries) == 0 {
		delete(r.entries, ns)
	} else {
		r.entries[ns] = entries
	}

	return true
}

// Promote turns a pending range into owned data.
//
// install runs under the write lock and must make the range owned (typically by
// installing the committed layout). The pending entry is removed only if install
// succeeds, so no reader ever observes the range as neither pending nor owned.
//
// Parameters:
//   - ns: Namespace of the range
//   - session: Session that registered the range
//   - install: Callback that installs the new ownership
//
// Returns:
//   - error: The install error, if any
func (r *Registry) Promote(ns types.Namespace, session types.SessionID, install func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := install(); err != nil {
		return err
	}
	r.removeLocked(ns, session)

	return nil
}

// View calls fn with the pending ranges of ns while holding the read lock.
//
// fn must not call back into the registry.
func (r *Registry) View(ns types.Namespace, fn func(pending []types.PendingRange) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fn(r.entries[ns])
}

// List returns a copy of the pending ranges of ns.
func (r *Registry) List(ns types.Namespace) []types.PendingRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.entries[ns])
}

// Contains reports whether key lies in any of the pending ranges.
func Contains(pending []types.PendingRange, key types.Key) bool {
	for _, p := range pending {
		if p.Range.Contains(key) {
			return true
		}
	}

	return false
}
