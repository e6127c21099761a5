// Package guard tracks the single migration a shard may run per namespace.
package guard

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/rangemove/types"
)

// Guard records the active migration of every namespace on one shard.
//
// At most one migration per namespace is active on a shard, whichever role it
// plays. While the shard is the donor and ownership is still in flux, orphan
// cleanup of the namespace is refused.
type Guard struct {
	mu     sync.Mutex
	active map[types.Namespace]*Ticket
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{active: make(map[types.Namespace]*Ticket)}
}

// Ticket is the handle of an acquired guard entry.
type Ticket struct {
	g     *Guard
	entry types.ActiveMigration
	once  sync.Once
}

// Acquire registers a migration for ns.
//
// Acquiring again with the same session and role returns the existing ticket,
// so retried start signals do not fail.
//
// Parameters:
//   - ns: Namespace being migrated
//   - role: Side this shard plays
//   - session: Migration session ID
//   - rng: Range being migrated
//
// Returns:
//   - *Ticket: Handle used to mark the commit and release the entry
//   - error: ErrMigrationAlreadyActive if another migration holds ns
func (g *Guard) Acquire(ns types.Namespace, role types.Role, session types.SessionID, rng types.Range) (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.active[ns]; ok {
		if cur.entry.SessionID == session && cur.entry.Role == role {
			return cur, nil
		}

		return nil, fmt.Errorf("%w: %s is %s of session %s for %s",
			types.ErrMigrationAlreadyActive, ns, cur.entry.Role, cur.entry.SessionID, cur.entry.Range)
	}

	t := &Ticket{
		g: g,
		entry: types.ActiveMigration{
			Namespace: ns,
			Role:      role,
			SessionID: session,
			Range:     rng,
			Phase:     types.PhaseInFlux,
			Since:     time.Now(),
		},
	}
	g.active[ns] = t

	return t, nil
}

// BlocksCleanup reports whether orphan cleanup of ns must be refused.
func (g *Guard) BlocksCleanup(ns types.Namespace) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.active[ns]

	return ok && t.entry.Role == types.RoleDonor && t.entry.Phase == types.PhaseInFlux
}

// Active returns the active migration of ns.
func (g *Guard) Active(ns types.Namespace) (types.ActiveMigration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.active[ns]
	if !ok {
		return types.ActiveMigration{}, false
	}

	return t.entry, true
}

// List returns every active migration ordered by namespace.
func (g *Guard) List() []types.ActiveMigration {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]types.ActiveMigration, 0, len(g.active))
	for _, t := range g.active {
		out = append(out, t.entry)
	}
	slices.SortFunc(out, func(a, b types.ActiveMigration) int {
		return strings.Compare(string(a.Namespace), string(b.Namespace))
	})

	return out
}

// MarkCommitted records that the new ownership is durable.
//
// The entry stays held, so a second migration of the namespace is still
// refused, but cleanup is no longer blocked.
func (t *Ticket) MarkCommitted() {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()

	t.entry.Phase = types.PhaseCommitted
}

// Release removes the entry. Calling it more than once is safe.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.g.mu.Lock()
		defer t.g.mu.Unlock()

		if t.g.active[t.entry.Namespace] == t {
			delete(t.g.active, t.entry.Namespace)
		}
	})
}

// Entry returns the migration this ticket guards.
func (t *Ticket) Entry() types.ActiveMigration {
	t.g.mu.Lock()
	defer t.g.mu.Unlock()

	return t.entry
}
