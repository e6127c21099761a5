package distlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/rangemove/types"
)

// Holder is the value stored under a lock key.
type Holder struct {
	Shard     types.ShardID   `json:"shard"`
	SessionID types.SessionID `json:"session_id"`
	Renewed   time.Time       `json:"renewed"`
}

// Locker acquires collection locks on behalf of one shard.
type Locker struct {
	kv    jetstream.KeyValue
	shard types.ShardID
}

// New creates a locker for shard backed by kv.
//
// The KV bucket should be configured with a short TTL (e.g., 10-30s)
// so a crashed donor does not block migrations forever.
func New(kv jetstream.KeyValue, shard types.ShardID) *Locker {
	return &Locker{kv: kv, shard: shard}
}

func lockKey(ns types.Namespace) string {
	return "lock." + string(ns)
}

// Acquire takes the lock of ns for a migration session.
//
// Acquiring again for the same shard and session adopts the existing lease,
// so a retried request does not lock itself out.
//
// Parameters:
//   - ctx: Context for timeout
//   - ns: Collection to lock
//   - session: Migration session holding the lock
//
// Returns:
//   - *Lease: The held lease
//   - error: ErrMigrationAlreadyActive if someone else holds the lock
func (l *Locker) Acquire(ctx context.Context, ns types.Namespace, session types.SessionID) (*Lease, error) {
	key := lockKey(ns)
	value, err := json.Marshal(Holder{Shard: l.shard, SessionID: session, Renewed: time.Now()})
	if err != nil {
		return nil, err
	}

	revision, err := l.kv.Create(ctx, key, value)
	if err == nil {
		return newLease(l.kv, key, revision), nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("failed to create lock key: %w", err)
	}

	entry, getErr := l.kv.Get(ctx, key)
	if getErr != nil {
		if errors.Is(getErr, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: lock of %s changed hands, retry", types.ErrMigrationAlreadyActive, ns)
		}

		return nil, fmt.Errorf("failed to get lock key: %w", getErr)
	}

	var cur Holder
	if jsonErr := json.Unmarshal(entry.Value(), &cur); jsonErr == nil && cur.Shard == l.shard && cur.SessionID == session {
		return newLease(l.kv, key, entry.Revision()), nil
	}

	return nil, fmt.Errorf("%w: %s is locked by shard %s session %s",
		types.ErrMigrationAlreadyActive, ns, cur.Shard, cur.SessionID)
}

// Holder returns the current holder of the lock of ns, if any.
func (l *Locker) Holder(ctx context.Context, ns types.Namespace) (Holder, bool, error) {
	entry, err := l.kv.Get(ctx, lockKey(ns))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Holder{}, false, nil
		}

		return Holder{}, false, fmt.Errorf("failed to get lock key: %w", err)
	}

	var h Holder
	if err := json.Unmarshal(entry.Value(), &h); err != nil {
		return Holder{}, false, fmt.Errorf("decode lock holder: %w", err)
	}

	return h, true, nil
}

// Lease is a held collection lock.
//
// All fields are protected by mu for thread-safe concurrent access.
type Lease struct {
	kv       jetstream.KeyValue
	key      string
	mu       sync.Mutex
	revision uint64
	held     bool
	value    []byte

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLease(kv jetstream.KeyValue, key string, revision uint64) *Lease {
	return &Lease{
		kv:       kv,
		key:      key,
		revision: revision,
		held:     true,
		lost:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Renew extends the lease.
//
// Uses Update with revision check to ensure we still hold the lock.
//
// Returns:
//   - error: ErrLockLost if the lock expired or was taken over
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return fmt.Errorf("%w: %s already released", types.ErrLockLost, l.key)
	}

	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		l.markLostLocked()
		return fmt.Errorf("%w: %w", types.ErrLockLost, err)
	}

	var h Holder
	if err := json.Unmarshal(entry.Value(), &h); err != nil {
		l.markLostLocked()
		return fmt.Errorf("%w: %w", types.ErrLockLost, err)
	}
	h.Renewed = time.Now()
	value, err := json.Marshal(h)
	if err != nil {
		return err
	}

	revision, err := l.kv.Update(ctx, l.key, value, l.revision)
	if err != nil {
		l.markLostLocked()
		return fmt.Errorf("%w: %w", types.ErrLockLost, err)
	}
	l.revision = revision

	return nil
}

// KeepAlive renews the lease every interval in the background until Release.
// If a renewal fails, Lost() is closed.
func (l *Lease) KeepAlive(interval time.Duration) {
	l.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := l.Renew(ctx)
				cancel()
				if err != nil {
					return
				}
			}
		}
	})
}

// Lost is closed when the lease could not be renewed.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Release stops renewal and deletes the lock key if still held by this lease.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(l.revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete lock key: %w", err)
	}

	return nil
}

func (l *Lease) markLostLocked() {
	l.held = false
	l.lostOnce.Do(func() { close(l.lost) })
}
