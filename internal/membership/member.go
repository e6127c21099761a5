package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/zeebo/xxh3"

	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/types"
)

// Common errors for membership operations.
var (
	ErrNotJoined     = errors.New("shard has not joined")
	ErrAlreadyJoined = errors.New("shard already joined")
)

// Info is the value stored under a shard's membership key.
type Info struct {
	Shard types.ShardID `json:"shard"`

	// Instance tells processes claiming the same shard ID apart.
	Instance string    `json:"instance"`
	Joined   time.Time `json:"joined"`
	Renewed  time.Time `json:"renewed"`
}

// Member holds one shard's membership lease.
//
// The lease is a key in a NATS KV bucket configured with a TTL. Join creates
// it atomically, so a second process started with the same shard ID fails
// instead of serving the same ranges twice. A background heartbeat renews it
// with a revision check.
type Member struct {
	kv       jetstream.KeyValue
	shard    types.ShardID
	interval time.Duration
	logger   types.Logger
	metrics  types.MembershipMetrics
	onLost   func(error)

	mu       sync.Mutex
	joined   bool
	revision uint64
	info     Info
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a membership lease for shard.
//
// The KV bucket should be configured with a TTL of ~3x the heartbeat interval
// so a crashed shard disappears after three missed heartbeats.
//
// Parameters:
//   - kv: JetStream KV bucket for membership leases
//   - shard: Shard ID to claim
//   - interval: Heartbeat interval
//   - logger: Logger (nop if nil)
//   - metrics: Heartbeat metrics (may be nil)
//   - onLost: Called from the heartbeat goroutine when the lease cannot be kept (may be nil)
//
// Returns:
//   - *Member: New member, not joined
//
// Example:
//
//	kv, _ := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
//	    Bucket: "rangemove-shards",
//	    TTL:    6 * time.Second,
//	})
//	member := membership.New(kv, "shard0", 2*time.Second, logger, metrics, nil)
//	if err := member.Join(ctx); err != nil {
//	    return err
//	}
//	defer member.Leave(context.Background())
func New(kv jetstream.KeyValue, shard types.ShardID, interval time.Duration, logger types.Logger,
	metrics types.MembershipMetrics, onLost func(error),
) *Member {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Member{
		kv:       kv,
		shard:    shard,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		onLost:   onLost,
	}
}

func memberKey(shard types.ShardID) string {
	return "shard." + string(shard)
}

func newInstance(shard types.ShardID, now time.Time) string {
	return fmt.Sprintf("%016x", xxh3.HashString(fmt.Sprintf("%s/%d/%d", shard, os.Getpid(), now.UnixNano())))
}

// Join claims the shard's membership key and starts the heartbeat.
//
// Parameters:
//   - ctx: Context for the claim
//
// Returns:
//   - error: ErrShardIDInUse if another live process holds the key,
//     ErrAlreadyJoined, or a KV error
func (m *Member) Join(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.joined {
		return ErrAlreadyJoined
	}

	now := time.Now()
	m.info = Info{Shard: m.shard, Instance: newInstance(m.shard, now), Joined: now, Renewed: now}
	if err := m.createLocked(ctx); err != nil {
		return err
	}

	m.joined = true
	m.stop = make(chan struct{})
	m.wg.Go(m.heartbeatLoop)

	m.logger.Info("shard joined", "shard", m.shard, "instance", m.info.Instance, "revision", m.revision)

	return nil
}

func (m *Member) createLocked(ctx context.Context) error {
	value, err := json.Marshal(m.info)
	if err != nil {
		return err
	}

	revision, err := m.kv.Create(ctx, memberKey(m.shard), value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("%w: %s", types.ErrShardIDInUse, m.shard)
		}

		return fmt.Errorf("failed to create membership key: %w", err)
	}
	m.revision = revision

	return nil
}

func (m *Member) heartbeatLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			err := m.Heartbeat(ctx)
			cancel()

			if m.metrics != nil {
				m.metrics.RecordHeartbeat(m.shard, err == nil)
			}
			if err != nil {
				m.logger.Error("membership heartbeat failed", "shard", m.shard, "error", err)
				if m.onLost != nil && errors.Is(err, types.ErrShardIDInUse) {
					m.onLost(err)
				}
			}
		}
	}
}

// Heartbeat renews the membership lease once.
//
// A lease that expired while this process was unreachable is claimed again
// if no other process took the shard ID meanwhile.
//
// Returns:
//   - error: ErrShardIDInUse if another process holds the key, ErrNotJoined,
//     or a KV error
func (m *Member) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.joined {
		return ErrNotJoined
	}

	key := memberKey(m.shard)
	m.info.Renewed = time.Now()
	value, err := json.Marshal(m.info)
	if err != nil {
		return err
	}

	revision, err := m.kv.Update(ctx, key, value, m.revision)
	if err == nil {
		m.revision = revision
		return nil
	}

	entry, getErr := m.kv.Get(ctx, key)
	switch {
	case errors.Is(getErr, jetstream.ErrKeyNotFound):
		if err := m.createLocked(ctx); err != nil {
			return err
		}
		m.logger.Warn("membership lease expired, claimed again", "shard", m.shard, "revision", m.revision)

		return nil
	case getErr != nil:
		return fmt.Errorf("failed to renew membership: %w", err)
	}

	var cur Info
	if jsonErr := json.Unmarshal(entry.Value(), &cur); jsonErr == nil && cur.Instance == m.info.Instance {
		// Still ours, only the revision moved
		m.revision = entry.Revision()

		return fmt.Errorf("failed to renew membership: %w", err)
	}

	return fmt.Errorf("%w: %s taken over by instance %s", types.ErrShardIDInUse, m.shard, cur.Instance)
}

// Leave stops the heartbeat and deletes the membership key if still held.
//
// Parameters:
//   - ctx: Context for the delete
//
// Returns:
//   - error: ErrNotJoined, or a KV error
func (m *Member) Leave(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.joined = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.kv.Delete(ctx, memberKey(m.shard), jetstream.LastRevision(m.revision))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete membership key: %w", err)
	}

	m.logger.Info("shard left", "shard", m.shard)

	return nil
}

// Info returns the value this member publishes.
func (m *Member) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.info
}

// List returns the shards holding a live membership lease, sorted by shard ID.
//
// Parameters:
//   - ctx: Context for the KV reads
//   - kv: Membership bucket
//
// Returns:
//   - []Info: Live shards
//   - error: KV error
func List(ctx context.Context, kv jetstream.KeyValue) ([]Info, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list membership keys: %w", err)
	}

	members := make([]Info, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("failed to get membership key %s: %w", key, err)
		}

		var info Info
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			return nil, fmt.Errorf("decode membership %s: %w", key, err)
		}
		members = append(members, info)
	}

	slices.SortFunc(members, func(a, b Info) int {
		switch {
		case a.Shard < b.Shard:
			return -1
		case a.Shard > b.Shard:
			return 1
		default:
			return 0
		}
	})

	return members, nil
}
