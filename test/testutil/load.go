package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/rangemove"
)

// Router routes writes to the owning shard using a cached layout, the way a
// query router does. A write rejected as stale refreshes the cache and is retried.
type Router struct {
	cluster *ShardCluster
	ns      rangemove.Namespace

	mu     sync.Mutex
	layout *rangemove.CollectionLayout

	refreshes atomic.Int64
}

// NewRouter creates a router for ns. The first shard's layout seeds the cache.
func NewRouter(cluster *ShardCluster, ns rangemove.Namespace) *Router {
	r := &Router{cluster: cluster, ns: ns}
	r.refresh()

	return r
}

// Refreshes returns how many times the router reloaded its layout.
func (r *Router) Refreshes() int64 {
	return r.refreshes.Load()
}

func (r *Router) refresh() {
	// The newest layout any shard installed
	var newest *rangemove.CollectionLayout
	for _, shard := range r.cluster.Shards {
		layout, ok := shard.Ownership(r.ns)
		if ok && (newest == nil || layout.Version.Counter > newest.Version.Counter) {
			newest = layout
		}
	}

	r.mu.Lock()
	r.layout = newest
	r.mu.Unlock()
	r.refreshes.Add(1)
}

// target returns the owner of key and its version according to the cached layout.
func (r *Router) target(key rangemove.Key) (*rangemove.Shard, rangemove.ChunkVersion, error) {
	r.mu.Lock()
	layout := r.layout
	r.mu.Unlock()

	if layout == nil {
		return nil, rangemove.ChunkVersion{}, fmt.Errorf("%w: %s", rangemove.ErrNamespaceNotSharded, r.ns)
	}
	for _, chunk := range layout.Chunks {
		if chunk.Range.Contains(key) {
			return r.cluster.Shard(chunk.Shard), layout.ShardVersion(chunk.Shard), nil
		}
	}

	return nil, rangemove.ChunkVersion{}, fmt.Errorf("%w: key %s", rangemove.ErrInvalidLayout, key)
}

// Write routes w to the shard owning its key.
//
// Parameters:
//   - ctx: Context for the write
//   - w: The write
//   - maxAttempts: Attempts before a stale routing error is returned
//
// Returns:
//   - error: The last error if every attempt was rejected
func (r *Router) Write(ctx context.Context, w rangemove.Write, maxAttempts int) error {
	var lastErr error
	for range maxAttempts {
		shard, version, err := r.target(w.Doc.Key)
		if err != nil {
			return err
		}

		lastErr = shard.Write(ctx, r.ns, version, w)
		if !errors.Is(lastErr, rangemove.ErrStaleOwnershipVersion) && !errors.Is(lastErr, rangemove.ErrRangeNotOwned) {
			return lastErr
		}
		r.refresh()
	}

	return lastErr
}

// WriteLoad runs concurrent writers against a key range until stopped.
//
// Each writer owns a disjoint subset of the keys and upserts them with an
// increasing sequence number, so the final value of every key is known.
type WriteLoad struct {
	router  *Router
	rng     rangemove.Range
	writers int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	last   map[rangemove.Key]string
	errors []error
	writes atomic.Int64
}

// StartWriteLoad starts writers goroutines writing keys of rng (which must be
// bounded) through router.
//
// Example:
//
//	load := testutil.StartWriteLoad(ctx, router, rangemove.Range{Min: 0, Max: 20}, 4)
//	// ... move the chunk ...
//	load.Stop()
//	require.Empty(t, load.Errors())
func StartWriteLoad(ctx context.Context, router *Router, rng rangemove.Range, writers int) *WriteLoad {
	ctx, cancel := context.WithCancel(ctx)
	wl := &WriteLoad{
		router:  router,
		rng:     rng,
		writers: writers,
		cancel:  cancel,
		last:    make(map[rangemove.Key]string),
	}

	for i := range writers {
		wl.wg.Go(func() { wl.run(ctx, i) })
	}

	return wl
}

func (wl *WriteLoad) run(ctx context.Context, writer int) {
	// A write in flight when the load stops must still be recorded.
	writeCtx := context.WithoutCancel(ctx)

	for seq := 0; ctx.Err() == nil; seq++ {
		for key := wl.rng.Min + rangemove.Key(writer); key < wl.rng.Max; key += rangemove.Key(wl.writers) {
			value := fmt.Sprintf("w%d-%d", writer, seq)
			w := rangemove.Write{Op: rangemove.OpUpsert, Doc: rangemove.Document{Key: key, Value: []byte(value)}}

			err := wl.router.Write(writeCtx, w, 10)

			wl.mu.Lock()
			if err != nil {
				wl.errors = append(wl.errors, fmt.Errorf("key %s: %w", key, err))
			} else {
				wl.last[key] = value
			}
			wl.mu.Unlock()
			wl.writes.Add(1)

			if ctx.Err() != nil {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// Stop stops the writers and waits for them to return.
func (wl *WriteLoad) Stop() {
	wl.cancel()
	wl.wg.Wait()
}

// Writes returns the number of attempted writes.
func (wl *WriteLoad) Writes() int64 {
	return wl.writes.Load()
}

// Errors returns the writes that failed after every retry.
func (wl *WriteLoad) Errors() []error {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	return append([]error(nil), wl.errors...)
}

// Expected returns the last acknowledged value of every written key.
func (wl *WriteLoad) Expected() map[rangemove.Key]string {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	out := make(map[rangemove.Key]string, len(wl.last))
	for k, v := range wl.last {
		out[k] = v
	}

	return out
}
