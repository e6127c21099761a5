// Package distlock provides the cluster-wide per-collection migration lock.
//
// A donor holds the lock of a collection for the whole migration, so two
// shards can never run migrations of the same collection at once even though
// each shard only sees its own ActiveMigrationGuard.
//
// # NATS KV Lock
//
// The lock is a key in a NATS KV bucket configured with a TTL:
//   - Create (atomic): Acquire the lock if the key doesn't exist
//   - Update (with revision): Renew the lease while still holding it
//   - Delete (with revision): Release the lock
//
// If the holder crashes, the TTL expires and the collection becomes lockable
// again. The recommended renewal interval is TTL/3; Lease.KeepAlive does this
// in the background and closes Lost() if a renewal fails.
//
// # Usage
//
//	kv, _ := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
//	    Bucket: "rangemove-locks",
//	    TTL:    30 * time.Second,
//	})
//	locker := distlock.New(kv, "shard0")
//
//	lease, err := locker.Acquire(ctx, "test.user", sessionID)
//	if errors.Is(err, types.ErrMigrationAlreadyActive) {
//	    // another shard is migrating this collection
//	}
//	lease.KeepAlive(10 * time.Second)
//	defer lease.Release(context.Background())
package distlock
