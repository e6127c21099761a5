// Package membership keeps track of which shards are alive.
//
// Every running shard holds a lease on the key "shard.<id>" of a NATS KV bucket
// configured with a TTL:
//   - Create (atomic): Join fails with ErrShardIDInUse while another process holds the key
//   - Update (with revision): the heartbeat renews the lease
//   - Delete (with revision): Leave frees the shard ID immediately
//
// A shard that crashes disappears from List once its lease expires. Operators
// use List to discover the shards of a cluster.
package membership
