// Package transport carries migration step signals and operator commands
// between shards over NATS request/reply.
//
// Every shard answers requests on "<prefix>.<shard>.<verb>". Payloads are JSON.
// Delivery is at-least-once: the client retries timeouts and unanswered requests
// with exponential backoff, so every handler must be idempotent for a given
// migration session.
//
// Errors returned by a handler travel as a stable code plus message and are
// turned back into the matching sentinel error on the client, so callers keep
// using errors.Is across shard boundaries.
package transport
