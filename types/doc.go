// Package types provides core type definitions and interfaces for the rangemove library.
//
// This package contains shared types that are used across multiple packages in the
// rangemove library. By keeping these types in a separate package, we avoid import cycles
// between the main rangemove package and its internal implementations.
//
// Key types:
//   - Key, Range: Shard key space and half-open key ranges
//   - ChunkVersion, Chunk, CollectionLayout: Versioned range ownership
//   - DonorState, RecipientState: Migration state machine states
//   - PendingRange: Ranges being received but not yet owned
//   - Storage, Catalog: Storage engine and durable ownership catalog interfaces
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
