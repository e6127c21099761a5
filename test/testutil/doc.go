// Package testutil provides shared test utilities and fixtures for integration tests.
//
// This package contains common setup code and helper functions that are used
// across multiple integration tests:
//   - ShardCluster: several shards sharing one embedded NATS server
//   - Router: routes writes the way a query router would, refreshing on stale versions
//   - WriteLoad: concurrent writers running while chunks move
//   - Invariant assertions over layouts and stored documents
//
// Note: For NATS server setup, use the github.com/arloliu/rangemove/testing package.
// This package is specifically for integration test scenarios and helper utilities.
package testutil
