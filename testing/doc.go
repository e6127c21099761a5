// Package testing provides test utilities for the rangemove library.
//
// This package offers helpers for setting up test environments, particularly
// embedded NATS servers for integration testing. It follows Go's convention
// of providing testing utilities in a dedicated package (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - CreateJetStreamKV: Convenience wrapper for KV bucket creation
//   - WaitStates / WaitAll: Wait for migration state machines to reach states
//
// Example usage:
//
//	import (
//	    "testing"
//	    rmtest "github.com/arloliu/rangemove/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := rmtest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
