// Package kvutil provides utilities for working with NATS JetStream KeyValue stores.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
)

// EnsureKVBucketWithRetry creates or opens a KV bucket with retry logic.
//
// Several shards start concurrently and race to create the catalog and lock
// buckets; losing the race with ErrBucketExists opens the existing bucket.
// Other failures are retried with exponential backoff.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (default: 3)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: Any error that occurred after all retries
//
// Example:
//
//	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
//	    Bucket:  "rangemove-catalog",
//	    History: 5,
//	}, 3)
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 10 * time.Millisecond
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxInterval = time.Second
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries-1)), ctx) //nolint:gosec // maxRetries is positive

	var kv jetstream.KeyValue
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++

		created, err := js.CreateKeyValue(ctx, config)
		if err == nil {
			kv = created
			return nil
		}

		if errors.Is(err, jetstream.ErrBucketExists) {
			opened, openErr := js.KeyValue(ctx, config.Bucket)
			if openErr == nil {
				kv = opened
				return nil
			}

			return fmt.Errorf("bucket exists but failed to open: %w", openErr)
		}

		return err
	}, b)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during KV bucket creation: %w", ctx.Err())
		}

		return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w",
			config.Bucket, attempts, err)
	}

	return kv, nil
}
