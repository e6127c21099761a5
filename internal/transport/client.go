package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/internal/natsutil"
	"github.com/arloliu/rangemove/types"
)

// Retry configures the exponential backoff of retried requests.
type Retry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime bounds all attempts of one request; zero retries until ctx is done.
	MaxElapsedTime time.Duration
}

// Client sends requests to other shards.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	retry   Retry
	logger  types.Logger
}

// NewClient creates a transport client.
//
// Parameters:
//   - nc: NATS connection
//   - prefix: Subject prefix shared by all shards
//   - timeout: Timeout of a single request attempt
//   - retry: Backoff of retried attempts
//   - logger: Logger; nil selects a no-op logger
//
// Returns:
//   - *Client: Ready to use client
func NewClient(nc *nats.Conn, prefix string, timeout time.Duration, retry Retry, logger types.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Client{nc: nc, prefix: prefix, timeout: timeout, retry: retry, logger: logger}
}

// StartReceive asks shard to start receiving a range.
func (c *Client) StartReceive(ctx context.Context, shard types.ShardID, req *StartRequest) error {
	return c.call(ctx, shard, VerbRecvStart, req, nil)
}

// ReceiveStatus polls the recipient session of shard.
func (c *Client) ReceiveStatus(ctx context.Context, shard types.ShardID, req *Session) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, shard, VerbRecvStatus, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// ReceiveCommit asks the recipient to drain every buffered write and get ready to commit.
func (c *Client) ReceiveCommit(ctx context.Context, shard types.ShardID, req *Session) error {
	return c.call(ctx, shard, VerbRecvCommit, req, nil)
}

// ReceiveCommitted tells the recipient the migration committed.
func (c *Client) ReceiveCommitted(ctx context.Context, shard types.ShardID, req *CommittedRequest) error {
	return c.call(ctx, shard, VerbRecvCommitted, req, nil)
}

// ReceiveAbort tells the recipient to abort its session.
func (c *Client) ReceiveAbort(ctx context.Context, shard types.ShardID, req *AbortRequest) error {
	return c.call(ctx, shard, VerbRecvAbort, req, nil)
}

// CloneBatch pulls the next documents of a migrating range from the donor.
func (c *Client) CloneBatch(ctx context.Context, shard types.ShardID, req *CloneBatchRequest) (*CloneBatchResponse, error) {
	var resp CloneBatchResponse
	if err := c.call(ctx, shard, VerbCloneBatch, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// TransferMods acknowledges applied writes and pulls the next buffered ones from the donor.
func (c *Client) TransferMods(ctx context.Context, shard types.ShardID, req *ModsRequest) (*ModsResponse, error) {
	var resp ModsResponse
	if err := c.call(ctx, shard, VerbModsTransfer, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Cleanup runs orphan cleanup on shard.
func (c *Client) Cleanup(ctx context.Context, shard types.ShardID, req *CleanupRequest) (*CleanupResponse, error) {
	var resp CleanupResponse
	if err := c.callOnce(ctx, shard, VerbAdminCleanup, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Move asks shard to migrate one of its chunks and waits for the outcome.
//
// The request is sent once and bounded by ctx only, since a migration can take
// much longer than a step timeout.
func (c *Client) Move(ctx context.Context, shard types.ShardID, req *MoveRequest) (*MoveResponse, error) {
	var resp MoveResponse
	if err := c.callOnce(ctx, shard, VerbAdminMove, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Status fetches the migration summary of shard.
func (c *Client) Status(ctx context.Context, shard types.ShardID) (*ShardStatus, error) {
	var resp ShardStatus
	if err := c.call(ctx, shard, VerbAdminStatus, empty{}, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// call sends a request with per-attempt timeout and exponential backoff.
//
// Timeouts and requests without responders are retried; handler errors are not.
func (c *Client) call(ctx context.Context, shard types.ShardID, verb Verb, req any, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", verb, err)
	}
	subject := Subject(c.prefix, shard, verb)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retry.InitialInterval
	exp.MaxInterval = c.retry.MaxInterval
	exp.MaxElapsedTime = c.retry.MaxElapsedTime
	b := backoff.WithContext(exp, ctx)

	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		msg, err := c.nc.RequestWithContext(reqCtx, subject, data)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if natsutil.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			return backoff.Permanent(err)
		}

		if err := decodeResponse(verb, msg.Data, resp); err != nil {
			return backoff.Permanent(err)
		}

		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			"subject", subject,
			"error", err,
			"wait", wait,
		)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("%s to %s: %w", verb, shard, err)
	}

	return nil
}

func (c *Client) callOnce(ctx context.Context, shard types.ShardID, verb Verb, req any, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", verb, err)
	}

	msg, err := c.nc.RequestWithContext(ctx, Subject(c.prefix, shard, verb), data)
	if err != nil {
		return fmt.Errorf("%s to %s: %w", verb, shard, err)
	}

	return decodeResponse(verb, msg.Data, resp)
}

func decodeResponse(verb Verb, data []byte, resp any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", verb, err)
	}
	if env.Code != "" {
		return &RemoteError{Verb: verb, Code: env.Code, Message: env.Message}
	}
	if resp == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, resp); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", verb, err)
	}

	return nil
}
