package rangemove

import (
	"context"

	"github.com/arloliu/rangemove/internal/transport"
)

// shardHandler serves the requests other shards and operators send to a Shard.
type shardHandler struct {
	s *Shard
}

var _ transport.Handler = (*shardHandler)(nil)

func (h *shardHandler) StartReceive(ctx context.Context, req *transport.StartRequest) error {
	return h.s.recipient.StartReceive(ctx, req)
}

func (h *shardHandler) ReceiveStatus(ctx context.Context, req *transport.Session) (*transport.StatusResponse, error) {
	return h.s.recipient.ReceiveStatus(ctx, req)
}

func (h *shardHandler) ReceiveCommit(ctx context.Context, req *transport.Session) error {
	return h.s.recipient.ReceiveCommit(ctx, req)
}

func (h *shardHandler) ReceiveCommitted(ctx context.Context, req *transport.CommittedRequest) error {
	return h.s.recipient.ReceiveCommitted(ctx, req)
}

func (h *shardHandler) ReceiveAbort(ctx context.Context, req *transport.AbortRequest) error {
	return h.s.recipient.ReceiveAbort(ctx, req)
}

func (h *shardHandler) CloneBatch(ctx context.Context, req *transport.CloneBatchRequest) (*transport.CloneBatchResponse, error) {
	return h.s.donor.CloneBatch(ctx, req)
}

func (h *shardHandler) TransferMods(ctx context.Context, req *transport.ModsRequest) (*transport.ModsResponse, error) {
	return h.s.donor.TransferMods(ctx, req)
}

func (h *shardHandler) Cleanup(ctx context.Context, req *transport.CleanupRequest) (*transport.CleanupResponse, error) {
	from := MinKey
	if req.From != nil {
		from = *req.From
	}

	res, err := h.s.ResumeCleanup(ctx, req.Namespace, from, req.MaxBatches)
	if err != nil {
		return nil, err
	}

	return &transport.CleanupResponse{Deleted: res.Deleted, Batches: res.Batches, NextKey: res.NextKey}, nil
}

// Move runs the migration on the shard's own context so that the operator's
// request timeout does not abort it.
func (h *shardHandler) Move(_ context.Context, req *transport.MoveRequest) (*transport.MoveResponse, error) {
	version, err := h.s.StartMigration(h.s.ctx, req.Namespace, req.Range, req.To, req.WaitForDelete)
	if err != nil {
		return nil, err
	}

	return &transport.MoveResponse{Version: version}, nil
}

func (h *shardHandler) Status(_ context.Context) (*transport.ShardStatus, error) {
	return h.s.Status(), nil
}
