package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/rangemove/internal/logging"
	"github.com/arloliu/rangemove/types"
)

// Handler serves requests addressed to one shard.
//
// Step signal handlers must be idempotent per migration session.
type Handler interface {
	StartReceive(ctx context.Context, req *StartRequest) error
	ReceiveStatus(ctx context.Context, req *Session) (*StatusResponse, error)
	ReceiveCommit(ctx context.Context, req *Session) error
	ReceiveCommitted(ctx context.Context, req *CommittedRequest) error
	ReceiveAbort(ctx context.Context, req *AbortRequest) error
	CloneBatch(ctx context.Context, req *CloneBatchRequest) (*CloneBatchResponse, error)
	TransferMods(ctx context.Context, req *ModsRequest) (*ModsResponse, error)
	Cleanup(ctx context.Context, req *CleanupRequest) (*CleanupResponse, error)
	Move(ctx context.Context, req *MoveRequest) (*MoveResponse, error)
	Status(ctx context.Context) (*ShardStatus, error)
}

type envelope struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Server subscribes to the subjects of one shard and dispatches requests to a Handler.
type Server struct {
	nc      *nats.Conn
	prefix  string
	shard   types.ShardID
	handler Handler
	logger  types.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewServer creates a server for shard.
//
// Parameters:
//   - nc: NATS connection
//   - prefix: Subject prefix shared by all shards
//   - shard: Shard whose subjects are served
//   - handler: Request handler
//   - logger: Logger; nil selects a no-op logger
//
// Returns:
//   - *Server: Server ready to Start
func NewServer(nc *nats.Conn, prefix string, shard types.ShardID, handler Handler, logger types.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Server{nc: nc, prefix: prefix, shard: shard, handler: handler, logger: logger}
}

// Start subscribes to every verb.
//
// Each request is handled in its own goroutine with a context derived from ctx,
// so long running requests such as admin.move do not block step signals.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs != nil {
		return types.ErrAlreadyStarted
	}

	s.ctx, s.stop = context.WithCancel(ctx)
	handlers := s.handlers()

	for _, verb := range Verbs {
		fn := handlers[verb]
		subject := Subject(s.prefix, s.shard, verb)
		sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
			s.wg.Go(func() { s.serve(verb, fn, msg) })
		})
		if err != nil {
			s.unsubscribeLocked()
			s.stop()

			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.nc.Flush(); err != nil {
		s.unsubscribeLocked()
		s.stop()

		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	s.logger.Debug("transport server started", "shard", s.shard, "prefix", s.prefix)

	return nil
}

// Stop unsubscribes, cancels in-flight requests and waits for their handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	s.unsubscribeLocked()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

func (s *Server) serve(verb Verb, fn handlerFunc, msg *nats.Msg) {
	var env envelope

	result, err := fn(s.ctx, msg.Data)
	if err != nil {
		env.Code = errorCode(err)
		env.Message = err.Error()
		s.logger.Debug("request failed", "shard", s.shard, "verb", verb, "code", env.Code, "error", err)
	} else if result != nil {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			env.Code = "internal"
			env.Message = mErr.Error()
		} else {
			env.Data = data
		}
	}

	out, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to marshal response", "verb", verb, "error", err)
		return
	}
	if err := msg.Respond(out); err != nil {
		s.logger.Debug("failed to respond", "verb", verb, "error", err)
	}
}

func (s *Server) handlers() map[Verb]handlerFunc {
	h := s.handler

	return map[Verb]handlerFunc{
		VerbRecvStart:     ackHandler(h.StartReceive),
		VerbRecvStatus:    replyHandler(h.ReceiveStatus),
		VerbRecvCommit:    ackHandler(h.ReceiveCommit),
		VerbRecvCommitted: ackHandler(h.ReceiveCommitted),
		VerbRecvAbort:     ackHandler(h.ReceiveAbort),
		VerbCloneBatch:    replyHandler(h.CloneBatch),
		VerbModsTransfer:  replyHandler(h.TransferMods),
		VerbAdminCleanup:  replyHandler(h.Cleanup),
		VerbAdminMove:     replyHandler(h.Move),
		VerbAdminStatus: func(ctx context.Context, _ []byte) (any, error) {
			return h.Status(ctx)
		},
	}
}

func replyHandler[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) handlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}

		return fn(ctx, &req)
	}
}

func ackHandler[Req any](fn func(context.Context, *Req) error) handlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}

		return nil, fn(ctx, &req)
	}
}
