package transport

import (
	"fmt"

	"github.com/arloliu/rangemove/types"
)

// Verb names a request type.
type Verb string

// Donor to recipient step signals.
const (
	VerbRecvStart     Verb = "recv.start"
	VerbRecvStatus    Verb = "recv.status"
	VerbRecvCommit    Verb = "recv.commit"
	VerbRecvCommitted Verb = "recv.committed"
	VerbRecvAbort     Verb = "recv.abort"
)

// Recipient to donor data pulls.
const (
	VerbCloneBatch   Verb = "clone.batch"
	VerbModsTransfer Verb = "mods.transfer"
)

// Operator commands.
const (
	VerbAdminCleanup Verb = "admin.cleanup"
	VerbAdminMove    Verb = "admin.move"
	VerbAdminStatus  Verb = "admin.status"
)

// Verbs lists every verb a shard serves.
var Verbs = []Verb{
	VerbRecvStart, VerbRecvStatus, VerbRecvCommit, VerbRecvCommitted, VerbRecvAbort,
	VerbCloneBatch, VerbModsTransfer,
	VerbAdminCleanup, VerbAdminMove, VerbAdminStatus,
}

// Subject returns the NATS subject on which shard serves verb.
func Subject(prefix string, shard types.ShardID, verb Verb) string {
	return fmt.Sprintf("%s.%s.%s", prefix, shard, verb)
}

// Session identifies the migration a step signal belongs to.
type Session struct {
	Namespace types.Namespace `json:"namespace"`
	SessionID types.SessionID `json:"session_id"`
}

// StartRequest asks the recipient to start receiving a range.
type StartRequest struct {
	Session
	Range types.Range   `json:"range"`
	From  types.ShardID `json:"from"`
	// Layout is the layout the donor clones under.
	Layout *types.CollectionLayout `json:"layout"`
}

// StatusResponse reports the progress of a recipient session.
type StatusResponse struct {
	State types.RecipientState `json:"state"`
	// Cloned is the number of documents copied by the initial clone.
	Cloned int `json:"cloned"`
	// Applied is the number of buffered writes applied so far.
	Applied int `json:"applied"`
	// Ready is set once the recipient drained every write after a commit request
	// and may be committed.
	Ready bool `json:"ready"`
}

// CommittedRequest tells the recipient the migration committed.
type CommittedRequest struct {
	Session
	Layout *types.CollectionLayout `json:"layout"`
}

// AbortRequest tells the recipient to abort.
type AbortRequest struct {
	Session
	Reason string `json:"reason"`
}

// CloneBatchRequest pulls the next documents of the migrating range.
type CloneBatchRequest struct {
	Session
	// After is the last key already received, nil to start at the range minimum.
	After *types.Key `json:"after,omitempty"`
	Limit int        `json:"limit"`
}

// CloneBatchResponse carries documents in ascending key order.
type CloneBatchResponse struct {
	Docs []types.Document `json:"docs"`
	// Done is set when no documents follow this batch.
	Done bool `json:"done"`
}

// ModsRequest acknowledges applied writes and pulls the next ones.
type ModsRequest struct {
	Session
	// AckSeq is the sequence of the last write the recipient applied.
	AckSeq uint64 `json:"ack_seq"`
	Max    int    `json:"max"`
}

// Mod is one buffered write resolved to the current document state.
type Mod struct {
	Seq   uint64      `json:"seq"`
	Write types.Write `json:"write"`
}

// ModsResponse carries buffered writes in sequence order.
type ModsResponse struct {
	Mods []Mod `json:"mods"`
	// Remaining is the number of unacknowledged writes after this batch.
	Remaining int `json:"remaining"`
}

// CleanupRequest runs orphan cleanup on a shard.
type CleanupRequest struct {
	Namespace  types.Namespace `json:"namespace"`
	MaxBatches int             `json:"max_batches"`
	From       *types.Key      `json:"from,omitempty"`
}

// CleanupResponse reports a cleanup run.
type CleanupResponse struct {
	Deleted int        `json:"deleted"`
	Batches int        `json:"batches"`
	NextKey *types.Key `json:"next_key,omitempty"`
}

// MoveRequest asks a donor shard to migrate one of its chunks.
type MoveRequest struct {
	Namespace     types.Namespace `json:"namespace"`
	Range         types.Range     `json:"range"`
	To            types.ShardID   `json:"to"`
	WaitForDelete bool            `json:"wait_for_delete"`
}

// MoveResponse reports a committed migration.
type MoveResponse struct {
	Version types.ChunkVersion `json:"version"`
}

// ShardStatus summarizes the migration related state of a shard.
type ShardStatus struct {
	Shard     types.ShardID                     `json:"shard"`
	Active    []types.ActiveMigration           `json:"active"`
	Pending   []types.PendingRange              `json:"pending"`
	Donor     map[types.Namespace]string        `json:"donor,omitempty"`
	Recipient map[types.Namespace]string        `json:"recipient,omitempty"`
	Layouts   map[types.Namespace]string        `json:"layouts,omitempty"`
	Owned     map[types.Namespace][]types.Range `json:"owned,omitempty"`
}

type empty struct{}
