package rangemove

import (
	"github.com/arloliu/rangemove/internal/cleanup"
	"github.com/arloliu/rangemove/internal/transport"
	"github.com/arloliu/rangemove/types"
)

// Re-export types from the internal types package.
//
// This file provides the public API for the library's core types. It uses
// type aliases to re-export definitions from the `types` subpackage, which
// internal packages depend on without depending on the root package.
type (
	Key              = types.Key
	Range            = types.Range
	Namespace        = types.Namespace
	ShardID          = types.ShardID
	ChunkVersion     = types.ChunkVersion
	Chunk            = types.Chunk
	CollectionLayout = types.CollectionLayout
	Document         = types.Document
	Op               = types.Op
	Write            = types.Write
	SessionID        = types.SessionID
	PendingRange     = types.PendingRange
	ActiveMigration  = types.ActiveMigration
	Role             = types.Role
	DonorState       = types.DonorState
	RecipientState   = types.RecipientState
	MigrationError   = types.MigrationError
)

// Re-export interfaces from the internal types package for convenience.
type (
	Storage          = types.Storage
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// CleanupResult summarizes one orphan cleanup command.
type CleanupResult = cleanup.Result

// Status summarizes the migration related state of a shard.
type Status = transport.ShardStatus

// Key space sentinels.
const (
	MinKey = types.MinKey
	MaxKey = types.MaxKey
)

// Write operations.
const (
	OpInsert = types.OpInsert
	OpUpdate = types.OpUpdate
	OpUpsert = types.OpUpsert
	OpDelete = types.OpDelete
)

// Migration roles.
const (
	RoleDonor     = types.RoleDonor
	RoleRecipient = types.RoleRecipient
)

// Re-export DonorState constants from the internal types package.
const (
	DonorIdle               = types.DonorIdle
	DonorCloneInitiated     = types.DonorCloneInitiated
	DonorCloned             = types.DonorCloned
	DonorCommitPending      = types.DonorCommitPending
	DonorCommitted          = types.DonorCommitted
	DonorPostCommitDeleting = types.DonorPostCommitDeleting
	DonorDone               = types.DonorDone
	DonorAborted            = types.DonorAborted
)

// Re-export RecipientState constants from the internal types package.
const (
	RecipientIdle           = types.RecipientIdle
	RecipientReceiveStarted = types.RecipientReceiveStarted
	RecipientCloning        = types.RecipientCloning
	RecipientCloned         = types.RecipientCloned
	RecipientApplyingMods   = types.RecipientApplyingMods
	RecipientReadyToCommit  = types.RecipientReadyToCommit
	RecipientCommitted      = types.RecipientCommitted
	RecipientAborted        = types.RecipientAborted
)
