package rangemove

import "github.com/arloliu/rangemove/types"

// Sentinel errors returned by the Shard.
//
// They are re-exported from the types package so callers can match them with
// errors.Is without importing it.
var (
	ErrInvalidConfig          = types.ErrInvalidConfig
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired
	ErrAlreadyStarted         = types.ErrAlreadyStarted
	ErrNotStarted             = types.ErrNotStarted
	ErrConnectivity           = types.ErrConnectivity
	ErrShardIDInUse           = types.ErrShardIDInUse
)

// Layout errors.
var (
	ErrInvalidKey            = types.ErrInvalidKey
	ErrInvalidRange          = types.ErrInvalidRange
	ErrInvalidNamespace      = types.ErrInvalidNamespace
	ErrInvalidShardID        = types.ErrInvalidShardID
	ErrInvalidLayout         = types.ErrInvalidLayout
	ErrInvalidWrite          = types.ErrInvalidWrite
	ErrRangeNotOwned         = types.ErrRangeNotOwned
	ErrNamespaceNotSharded   = types.ErrNamespaceNotSharded
	ErrCollectionExists      = types.ErrCollectionExists
	ErrStaleOwnershipVersion = types.ErrStaleOwnershipVersion
)

// Migration errors.
var (
	ErrMigrationAlreadyActive = types.ErrMigrationAlreadyActive
	ErrMigrationAborted       = types.ErrMigrationAborted
	ErrInvalidMigration       = types.ErrInvalidMigration
	ErrNoSuchSession          = types.ErrNoSuchSession
	ErrNoActiveMigration      = types.ErrNoActiveMigration
	ErrAbortTooLate           = types.ErrAbortTooLate
	ErrPendingRangeOverlap    = types.ErrPendingRangeOverlap
	ErrLockLost               = types.ErrLockLost
)

// Cleanup and storage errors.
var (
	ErrCleanupBlockedByActiveMigration = types.ErrCleanupBlockedByActiveMigration
	ErrDocumentNotFound                = types.ErrDocumentNotFound
	ErrDuplicateKey                    = types.ErrDuplicateKey
)
