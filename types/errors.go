package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the rangemove library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).
//
// Error Naming Convention:
//   - Use descriptive names with Err prefix
//   - Group by component (Shard, Layout, Migration, Cleanup, Storage, etc.)
//   - Use consistent messages across similar error types

// Shard errors - Public API errors returned by the Shard component.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrAlreadyStarted is returned when Start is called on an already running shard.
	ErrAlreadyStarted = errors.New("shard already started")

	// ErrNotStarted is returned when operations require a started shard.
	ErrNotStarted = errors.New("shard not started")

	// ErrConnectivity indicates a NATS/KV connectivity issue.
	ErrConnectivity = errors.New("connectivity issue")

	// ErrShardIDInUse is returned when another live process holds the shard's
	// membership lease.
	ErrShardIDInUse = errors.New("shard ID already in use")
)

// Layout errors - Key space and ownership table errors.
var (
	// ErrInvalidKey is returned when a document key is a sentinel.
	ErrInvalidKey = errors.New("invalid document key")

	// ErrInvalidRange is returned when a range is empty or inverted.
	ErrInvalidRange = errors.New("invalid key range")

	// ErrInvalidNamespace is returned when a namespace contains unsupported characters.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrInvalidShardID is returned when a shard ID contains unsupported characters.
	ErrInvalidShardID = errors.New("invalid shard ID")

	// ErrInvalidLayout is returned when a collection layout has gaps, overlaps or bad versions.
	ErrInvalidLayout = errors.New("invalid collection layout")

	// ErrInvalidWrite is returned when a write has an unknown op.
	ErrInvalidWrite = errors.New("invalid write")

	// ErrRangeNotOwned is returned when a range is not a chunk owned by the expected shard.
	ErrRangeNotOwned = errors.New("range not owned by shard")

	// ErrNamespaceNotSharded is returned when no layout exists for a namespace.
	ErrNamespaceNotSharded = errors.New("namespace is not sharded")

	// ErrCollectionExists is returned when sharding a namespace that already has a layout.
	ErrCollectionExists = errors.New("collection already sharded")

	// ErrStaleOwnershipVersion is returned when a routed request or a commit carries
	// an ownership version older than, or from another epoch than, the current one.
	ErrStaleOwnershipVersion = errors.New("stale ownership version")
)

// Migration errors - Donor and recipient state machine errors.
var (
	// ErrMigrationAlreadyActive is returned when a migration for the namespace is
	// already active on this shard or holds the cluster-wide collection lock.
	ErrMigrationAlreadyActive = errors.New("migration already active for namespace")

	// ErrMigrationAborted is returned when a migration ended in the Aborted state.
	ErrMigrationAborted = errors.New("migration aborted")

	// ErrInvalidMigration is returned when migration parameters are inconsistent.
	ErrInvalidMigration = errors.New("invalid migration request")

	// ErrNoSuchSession is returned when a step signal names an unknown migration session.
	ErrNoSuchSession = errors.New("no such migration session")

	// ErrNoActiveMigration is returned when aborting a namespace with no migration.
	ErrNoActiveMigration = errors.New("no active migration for namespace")

	// ErrAbortTooLate is returned when an abort arrives after the commit started.
	ErrAbortTooLate = errors.New("migration can no longer be aborted")

	// ErrPendingRangeOverlap is returned when a pending range overlaps another session's range.
	ErrPendingRangeOverlap = errors.New("pending range overlaps an existing pending range")

	// ErrModsBufferClosed is returned when appending to a closed mods buffer.
	ErrModsBufferClosed = errors.New("mods buffer closed")

	// ErrLockLost is returned when the cluster-wide collection lock expired while held.
	ErrLockLost = errors.New("collection lock lost")

	// ErrInvalidStateTransition is returned when a state machine is asked for an illegal move.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Cleanup errors - Orphan cleanup and range deletion errors.
var (
	// ErrCleanupBlockedByActiveMigration is returned when orphan cleanup runs while
	// this shard is donating a range whose ownership is still in flux.
	ErrCleanupBlockedByActiveMigration = errors.New("cleanup blocked by active migration")
)

// Storage errors - Storage engine errors.
var (
	// ErrDocumentNotFound is returned when a key has no document.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDuplicateKey is returned when inserting a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Common errors - Shared errors used across multiple components.
var (
	// ErrNoKeysFound is returned when NATS KV returns no keys (expected condition).
	ErrNoKeysFound = errors.New("no keys found")
)

// MigrationError describes why a migration session aborted.
//
// It matches ErrMigrationAborted with errors.Is and unwraps to the cause.
type MigrationError struct {
	Namespace Namespace
	SessionID SessionID
	Role      Role
	// State is the state the session was in when it failed.
	State string
	Cause error
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s of %s aborted in %s state %s: %v",
		e.SessionID, e.Namespace, e.Role, e.State, e.Cause)
}

// Unwrap returns the abort cause and ErrMigrationAborted.
func (e *MigrationError) Unwrap() []error {
	return []error{ErrMigrationAborted, e.Cause}
}

// IsNoKeysFoundError checks if an error indicates that no keys were found in NATS KV.
//
// This function handles NATS-specific "no keys found" errors which may come as:
//   - Direct error: "nats: no keys found"
//   - Wrapped error: "failed to list KV keys: nats: no keys found"
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found, false otherwise
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
