package transport

import (
	"errors"
	"fmt"

	"github.com/arloliu/rangemove/types"
)

// ErrRemote is returned when a handler failed with an error that has no wire code.
var ErrRemote = errors.New("remote shard error")

// wireCodes maps stable wire codes to sentinel errors. Order matters on encode:
// the first sentinel matched by errors.Is wins.
var wireCodes = []struct {
	code string
	err  error
}{
	{"no_such_session", types.ErrNoSuchSession},
	{"migration_active", types.ErrMigrationAlreadyActive},
	{"cleanup_blocked", types.ErrCleanupBlockedByActiveMigration},
	{"stale_version", types.ErrStaleOwnershipVersion},
	{"abort_too_late", types.ErrAbortTooLate},
	{"no_active_migration", types.ErrNoActiveMigration},
	{"pending_overlap", types.ErrPendingRangeOverlap},
	{"lock_lost", types.ErrLockLost},
	{"migration_aborted", types.ErrMigrationAborted},
	{"invalid_migration", types.ErrInvalidMigration},
	{"range_not_owned", types.ErrRangeNotOwned},
	{"not_sharded", types.ErrNamespaceNotSharded},
	{"invalid_range", types.ErrInvalidRange},
	{"invalid_namespace", types.ErrInvalidNamespace},
	{"invalid_shard", types.ErrInvalidShardID},
	{"mods_closed", types.ErrModsBufferClosed},
	{"not_started", types.ErrNotStarted},
}

// RemoteError is an error returned by the handler of another shard.
type RemoteError struct {
	Verb    Verb
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Verb, e.Message)
}

// Unwrap returns the sentinel error matching the wire code.
func (e *RemoteError) Unwrap() error {
	for _, wc := range wireCodes {
		if wc.code == e.Code {
			return wc.err
		}
	}

	return ErrRemote
}

func errorCode(err error) string {
	for _, wc := range wireCodes {
		if errors.Is(err, wc.err) {
			return wc.code
		}
	}

	return "internal"
}
