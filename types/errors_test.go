package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	t.Run("errors.Is works correctly", func(t *testing.T) {
		require.True(t, errors.Is(ErrMigrationAlreadyActive, ErrMigrationAlreadyActive))
		require.False(t, errors.Is(ErrMigrationAlreadyActive, ErrMigrationAborted))

		wrapped := fmt.Errorf("start migration: %w", ErrCleanupBlockedByActiveMigration)
		require.True(t, errors.Is(wrapped, ErrCleanupBlockedByActiveMigration))
	})

	t.Run("all errors are distinct", func(t *testing.T) {
		allErrors := []error{
			ErrInvalidConfig,
			ErrNATSConnectionRequired,
			ErrAlreadyStarted,
			ErrNotStarted,
			ErrConnectivity,
			ErrInvalidKey,
			ErrInvalidRange,
			ErrInvalidNamespace,
			ErrInvalidShardID,
			ErrInvalidLayout,
			ErrInvalidWrite,
			ErrRangeNotOwned,
			ErrNamespaceNotSharded,
			ErrCollectionExists,
			ErrStaleOwnershipVersion,
			ErrMigrationAlreadyActive,
			ErrMigrationAborted,
			ErrInvalidMigration,
			ErrNoSuchSession,
			ErrNoActiveMigration,
			ErrAbortTooLate,
			ErrPendingRangeOverlap,
			ErrModsBufferClosed,
			ErrLockLost,
			ErrInvalidStateTransition,
			ErrCleanupBlockedByActiveMigration,
			ErrDocumentNotFound,
			ErrDuplicateKey,
			ErrNoKeysFound,
			ErrShardIDInUse,
		}

		for i, a := range allErrors {
			for j, b := range allErrors {
				if i != j {
					require.False(t, errors.Is(a, b), "%v should not match %v", a, b)
				}
			}
		}
	})
}

func TestMigrationError(t *testing.T) {
	cause := errors.New("recipient unreachable")
	err := error(&MigrationError{
		Namespace: "test.user",
		SessionID: "abc",
		Role:      RoleDonor,
		State:     DonorCloned.String(),
		Cause:     cause,
	})

	require.ErrorIs(t, err, ErrMigrationAborted)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "Cloned")
	require.Contains(t, err.Error(), "test.user")

	var migErr *MigrationError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &migErr)
	require.Equal(t, SessionID("abc"), migErr.SessionID)
}

func TestIsNoKeysFoundError(t *testing.T) {
	require.False(t, IsNoKeysFoundError(nil))
	require.True(t, IsNoKeysFoundError(ErrNoKeysFound))
	require.True(t, IsNoKeysFoundError(errors.New("nats: no keys found")))
	require.True(t, IsNoKeysFoundError(fmt.Errorf("list keys: %w", errors.New("nats: no keys found"))))
	require.False(t, IsNoKeysFoundError(errors.New("timeout")))
}
