package types

import "fmt"

// ChunkVersion orders ownership changes of a collection.
//
// Every successful migration commit increments Counter. Epoch changes only when a
// collection is sharded anew, and versions from different epochs are not comparable.
type ChunkVersion struct {
	Epoch   string `json:"epoch"`
	Counter uint64 `json:"counter"`
}

// IsZero reports whether the version is unset.
func (v ChunkVersion) IsZero() bool {
	return v.Epoch == "" && v.Counter == 0
}

// Compare returns -1, 0 or 1 when v is older than, equal to or newer than other.
//
// Returns:
//   - int: Comparison result
//   - error: ErrStaleOwnershipVersion if the epochs differ
func (v ChunkVersion) Compare(other ChunkVersion) (int, error) {
	if v.Epoch != other.Epoch {
		return 0, fmt.Errorf("%w: epoch %q does not match %q", ErrStaleOwnershipVersion, v.Epoch, other.Epoch)
	}

	switch {
	case v.Counter < other.Counter:
		return -1, nil
	case v.Counter > other.Counter:
		return 1, nil
	default:
		return 0, nil
	}
}

// String returns the version as "epoch|counter".
func (v ChunkVersion) String() string {
	return fmt.Sprintf("%s|%d", v.Epoch, v.Counter)
}
