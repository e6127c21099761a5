package types

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"
)

// SessionID identifies one migration attempt. Donor and recipient use it to
// deduplicate retried step signals.
type SessionID string

// NewSessionID derives a session ID for a migration attempt.
//
// The ID is the xxh3 hash of the migration parameters and the attempt start time,
// so two attempts of the same move never share an ID.
func NewSessionID(ns Namespace, rng Range, from, to ShardID, version ChunkVersion, startedAt time.Time) SessionID {
	h := xxh3.New()
	_, _ = h.WriteString(string(ns))
	_, _ = h.WriteString(string(from))
	_, _ = h.WriteString(string(to))
	_, _ = h.WriteString(version.String())

	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(rng.Min))
	binary.BigEndian.PutUint64(buf[8:16], uint64(rng.Max))
	binary.BigEndian.PutUint64(buf[16:24], uint64(startedAt.UnixNano()))
	_, _ = h.Write(buf[:])

	return SessionID(fmt.Sprintf("%016x", h.Sum64()))
}

// NewEpoch returns a fresh collection epoch.
func NewEpoch(ns Namespace, createdAt time.Time) string {
	return fmt.Sprintf("%016x", xxh3.HashString(fmt.Sprintf("%s/%d", ns, createdAt.UnixNano())))
}

// PendingRange is a range a recipient is receiving but does not own yet.
//
// Orphan cleanup and range deletion on the recipient must never remove
// documents inside a pending range.
type PendingRange struct {
	Namespace Namespace `json:"namespace"`
	Range     Range     `json:"range"`
	From      ShardID   `json:"from"`
	SessionID SessionID `json:"session_id"`
	Since     time.Time `json:"since"`
}

// Role is the side a shard plays in a migration.
type Role int

const (
	// RoleDonor is the shard giving up a range.
	RoleDonor Role = iota + 1

	// RoleRecipient is the shard receiving a range.
	RoleRecipient
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleDonor:
		return "donor"
	case RoleRecipient:
		return "recipient"
	default:
		return "unknown"
	}
}

// MigrationPhase tells whether an active migration may still change ownership.
type MigrationPhase int

const (
	// PhaseInFlux means ownership of the range may still change.
	PhaseInFlux MigrationPhase = iota

	// PhaseCommitted means the new ownership is durably committed.
	PhaseCommitted
)

// String returns the string representation of the phase.
func (p MigrationPhase) String() string {
	switch p {
	case PhaseInFlux:
		return "InFlux"
	case PhaseCommitted:
		return "Committed"
	default:
		return "Unknown"
	}
}

// ActiveMigration describes the migration a shard participates in for one namespace.
type ActiveMigration struct {
	Namespace Namespace      `json:"namespace"`
	Role      Role           `json:"role"`
	SessionID SessionID      `json:"session_id"`
	Range     Range          `json:"range"`
	Phase     MigrationPhase `json:"phase"`
	Since     time.Time      `json:"since"`
}
