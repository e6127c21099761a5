package types

// DonorState is the state of the donor side of a migration.
//
// States follow a defined progression during a successful migration:
//
//	DonorIdle → DonorCloneInitiated → DonorCloned → DonorCommitPending →
//	DonorCommitted → DonorPostCommitDeleting → DonorDone
//
// Any state before DonorCommitted may move to DonorAborted.
type DonorState int

const (
	// DonorIdle indicates no migration is running.
	DonorIdle DonorState = iota

	// DonorCloneInitiated indicates the guard is held, writes are captured and the recipient was told to start.
	DonorCloneInitiated

	// DonorCloned indicates the recipient finished the initial copy.
	DonorCloned

	// DonorCommitPending indicates writes to the range are blocked while the final mods drain and the commit runs.
	DonorCommitPending

	// DonorCommitted indicates the new ownership is durable and installed locally.
	DonorCommitted

	// DonorPostCommitDeleting indicates the donor is deleting its copy of the range.
	DonorPostCommitDeleting

	// DonorDone indicates the migration finished and the guard was released.
	DonorDone

	// DonorAborted indicates the migration failed before commit and was rolled back.
	DonorAborted
)

// String returns the string representation of the state.
func (s DonorState) String() string {
	switch s {
	case DonorIdle:
		return "Idle"
	case DonorCloneInitiated:
		return "CloneInitiated"
	case DonorCloned:
		return "Cloned"
	case DonorCommitPending:
		return "CommitPending"
	case DonorCommitted:
		return "Committed"
	case DonorPostCommitDeleting:
		return "PostCommitDeleting"
	case DonorDone:
		return "Done"
	case DonorAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the state ends a migration attempt.
func (s DonorState) IsTerminal() bool {
	return s == DonorDone || s == DonorAborted
}

// RecipientState is the state of the recipient side of a migration.
//
// States follow a defined progression during a successful migration:
//
//	RecipientIdle → RecipientReceiveStarted → RecipientCloning → RecipientCloned →
//	RecipientApplyingMods → RecipientReadyToCommit → RecipientCommitted
//
// Any state before RecipientCommitted may move to RecipientAborted.
type RecipientState int

const (
	// RecipientIdle indicates no migration is being received.
	RecipientIdle RecipientState = iota

	// RecipientReceiveStarted indicates the guard is held and the range is registered as pending.
	RecipientReceiveStarted

	// RecipientCloning indicates the initial copy is in progress.
	RecipientCloning

	// RecipientCloned indicates the initial copy finished and buffered writes are being caught up.
	RecipientCloned

	// RecipientApplyingMods indicates the recipient caught up and keeps applying buffered writes.
	RecipientApplyingMods

	// RecipientReadyToCommit indicates the final drain finished and the recipient waits for the commit outcome.
	RecipientReadyToCommit

	// RecipientCommitted indicates the range is owned and no longer pending.
	RecipientCommitted

	// RecipientAborted indicates the received data was discarded.
	RecipientAborted
)

// String returns the string representation of the state.
func (s RecipientState) String() string {
	switch s {
	case RecipientIdle:
		return "Idle"
	case RecipientReceiveStarted:
		return "ReceiveStarted"
	case RecipientCloning:
		return "Cloning"
	case RecipientCloned:
		return "Cloned"
	case RecipientApplyingMods:
		return "ApplyingMods"
	case RecipientReadyToCommit:
		return "ReadyToCommit"
	case RecipientCommitted:
		return "Committed"
	case RecipientAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the state ends a migration attempt.
func (s RecipientState) IsTerminal() bool {
	return s == RecipientCommitted || s == RecipientAborted
}
