package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	MigrationMetrics
	CleanupMetrics
	DeleterMetrics
	OwnershipMetrics
	MembershipMetrics
}

// MigrationMetrics defines metrics for donor and recipient state machines.
type MigrationMetrics interface {
	// RecordDonorTransition records a donor state transition.
	//
	// Parameters:
	//   - from: Previous state
	//   - to: New state
	//   - duration: Seconds spent in the previous state
	RecordDonorTransition(from, to DonorState, duration float64)

	// RecordRecipientTransition records a recipient state transition.
	RecordRecipientTransition(from, to RecipientState, duration float64)

	// RecordMigrationResult records the end of a migration session.
	//
	// Parameters:
	//   - role: Side of the migration this shard played
	//   - result: "committed" or "aborted"
	//   - duration: Total session time in seconds
	RecordMigrationResult(role Role, result string, duration float64)

	// RecordClonedDocuments records documents copied by the initial clone.
	RecordClonedDocuments(count int)

	// RecordModsTransferred records buffered writes shipped to the recipient.
	RecordModsTransferred(count int)

	// RecordCriticalSection records how long writes to a migrating range were blocked.
	RecordCriticalSection(duration float64)

	// RecordStateChangeDropped records when state change notifications are dropped due to slow subscribers.
	RecordStateChangeDropped()
}

// CleanupMetrics defines metrics for orphan cleanup.
type CleanupMetrics interface {
	// RecordCleanupRun records one cleanup command.
	//
	// Parameters:
	//   - result: "success", "blocked" or "error"
	//   - duration: Time taken in seconds
	RecordCleanupRun(result string, duration float64)
}

// DeleterMetrics defines metrics shared by every component that deletes documents.
type DeleterMetrics interface {
	// RecordDocumentsDeleted records documents actually removed by the storage engine.
	//
	// Parameters:
	//   - source: "cleanup" or "range_deleter"
	//   - count: Number of documents the engine reported as removed
	RecordDocumentsDeleted(source string, count int)

	// RecordRangeDeletion records one range deletion task.
	RecordRangeDeletion(result string, duration float64)
}

// OwnershipMetrics defines metrics for the local ownership table and catalog.
type OwnershipMetrics interface {
	// RecordLayoutInstalled records a newer layout installed locally.
	RecordLayoutInstalled(ns Namespace, version uint64)

	// RecordKVOperationDuration records NATS KV operation latency.
	//
	// Parameters:
	//   - operation: Operation type ("get", "create", "update", "watch")
	//   - duration: Time taken in seconds
	RecordKVOperationDuration(operation string, duration float64)
}

// MembershipMetrics defines metrics for shard membership leases.
type MembershipMetrics interface {
	// RecordHeartbeat records one renewal of a shard's membership lease.
	//
	// Parameters:
	//   - shard: Shard renewing its lease
	//   - success: Whether the lease was renewed
	RecordHeartbeat(shard ShardID, success bool)
}
