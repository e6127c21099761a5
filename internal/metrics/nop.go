// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/arloliu/rangemove/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	shard, err := rangemove.NewShard(&cfg, conn, rangemove.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// MigrationMetrics implementation

// RecordDonorTransition discards the donor transition metric.
func (n *NopMetrics) RecordDonorTransition(_ /* from */, _ /* to */ types.DonorState, _ /* duration */ float64) {
}

// RecordRecipientTransition discards the recipient transition metric.
func (n *NopMetrics) RecordRecipientTransition(_ /* from */, _ /* to */ types.RecipientState, _ /* duration */ float64) {
}

// RecordMigrationResult discards the migration result metric.
func (n *NopMetrics) RecordMigrationResult(_ /* role */ types.Role, _ /* result */ string, _ /* duration */ float64) {
}

// RecordClonedDocuments discards the cloned documents metric.
func (n *NopMetrics) RecordClonedDocuments(_ /* count */ int) {}

// RecordModsTransferred discards the transferred mods metric.
func (n *NopMetrics) RecordModsTransferred(_ /* count */ int) {}

// RecordCriticalSection discards the critical section metric.
func (n *NopMetrics) RecordCriticalSection(_ /* duration */ float64) {}

// RecordStateChangeDropped discards the dropped notification metric.
func (n *NopMetrics) RecordStateChangeDropped() {}

// CleanupMetrics implementation

// RecordCleanupRun discards the cleanup run metric.
func (n *NopMetrics) RecordCleanupRun(_ /* result */ string, _ /* duration */ float64) {}

// DeleterMetrics implementation

// RecordDocumentsDeleted discards the deleted documents metric.
func (n *NopMetrics) RecordDocumentsDeleted(_ /* source */ string, _ /* count */ int) {}

// RecordRangeDeletion discards the range deletion metric.
func (n *NopMetrics) RecordRangeDeletion(_ /* result */ string, _ /* duration */ float64) {}

// OwnershipMetrics implementation

// RecordLayoutInstalled discards the layout installed metric.
func (n *NopMetrics) RecordLayoutInstalled(_ /* ns */ types.Namespace, _ /* version */ uint64) {}

// RecordKVOperationDuration discards the KV operation duration metric.
func (n *NopMetrics) RecordKVOperationDuration(_ /* operation */ string, _ /* duration */ float64) {}

// MembershipMetrics implementation

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ /* shard */ types.ShardID, _ /* success */ bool) {}
