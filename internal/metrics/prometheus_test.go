package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/rangemove/types"
)

func TestPrometheusCollector_DocumentsDeleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordDocumentsDeleted("cleanup", 3)
	p.RecordDocumentsDeleted("cleanup", 0)
	p.RecordDocumentsDeleted("range_deleter", 10)

	require.InDelta(t, 3, testutil.ToFloat64(p.documentsDeleted.WithLabelValues("cleanup")), 0)
	require.InDelta(t, 10, testutil.ToFloat64(p.documentsDeleted.WithLabelValues("range_deleter")), 0)
}

func TestPrometheusCollector_Transitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	p.RecordDonorTransition(types.DonorIdle, types.DonorCloneInitiated, 0.1)
	p.RecordDonorTransition(types.DonorIdle, types.DonorCloneInitiated, 0.2)
	p.RecordRecipientTransition(types.RecipientCloned, types.RecipientApplyingMods, 0.1)
	p.RecordMigrationResult(types.RoleDonor, "committed", 1)

	require.InDelta(t, 2, testutil.ToFloat64(p.donorTransitions.WithLabelValues("Idle", "CloneInitiated")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.recipientTransitions.WithLabelValues("Cloned", "ApplyingMods")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.migrationResults.WithLabelValues("donor", "committed")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, f := range families {
		require.Contains(t, f.GetName(), "rangemove_")
	}
}

func TestPrometheusCollector_AllMethods(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "test")

	require.NotPanics(t, func() {
		p.RecordClonedDocuments(10)
		p.RecordModsTransferred(2)
		p.RecordCriticalSection(0.01)
		p.RecordStateChangeDropped()
		p.RecordCleanupRun("success", 0.02)
		p.RecordRangeDeletion("success", 0.5)
		p.RecordLayoutInstalled("test.user", 4)
		p.RecordKVOperationDuration("update", 0.001)
		p.RecordHeartbeat("shard0", true)
		p.RecordHeartbeat("shard0", false)
	})

	require.InDelta(t, 1, testutil.ToFloat64(p.heartbeats.WithLabelValues("shard0", "failure")), 0)

	require.InDelta(t, 4, testutil.ToFloat64(p.layoutVersion.WithLabelValues("test.user")), 0)
}
