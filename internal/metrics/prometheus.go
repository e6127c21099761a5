package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/rangemove/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing a
// PrometheusCollector never panics on duplicate registration until it records.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	donorTransitions     *prometheus.CounterVec
	donorStateSeconds    *prometheus.HistogramVec
	recipientTransitions *prometheus.CounterVec
	recipientStateSecs   *prometheus.HistogramVec
	migrationResults     *prometheus.CounterVec
	migrationDuration    *prometheus.HistogramVec
	clonedDocuments      prometheus.Counter
	modsTransferred      prometheus.Counter
	criticalSection      prometheus.Histogram
	stateChangesDropped  prometheus.Counter
	cleanupRuns          *prometheus.CounterVec
	cleanupDuration      prometheus.Histogram
	documentsDeleted     *prometheus.CounterVec
	rangeDeletions       *prometheus.CounterVec
	rangeDeleteDuration  prometheus.Histogram
	layoutVersion        *prometheus.GaugeVec
	kvOperationDuration  *prometheus.HistogramVec
	heartbeats           *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "rangemove" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "rangemove"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.donorTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "donor",
			Name:      "transitions_total",
			Help:      "Total donor state transitions by source and target state.",
		}, []string{"from", "to"})
		p.donorStateSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "donor",
			Name:      "state_duration_seconds",
			Help:      "Time spent in a donor state before leaving it.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"state"})

		p.recipientTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "recipient",
			Name:      "transitions_total",
			Help:      "Total recipient state transitions by source and target state.",
		}, []string{"from", "to"})
		p.recipientStateSecs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "recipient",
			Name:      "state_duration_seconds",
			Help:      "Time spent in a recipient state before leaving it.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"state"})

		p.migrationResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "results_total",
			Help:      "Migration sessions by role and result (committed, aborted).",
		}, []string{"role", "result"})
		p.migrationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Total migration session duration by role.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		}, []string{"role"})
		p.clonedDocuments = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "cloned_documents_total",
			Help:      "Documents copied to recipients by the initial clone.",
		})
		p.modsTransferred = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "mods_transferred_total",
			Help:      "Buffered writes shipped to recipients.",
		})
		p.criticalSection = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "critical_section_seconds",
			Help:      "Time writes to a migrating range were blocked during commit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		})
		p.stateChangesDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "state_changes_dropped_total",
			Help:      "State change notifications dropped because a subscriber was slow.",
		})

		p.cleanupRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Orphan cleanup commands by result (success, blocked, error).",
		}, []string{"result"})
		p.cleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "cleanup",
			Name:      "duration_seconds",
			Help:      "Orphan cleanup command duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		})

		p.documentsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "storage",
			Name:      "documents_deleted_total",
			Help:      "Documents removed by the storage engine, by deleting component.",
		}, []string{"source"})
		p.rangeDeletions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "range_deleter",
			Name:      "tasks_total",
			Help:      "Range deletion tasks by result.",
		}, []string{"result"})
		p.rangeDeleteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "range_deleter",
			Name:      "duration_seconds",
			Help:      "Range deletion task duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		})

		p.layoutVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ownership",
			Name:      "layout_version",
			Help:      "Version counter of the locally installed layout per namespace.",
		}, []string{"namespace"})
		p.kvOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "catalog",
			Name:      "kv_operation_seconds",
			Help:      "Catalog KV operation latency by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"operation"})

		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "membership",
			Name:      "heartbeats_total",
			Help:      "Membership lease renewals by shard and result.",
		}, []string{"shard", "result"})

		p.reg.MustRegister(
			p.donorTransitions,
			p.donorStateSeconds,
			p.recipientTransitions,
			p.recipientStateSecs,
			p.migrationResults,
			p.migrationDuration,
			p.clonedDocuments,
			p.modsTransferred,
			p.criticalSection,
			p.stateChangesDropped,
			p.cleanupRuns,
			p.cleanupDuration,
			p.documentsDeleted,
			p.rangeDeletions,
			p.rangeDeleteDuration,
			p.layoutVersion,
			p.kvOperationDuration,
			p.heartbeats,
		)
	})
}

// MigrationMetrics implementation

// RecordDonorTransition counts the transition and observes time spent in from.
func (p *PrometheusCollector) RecordDonorTransition(from, to types.DonorState, duration float64) {
	p.ensureRegistered()
	p.donorTransitions.WithLabelValues(from.String(), to.String()).Inc()
	p.donorStateSeconds.WithLabelValues(from.String()).Observe(duration)
}

// RecordRecipientTransition counts the transition and observes time spent in from.
func (p *PrometheusCollector) RecordRecipientTransition(from, to types.RecipientState, duration float64) {
	p.ensureRegistered()
	p.recipientTransitions.WithLabelValues(from.String(), to.String()).Inc()
	p.recipientStateSecs.WithLabelValues(from.String()).Observe(duration)
}

// RecordMigrationResult counts a finished session and observes its duration.
func (p *PrometheusCollector) RecordMigrationResult(role types.Role, result string, duration float64) {
	p.ensureRegistered()
	p.migrationResults.WithLabelValues(role.String(), result).Inc()
	p.migrationDuration.WithLabelValues(role.String()).Observe(duration)
}

// RecordClonedDocuments adds cloned documents.
func (p *PrometheusCollector) RecordClonedDocuments(count int) {
	p.ensureRegistered()
	if count > 0 {
		p.clonedDocuments.Add(float64(count))
	}
}

// RecordModsTransferred adds transferred mods.
func (p *PrometheusCollector) RecordModsTransferred(count int) {
	p.ensureRegistered()
	if count > 0 {
		p.modsTransferred.Add(float64(count))
	}
}

// RecordCriticalSection observes the write-blocked window of a commit.
func (p *PrometheusCollector) RecordCriticalSection(duration float64) {
	p.ensureRegistered()
	p.criticalSection.Observe(duration)
}

// RecordStateChangeDropped counts a dropped notification.
func (p *PrometheusCollector) RecordStateChangeDropped() {
	p.ensureRegistered()
	p.stateChangesDropped.Inc()
}

// CleanupMetrics implementation

// RecordCleanupRun counts a cleanup command and observes its duration.
func (p *PrometheusCollector) RecordCleanupRun(result string, duration float64) {
	p.ensureRegistered()
	p.cleanupRuns.WithLabelValues(result).Inc()
	p.cleanupDuration.Observe(duration)
}

// DeleterMetrics implementation

// RecordDocumentsDeleted adds documents the engine reported as removed.
func (p *PrometheusCollector) RecordDocumentsDeleted(source string, count int) {
	p.ensureRegistered()
	if count > 0 {
		p.documentsDeleted.WithLabelValues(source).Add(float64(count))
	}
}

// RecordRangeDeletion counts a range deletion task and observes its duration.
func (p *PrometheusCollector) RecordRangeDeletion(result string, duration float64) {
	p.ensureRegistered()
	p.rangeDeletions.WithLabelValues(result).Inc()
	p.rangeDeleteDuration.Observe(duration)
}

// OwnershipMetrics implementation

// RecordLayoutInstalled sets the installed layout version of ns.
func (p *PrometheusCollector) RecordLayoutInstalled(ns types.Namespace, version uint64) {
	p.ensureRegistered()
	p.layoutVersion.WithLabelValues(string(ns)).Set(float64(version))
}

// RecordKVOperationDuration observes a catalog KV operation latency.
func (p *PrometheusCollector) RecordKVOperationDuration(operation string, duration float64) {
	p.ensureRegistered()
	p.kvOperationDuration.WithLabelValues(operation).Observe(duration)
}

// MembershipMetrics implementation

// RecordHeartbeat counts a lease renewal attempt.
func (p *PrometheusCollector) RecordHeartbeat(shard types.ShardID, success bool) {
	p.ensureRegistered()
	result := "success"
	if !success {
		result = "failure"
	}
	p.heartbeats.WithLabelValues(string(shard), result).Inc()
}
