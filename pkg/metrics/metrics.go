// Package metrics exposes the engine's Prometheus instrumentation. All
// metrics live in one Registry so embedding applications can mount them
// on whatever handler they already serve.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the storage engine emits.
type Registry struct {
	registry *prometheus.Registry

	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	FlushesTotal       *prometheus.CounterVec
	CompactionsTotal   *prometheus.CounterVec
	CompactionDuration *prometheus.HistogramVec
	CellsDropped       *prometheus.CounterVec
	WALSyncsTotal      prometheus.Counter
	MemStoreCells      *prometheus.GaugeVec
	SSTableCount       *prometheus.GaugeVec
}

// NewRegistry creates a Registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.OperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbase_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"cf", "operation", "status"},
	)

	r.OperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rbase_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"cf", "operation"},
	)

	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbase_flushes_total",
			Help: "Total number of memstore flushes",
		},
		[]string{"cf", "status"},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbase_compactions_total",
			Help: "Total number of compactions",
		},
		[]string{"cf", "type", "status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rbase_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"cf", "type"},
	)

	r.CellsDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbase_compaction_cells_dropped_total",
			Help: "Cells dropped by compaction retention policy",
		},
		[]string{"cf", "reason"},
	)

	r.WALSyncsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "rbase_wal_syncs_total",
			Help: "Total number of WAL fsyncs",
		},
	)

	r.MemStoreCells = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rbase_memstore_cells",
			Help: "Cells buffered in the active memstore",
		},
		[]string{"cf"},
	)

	r.SSTableCount = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rbase_sstables",
			Help: "Number of live SSTables",
		},
		[]string{"cf"},
	)

	return r
}

// Prometheus returns the underlying registry for mounting on an HTTP
// handler or pushing to a gateway.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// RecordOperation records one public storage operation.
func (r *Registry) RecordOperation(cf, operation, status string, duration time.Duration) {
	r.OperationsTotal.WithLabelValues(cf, operation, status).Inc()
	r.OperationDuration.WithLabelValues(cf, operation).Observe(duration.Seconds())
}

// RecordFlush records a flush attempt.
func (r *Registry) RecordFlush(cf, status string) {
	r.FlushesTotal.WithLabelValues(cf, status).Inc()
}

// RecordCompaction records a compaction attempt.
func (r *Registry) RecordCompaction(cf, compactionType, status string, duration time.Duration) {
	r.CompactionsTotal.WithLabelValues(cf, compactionType, status).Inc()
	r.CompactionDuration.WithLabelValues(cf, compactionType).Observe(duration.Seconds())
}
