package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	ingestTotal        *prometheus.CounterVec
	reconcileDuration  *prometheus.HistogramVec
	reconcileErrors    *prometheus.CounterVec
	recoveriesTotal    *prometheus.CounterVec
	qualityFlagsTotal  *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of raw events ingested, by type and outcome.",
		}, []string{"tenant", "event_type", "outcome"}),

		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Latency of transaction group reconciliations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tenant"}),

		reconcileErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Total number of failed reconciliations.",
		}, []string{"tenant"}),

		recoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Total number of recovery records created.",
		}, []string{"tenant"}),

		qualityFlagsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_flags_total",
			Help:      "Total number of data-quality flags raised.",
		}, []string{"tenant", "kind"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordIngest(tenantID, eventType, outcome string) {
	m.ingestTotal.WithLabelValues(tenantID, eventType, outcome).Inc()
}

func (m *Metrics) RecordReconcile(tenantID string, duration time.Duration, err error) {
	m.reconcileDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
	if err != nil {
		m.reconcileErrors.WithLabelValues(tenantID).Inc()
	}
}

func (m *Metrics) RecordRecovery(tenantID string) {
	m.recoveriesTotal.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) RecordQualityFlag(tenantID, kind string) {
	m.qualityFlagsTotal.WithLabelValues(tenantID, kind).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
