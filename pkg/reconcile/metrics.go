package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordIngest records one raw event ingestion attempt.
	// outcome is "accepted", "duplicate", or "skipped".
	RecordIngest(tenantID, eventType, outcome string)

	// RecordReconcile records the duration and status of one transaction-group
	// reconciliation.
	RecordReconcile(tenantID string, duration time.Duration, err error)

	// RecordRecovery records one detected recovery.
	RecordRecovery(tenantID string)

	// RecordQualityFlag records a data-quality flag raised during processing.
	RecordQualityFlag(tenantID, kind string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordIngest(tenantID, eventType, outcome string)                       {}
func (n *NoopMetrics) RecordReconcile(tenantID string, duration time.Duration, err error)     {}
func (n *NoopMetrics) RecordRecovery(tenantID string)                                         {}
func (n *NoopMetrics) RecordQualityFlag(tenantID, kind string)                                {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
}
