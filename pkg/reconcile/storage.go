package reconcile

import (
	"context"
	"time"
)

// EventKey identifies a raw event in the append-only log. The uniqueness of
// this key is what rejects literal webhook redeliveries at the log boundary.
type EventKey struct {
	TenantID        string
	Provider        string
	ExternalEventID string
}

// TransactionRef identifies one transaction group.
type TransactionRef struct {
	TenantID      string
	TransactionID string
}

// CanonicalFilter selects canonical transactions for the read surface.
// Zero-valued fields are ignored.
type CanonicalFilter struct {
	TenantID string
	Email    string
	From     time.Time
	To       time.Time
	Statuses []EventType
	Limit    int
}

// ReconcileCommit is the atomic unit of downstream writes for one transaction
// group. Storage implementations must apply all of it or none of it; a
// canonical record updated without its contact is not an acceptable state.
type ReconcileCommit struct {
	Canonical *CanonicalTransaction
	Ledger    *LedgerEntry

	// Contact is nil when the group carries no usable contact email.
	Contact *Contact

	// Recoveries are inserted keyed by DedupeKey; keys already present are
	// left untouched (recovery records are immutable).
	Recoveries []*RecoveryRecord

	// Reconciled marks every event of the group as processed, making batch
	// reconciliation incremental and resumable.
	Reconciled []EventKey
}

// Storage defines the interface for reconciliation persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// AppendEvent appends a raw event to the immutable event log.
	// Returns ErrDuplicateEvent when the event key already exists.
	AppendEvent(ctx context.Context, ev *RawEvent) error

	// ListEventsByTransaction returns all raw events sharing a transaction id.
	ListEventsByTransaction(ctx context.Context, tenantID, transactionID string) ([]*RawEvent, error)

	// ListEvents returns all raw events for a tenant (audit surface).
	ListEvents(ctx context.Context, tenantID string) ([]*RawEvent, error)

	// ListUnreconciled returns up to limit transaction groups that still have
	// unprocessed events. tenantID "" means all tenants.
	ListUnreconciled(ctx context.Context, tenantID string, limit int) ([]TransactionRef, error)

	// GetTracking returns the secondary tracking record for a transaction.
	// Returns nil, nil when none exists.
	GetTracking(ctx context.Context, tenantID, transactionID string) (*TrackingRecord, error)

	// PutTracking stores a secondary tracking record.
	PutTracking(ctx context.Context, rec *TrackingRecord) error

	// GetCanonical returns the canonical transaction.
	// Returns ErrTransactionNotFound when none exists.
	GetCanonical(ctx context.Context, tenantID, transactionID string) (*CanonicalTransaction, error)

	// ListCanonical returns canonical transactions matching the filter.
	ListCanonical(ctx context.Context, filter CanonicalFilter) ([]*CanonicalTransaction, error)

	// GetContact returns the contact for a normalized email.
	// Returns ErrContactNotFound when none exists.
	GetContact(ctx context.Context, tenantID, email string) (*Contact, error)

	// ListContactTransactions returns all canonical transactions referencing
	// the contact's normalized email.
	ListContactTransactions(ctx context.Context, tenantID, email string) ([]*CanonicalTransaction, error)

	// ListRecoveries returns the contact's recovery records.
	ListRecoveries(ctx context.Context, tenantID, email string) ([]*RecoveryRecord, error)

	// CommitReconciliation applies one reconciliation atomically.
	CommitReconciliation(ctx context.Context, commit *ReconcileCommit) error

	// ListLedgerEntries returns ledger entries whose economic day falls in
	// [from, to] for a tenant.
	ListLedgerEntries(ctx context.Context, tenantID string, from, to time.Time) ([]*LedgerEntry, error)

	// AddSpend records one day of advertising spend.
	AddSpend(ctx context.Context, rec *SpendRecord) error

	// ListSpend returns spend records whose day falls in [from, to].
	ListSpend(ctx context.Context, tenantID string, from, to time.Time) ([]*SpendRecord, error)
}

// EventArchiver is an optional secondary sink for raw events (long-term
// archival). Archive failures are logged, never fatal to ingestion.
type EventArchiver interface {
	Archive(ctx context.Context, ev *RawEvent) error
}
