package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine coordinates event ingestion, per-transaction reconciliation, and the
// derived read surfaces. One Engine is safe for concurrent use.
type Engine struct {
	storage Storage
	config  *Config
	loc     *time.Location

	locker  KeyLocker
	logger  Logger
	metrics Metrics
	archive EventArchiver
}

// NewEngine creates a reconciliation engine backed by the given storage.
func NewEngine(storage Storage, config *Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(config.ReportingTimezone)
	if err != nil {
		return nil, err
	}
	return &Engine{
		storage: storage,
		config:  config,
		loc:     loc,
		locker:  config.Locker,
		logger:  config.Logger,
		metrics: config.Metrics,
		archive: config.Archive,
	}, nil
}

// Process ingests one raw event: appends it to the immutable log, then
// reconciles the event's transaction group. Redeliveries are detected by the
// (tenant, provider, external event id) key and return a duplicate no-op
// result. Events missing correlation keys are logged but produce no canonical
// or contact side effects.
func (e *Engine) Process(ctx context.Context, ev *RawEvent) (*Result, error) {
	if ev == nil || ev.Provider == "" || ev.ExternalEventID == "" {
		return nil, ErrInvalidEvent
	}
	// The caller keeps ownership of the event; derive keys on a copy.
	cp := *ev
	ev = &cp
	if ev.TransactionID == "" {
		ev.TransactionID = ExtractTransactionID(ev.ExternalEventID)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	if err := e.storage.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			e.metrics.RecordIngest(ev.TenantID, string(ev.Type), "duplicate")
			e.logger.Debug("duplicate event ignored",
				Field{Key: "provider", Value: ev.Provider},
				Field{Key: "external_event_id", Value: ev.ExternalEventID})
			return &Result{Duplicate: true}, nil
		}
		e.metrics.RecordIngest(ev.TenantID, string(ev.Type), "error")
		return nil, err
	}

	if e.archive != nil {
		if err := e.archive.Archive(ctx, ev); err != nil {
			// Archival is a secondary sink; the log append already succeeded.
			e.logger.Warn("event archive failed",
				Field{Key: "external_event_id", Value: ev.ExternalEventID},
				Field{Key: "error", Value: err.Error()})
		}
	}

	if !ev.Processable() {
		e.metrics.RecordIngest(ev.TenantID, string(ev.Type), "skipped")
		res := &Result{Skipped: true, Flags: missingKeyFlags(ev)}
		for _, f := range res.Flags {
			e.metrics.RecordQualityFlag(ev.TenantID, string(f.Kind))
		}
		return res, nil
	}

	e.metrics.RecordIngest(ev.TenantID, string(ev.Type), "accepted")
	return e.Reconcile(ctx, ev.TenantID, ev.TransactionID)
}

// Reconcile rebuilds the canonical transaction, ledger entry, contact, and
// lifecycle state for one transaction group from its full event set. The group
// is serialized on a per-transaction lock, so concurrent deliveries for the
// same sale cannot interleave their read-modify-write cycles.
func (e *Engine) Reconcile(ctx context.Context, tenantID, transactionID string) (*Result, error) {
	start := time.Now()
	release, err := e.locker.Lock(ctx, tenantID+"|"+transactionID)
	if err != nil {
		e.metrics.RecordReconcile(tenantID, time.Since(start), err)
		return nil, err
	}
	defer release()

	res, err := e.reconcileLocked(ctx, tenantID, transactionID)
	e.metrics.RecordReconcile(tenantID, time.Since(start), err)
	return res, err
}

func (e *Engine) reconcileLocked(ctx context.Context, tenantID, transactionID string) (*Result, error) {
	events, err := e.storage.ListEventsByTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	processable := events[:0:0]
	for _, ev := range events {
		if ev.Processable() {
			processable = append(processable, ev)
		}
	}
	if len(processable) == 0 {
		return nil, ErrTransactionNotFound
	}

	canonical, winner, err := Resolve(processable)
	if err != nil {
		return nil, err
	}

	tracking, err := e.storage.GetTracking(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	canonical.Attribution = MergeAttribution(winner, tracking)

	ledger := NormalizeLedger(canonical, e.config, e.loc)

	email := NormalizeEmail(canonical.Email)
	existing, err := e.storage.GetContact(ctx, tenantID, email)
	if err != nil && !errors.Is(err, ErrContactNotFound) {
		return nil, err
	}

	history, err := e.storage.ListContactTransactions(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	// The stored history may hold a stale copy of this transaction; splice the
	// freshly resolved record in so aggregates and recovery matching see it.
	prior := history[:0:0]
	full := make([]*CanonicalTransaction, 0, len(history)+1)
	for _, h := range history {
		if h.TransactionID == transactionID {
			continue
		}
		prior = append(prior, h)
		full = append(full, h)
	}
	full = append(full, canonical)

	now := time.Now().UTC()
	contact := UpsertContact(existing, canonical, winner, full, e.config, e.loc, now)

	recoveries, err := e.storage.ListRecoveries(ctx, tenantID, email)
	if err != nil {
		return nil, err
	}
	lifecycle := ApplyLifecycle(contact, canonical, prior, recoveries, now)
	canonical.Flags = append(canonical.Flags, lifecycle.Flags...)
	canonical.UpdatedAt = now
	contact.UpdatedAt = now

	reconciled := make([]EventKey, 0, len(events))
	for _, ev := range events {
		reconciled = append(reconciled, ev.Key())
	}
	commit := &ReconcileCommit{
		Canonical:  canonical,
		Ledger:     ledger,
		Contact:    contact,
		Recoveries: lifecycle.Recoveries,
		Reconciled: reconciled,
	}
	if err := e.storage.CommitReconciliation(ctx, commit); err != nil {
		return nil, err
	}

	for _, f := range canonical.Flags {
		e.metrics.RecordQualityFlag(tenantID, string(f.Kind))
	}
	for _, f := range ledger.Flags {
		e.metrics.RecordQualityFlag(tenantID, string(f.Kind))
	}
	for range lifecycle.Recoveries {
		e.metrics.RecordRecovery(tenantID)
	}
	if len(lifecycle.Recoveries) > 0 {
		e.logger.Info("recovery recorded",
			Field{Key: "tenant_id", Value: tenantID},
			Field{Key: "transaction_id", Value: transactionID},
			Field{Key: "count", Value: len(lifecycle.Recoveries)})
	}

	return &Result{
		Canonical:  canonical,
		Contact:    contact,
		Recoveries: lifecycle.Recoveries,
		Flags:      append(append([]QualityFlag{}, canonical.Flags...), ledger.Flags...),
	}, nil
}

// BatchResult summarizes one batch reconciliation pass.
type BatchResult struct {
	Processed int
	Failed    int
}

// ReconcileBatch reconciles up to limit unprocessed transaction groups,
// bounded-parallel across groups. tenantID "" covers all tenants; limit <= 0
// uses the configured default. Individual group failures are logged and
// counted, not fatal, so one poisoned group cannot stall the backfill.
func (e *Engine) ReconcileBatch(ctx context.Context, tenantID string, limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = e.config.DefaultBatchSize
	}
	refs, err := e.storage.ListUnreconciled(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.BatchConcurrency)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			if _, err := e.Reconcile(gctx, ref.TenantID, ref.TransactionID); err != nil {
				failed.Add(1)
				e.logger.Error("batch reconcile failed",
					Field{Key: "tenant_id", Value: ref.TenantID},
					Field{Key: "transaction_id", Value: ref.TransactionID},
					Field{Key: "error", Value: err.Error()})
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &BatchResult{
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

// AddTracking stores a secondary attribution record and re-reconciles the
// transaction when its events have already arrived, so late tracking data
// still lands on the canonical record.
func (e *Engine) AddTracking(ctx context.Context, rec *TrackingRecord) error {
	if rec == nil || rec.TenantID == "" || rec.TransactionID == "" {
		return ErrInvalidEvent
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	if err := e.storage.PutTracking(ctx, rec); err != nil {
		return err
	}
	if _, err := e.Reconcile(ctx, rec.TenantID, rec.TransactionID); err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			// Tracking arrived first; the event's own reconciliation picks it up.
			return nil
		}
		return err
	}
	return nil
}

// AddSpend records one day of advertising spend. Day is a calendar date: its
// year, month, and day are kept as given and pinned to midnight in the
// reporting timezone, never converted as an instant.
func (e *Engine) AddSpend(ctx context.Context, rec *SpendRecord) error {
	if rec == nil || rec.TenantID == "" || rec.Day.IsZero() {
		return ErrInvalidEvent
	}
	y, m, d := rec.Day.Date()
	rec.Day = time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	return e.storage.AddSpend(ctx, rec)
}

// RollupDaily aggregates per-day revenue, refunds, spend, and profit over
// [from, to].
func (e *Engine) RollupDaily(ctx context.Context, tenantID string, from, to time.Time) ([]DailyRollup, error) {
	entries, err := e.storage.ListLedgerEntries(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	spend, err := e.storage.ListSpend(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	return BuildDailyRollups(tenantID, entries, spend), nil
}

// RollupMonthly aggregates the daily rollups of [from, to] into calendar months.
func (e *Engine) RollupMonthly(ctx context.Context, tenantID string, from, to time.Time) ([]MonthlyRollup, error) {
	daily, err := e.RollupDaily(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	return BuildMonthlyRollups(daily), nil
}

// Audit builds the tenant's data-integrity report from stored raw events and
// canonical transactions.
func (e *Engine) Audit(ctx context.Context, tenantID string) (*IntegrityReport, error) {
	events, err := e.storage.ListEvents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	canonicals, err := e.storage.ListCanonical(ctx, CanonicalFilter{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return BuildIntegrityReport(tenantID, events, canonicals, time.Now().UTC()), nil
}

// GetTransaction returns the canonical transaction for a transaction id.
func (e *Engine) GetTransaction(ctx context.Context, tenantID, transactionID string) (*CanonicalTransaction, error) {
	return e.storage.GetCanonical(ctx, tenantID, transactionID)
}

// ListTransactions returns canonical transactions matching the filter.
func (e *Engine) ListTransactions(ctx context.Context, filter CanonicalFilter) ([]*CanonicalTransaction, error) {
	return e.storage.ListCanonical(ctx, filter)
}

// GetContact returns the contact profile for an email (normalized internally).
func (e *Engine) GetContact(ctx context.Context, tenantID, email string) (*Contact, error) {
	return e.storage.GetContact(ctx, tenantID, NormalizeEmail(email))
}

// ListRecoveries returns the contact's recovery records.
func (e *Engine) ListRecoveries(ctx context.Context, tenantID, email string) ([]*RecoveryRecord, error) {
	return e.storage.ListRecoveries(ctx, tenantID, NormalizeEmail(email))
}

func missingKeyFlags(ev *RawEvent) []QualityFlag {
	var flags []QualityFlag
	if ev.TenantID == "" {
		flags = append(flags, QualityFlag{Kind: FlagMissingTenant, TransactionID: ev.TransactionID})
	}
	if ev.Email == "" {
		flags = append(flags, QualityFlag{Kind: FlagMissingEmail, TransactionID: ev.TransactionID})
	}
	if ev.TransactionID == "" {
		flags = append(flags, QualityFlag{Kind: FlagMissingTransaction})
	}
	if ev.Type != "" && !ev.Type.Known() {
		flags = append(flags, QualityFlag{Kind: FlagUnknownEventType, TransactionID: ev.TransactionID, Detail: string(ev.Type)})
	}
	return flags
}
