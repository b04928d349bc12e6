// Package memory provides an in-memory implementation of the reconcile.Storage
// interface. This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Storage using in-memory maps.
type Storage struct {
	mu sync.RWMutex

	events   map[reconcile.EventKey]*storedEvent
	seq      int
	tracking map[string]*reconcile.TrackingRecord

	canonical  map[string]*reconcile.CanonicalTransaction
	ledger     map[string]*reconcile.LedgerEntry
	contacts   map[string]*reconcile.Contact
	recoveries map[string]*reconcile.RecoveryRecord
	spend      map[string]*reconcile.SpendRecord
}

type storedEvent struct {
	ev         *reconcile.RawEvent
	seq        int
	reconciled bool
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events:     make(map[reconcile.EventKey]*storedEvent),
		tracking:   make(map[string]*reconcile.TrackingRecord),
		canonical:  make(map[string]*reconcile.CanonicalTransaction),
		ledger:     make(map[string]*reconcile.LedgerEntry),
		contacts:   make(map[string]*reconcile.Contact),
		recoveries: make(map[string]*reconcile.RecoveryRecord),
		spend:      make(map[string]*reconcile.SpendRecord),
	}
}

// AppendEvent implements reconcile.Storage.
func (s *Storage) AppendEvent(ctx context.Context, ev *reconcile.RawEvent) error {
	if ev == nil || ev.Provider == "" || ev.ExternalEventID == "" {
		return reconcile.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Key()
	if _, exists := s.events[key]; exists {
		return reconcile.ErrDuplicateEvent
	}
	s.seq++
	s.events[key] = &storedEvent{ev: copyEvent(ev), seq: s.seq}
	return nil
}

// ListEventsByTransaction implements reconcile.Storage.
func (s *Storage) ListEventsByTransaction(ctx context.Context, tenantID, transactionID string) ([]*reconcile.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := make([]*storedEvent, 0, 4)
	for _, se := range s.events {
		if se.ev.TenantID == tenantID && se.ev.TransactionID == transactionID {
			stored = append(stored, se)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })

	out := make([]*reconcile.RawEvent, 0, len(stored))
	for _, se := range stored {
		out = append(out, copyEvent(se.ev))
	}
	return out, nil
}

// ListEvents implements reconcile.Storage.
func (s *Storage) ListEvents(ctx context.Context, tenantID string) ([]*reconcile.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := make([]*storedEvent, 0, len(s.events))
	for _, se := range s.events {
		if tenantID == "" || se.ev.TenantID == tenantID {
			stored = append(stored, se)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })

	out := make([]*reconcile.RawEvent, 0, len(stored))
	for _, se := range stored {
		out = append(out, copyEvent(se.ev))
	}
	return out, nil
}

// ListUnreconciled implements reconcile.Storage. Only processable events form
// groups; a group whose events all lack correlation keys can never reconcile
// and must not occupy batch slots.
func (s *Storage) ListUnreconciled(ctx context.Context, tenantID string, limit int) ([]reconcile.TransactionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[reconcile.TransactionRef]int)
	for _, se := range s.events {
		if se.reconciled {
			continue
		}
		if !se.ev.Processable() {
			continue
		}
		if tenantID != "" && se.ev.TenantID != tenantID {
			continue
		}
		ref := reconcile.TransactionRef{TenantID: se.ev.TenantID, TransactionID: se.ev.TransactionID}
		if cur, ok := seen[ref]; !ok || se.seq < cur {
			seen[ref] = se.seq
		}
	}

	refs := make([]reconcile.TransactionRef, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	// Oldest groups first keeps repeated batches draining in arrival order.
	sort.Slice(refs, func(i, j int) bool { return seen[refs[i]] < seen[refs[j]] })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// GetTracking implements reconcile.Storage.
func (s *Storage) GetTracking(ctx context.Context, tenantID, transactionID string) (*reconcile.TrackingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tracking[txnKey(tenantID, transactionID)]
	if !ok {
		return nil, nil // No tracking record is not an error
	}
	recCopy := *rec
	return &recCopy, nil
}

// PutTracking implements reconcile.Storage.
func (s *Storage) PutTracking(ctx context.Context, rec *reconcile.TrackingRecord) error {
	if rec == nil || rec.TenantID == "" || rec.TransactionID == "" {
		return reconcile.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.tracking[txnKey(rec.TenantID, rec.TransactionID)] = &recCopy
	return nil
}

// GetCanonical implements reconcile.Storage.
func (s *Storage) GetCanonical(ctx context.Context, tenantID, transactionID string) (*reconcile.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.canonical[txnKey(tenantID, transactionID)]
	if !ok {
		return nil, reconcile.ErrTransactionNotFound
	}
	return copyCanonical(c), nil
}

// ListCanonical implements reconcile.Storage.
func (s *Storage) ListCanonical(ctx context.Context, filter reconcile.CanonicalFilter) ([]*reconcile.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconcile.CanonicalTransaction, 0)
	for _, c := range s.canonical {
		if !matchesFilter(c, filter) {
			continue
		}
		out = append(out, copyCanonical(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetContact implements reconcile.Storage.
func (s *Storage) GetContact(ctx context.Context, tenantID, email string) (*reconcile.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contact, ok := s.contacts[contactKey(tenantID, email)]
	if !ok {
		return nil, reconcile.ErrContactNotFound
	}
	return copyContact(contact), nil
}

// ListContactTransactions implements reconcile.Storage.
func (s *Storage) ListContactTransactions(ctx context.Context, tenantID, email string) ([]*reconcile.CanonicalTransaction, error) {
	return s.ListCanonical(ctx, reconcile.CanonicalFilter{TenantID: tenantID, Email: email})
}

// ListRecoveries implements reconcile.Storage.
func (s *Storage) ListRecoveries(ctx context.Context, tenantID, email string) ([]*reconcile.RecoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconcile.RecoveryRecord, 0)
	for _, r := range s.recoveries {
		if r.TenantID == tenantID && r.Email == email {
			rCopy := *r
			out = append(out, &rCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecoveredAt.Equal(out[j].RecoveredAt) {
			return out[i].RecoveredAt.Before(out[j].RecoveredAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

// CommitReconciliation implements reconcile.Storage. The whole commit applies
// under one lock acquisition, matching the all-or-nothing contract.
func (s *Storage) CommitReconciliation(ctx context.Context, commit *reconcile.ReconcileCommit) error {
	if commit == nil || commit.Canonical == nil || commit.Ledger == nil {
		return reconcile.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := txnKey(commit.Canonical.TenantID, commit.Canonical.TransactionID)
	s.canonical[key] = copyCanonical(commit.Canonical)
	s.ledger[key] = copyLedger(commit.Ledger)

	if commit.Contact != nil {
		s.contacts[contactKey(commit.Contact.TenantID, commit.Contact.Email)] = copyContact(commit.Contact)
	}
	for _, r := range commit.Recoveries {
		dk := r.DedupeKey()
		if _, exists := s.recoveries[dk]; exists {
			continue // Recovery records are immutable
		}
		rCopy := *r
		s.recoveries[dk] = &rCopy
	}
	for _, ek := range commit.Reconciled {
		if se, ok := s.events[ek]; ok {
			se.reconciled = true
		}
	}
	return nil
}

// ListLedgerEntries implements reconcile.Storage.
func (s *Storage) ListLedgerEntries(ctx context.Context, tenantID string, from, to time.Time) ([]*reconcile.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconcile.LedgerEntry, 0)
	for _, e := range s.ledger {
		if e.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && e.EconomicDay.Before(from) {
			continue
		}
		if !to.IsZero() && e.EconomicDay.After(to) {
			continue
		}
		out = append(out, copyLedger(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EconomicDay.Equal(out[j].EconomicDay) {
			return out[i].EconomicDay.Before(out[j].EconomicDay)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

// AddSpend implements reconcile.Storage. Re-submitting the same
// (tenant, day, source, campaign) overwrites the previous amount.
func (s *Storage) AddSpend(ctx context.Context, rec *reconcile.SpendRecord) error {
	if rec == nil || rec.TenantID == "" || rec.Day.IsZero() {
		return reconcile.ErrInvalidEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.spend[spendKey(rec)] = &recCopy
	return nil
}

// ListSpend implements reconcile.Storage.
func (s *Storage) ListSpend(ctx context.Context, tenantID string, from, to time.Time) ([]*reconcile.SpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconcile.SpendRecord, 0)
	for _, rec := range s.spend {
		if rec.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && rec.Day.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Day.After(to) {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

func matchesFilter(c *reconcile.CanonicalTransaction, filter reconcile.CanonicalFilter) bool {
	if filter.TenantID != "" && c.TenantID != filter.TenantID {
		return false
	}
	if filter.Email != "" && reconcile.NormalizeEmail(c.Email) != reconcile.NormalizeEmail(filter.Email) {
		return false
	}
	if !filter.From.IsZero() && c.OccurredAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && c.OccurredAt.After(filter.To) {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if c.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func txnKey(tenantID, transactionID string) string {
	return tenantID + "|" + transactionID
}

func contactKey(tenantID, email string) string {
	return tenantID + "|" + reconcile.NormalizeEmail(email)
}

func spendKey(rec *reconcile.SpendRecord) string {
	return rec.TenantID + "|" + rec.Day.Format("2006-01-02") + "|" + rec.Source + "|" + rec.Campaign
}

// Copies prevent callers from mutating stored state through shared slices and maps.

func copyEvent(ev *reconcile.RawEvent) *reconcile.RawEvent {
	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func copyCanonical(c *reconcile.CanonicalTransaction) *reconcile.CanonicalTransaction {
	cp := *c
	if c.Flags != nil {
		cp.Flags = append([]reconcile.QualityFlag(nil), c.Flags...)
	}
	return &cp
}

func copyLedger(e *reconcile.LedgerEntry) *reconcile.LedgerEntry {
	cp := *e
	if e.SettledCents != nil {
		v := *e.SettledCents
		cp.SettledCents = &v
	}
	if e.Flags != nil {
		cp.Flags = append([]reconcile.QualityFlag(nil), e.Flags...)
	}
	return &cp
}

func copyContact(c *reconcile.Contact) *reconcile.Contact {
	cp := *c
	cp.Tags = c.Tags.Clone()
	if c.FirstPurchaseAt != nil {
		v := *c.FirstPurchaseAt
		cp.FirstPurchaseAt = &v
	}
	if c.LastPurchaseAt != nil {
		v := *c.LastPurchaseAt
		cp.LastPurchaseAt = &v
	}
	if c.FirstTouchSetAt != nil {
		v := *c.FirstTouchSetAt
		cp.FirstTouchSetAt = &v
	}
	return &cp
}
