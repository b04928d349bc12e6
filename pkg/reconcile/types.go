package reconcile

import (
	"strings"
	"time"
)

// EventType identifies the provider lifecycle stage carried by a raw event.
type EventType string

const (
	// EventApproved indicates a sale whose payment was approved.
	EventApproved EventType = "approved"
	// EventComplete indicates a fully settled sale (highest fidelity record).
	EventComplete EventType = "complete"
	// EventBackfill indicates a sale imported via the periodic API backfill path.
	EventBackfill EventType = "backfill"
	// EventAbandoned indicates an abandoned checkout.
	EventAbandoned EventType = "abandoned"
	// EventRefunded indicates a refunded sale.
	EventRefunded EventType = "refunded"
	// EventChargeback indicates a charged-back sale.
	EventChargeback EventType = "chargeback"
	// EventCancelled indicates a cancelled sale or subscription.
	EventCancelled EventType = "cancelled"
	// EventPending indicates a sale awaiting payment.
	EventPending EventType = "pending"
	// EventExpired indicates a payment slip or checkout that expired unpaid.
	EventExpired EventType = "expired"
)

// ApprovedEquivalent reports whether the type represents settled revenue.
// Backfill events describe sales that already settled before import.
func (t EventType) ApprovedEquivalent() bool {
	switch t {
	case EventApproved, EventComplete, EventBackfill:
		return true
	}
	return false
}

// Negative reports whether the type is a negative outcome for recovery purposes.
func (t EventType) Negative() bool {
	switch t {
	case EventAbandoned, EventRefunded, EventChargeback, EventCancelled, EventExpired:
		return true
	}
	return false
}

// terminalNegative reports whether the type can override an already settled
// transaction's effective status (money moved back or the order was voided).
func (t EventType) terminalNegative() bool {
	switch t {
	case EventRefunded, EventChargeback, EventCancelled:
		return true
	}
	return false
}

// Known reports whether the type is part of the recognized lifecycle vocabulary.
// Unrecognized types rank below every known type and never win resolution.
func (t EventType) Known() bool {
	switch t {
	case EventApproved, EventComplete, EventBackfill, EventAbandoned,
		EventRefunded, EventChargeback, EventCancelled, EventPending, EventExpired:
		return true
	}
	return false
}

// Attribution holds campaign tracking metadata resolved for a transaction or
// frozen as first-touch on a contact. Fields resolve independently of each other.
type Attribution struct {
	Source    string
	Campaign  string
	AdSet     string
	Ad        string
	Placement string
	Creative  string
	Medium    string
}

// Empty reports whether no field carries a value.
func (a Attribution) Empty() bool {
	return a.Source == "" && a.Campaign == "" && a.AdSet == "" && a.Ad == "" &&
		a.Placement == "" && a.Creative == "" && a.Medium == ""
}

// RawEvent is one provider delivery as received. Immutable once appended to the
// event log; the same logical sale may arrive several times at different
// lifecycle stages and through different paths.
type RawEvent struct {
	TenantID        string
	Provider        string
	ExternalEventID string
	TransactionID   string
	Type            EventType
	OccurredAt      time.Time

	// Amounts are in minor units (cents) of Currency. A literal zero on a
	// non-final status means "not yet known", which the ledger normalizer
	// distinguishes from a known zero.
	GrossCents int64
	NetCents   int64
	Currency   string

	Email    string
	Name     string
	Phone    string
	Document string

	ProductCode string
	ProductName string
	OfferCode   string
	OfferName   string

	// Attribution carries the provider's pre-parsed tracking fields.
	// AttributionRaw carries the unparsed composite tracking string, used as a
	// lower-precedence fallback source.
	Attribution    Attribution
	AttributionRaw string

	// Metadata passes open-ended provider payload fields through unmodified.
	Metadata map[string]string

	ReceivedAt time.Time
}

// Processable reports whether the event carries the correlation keys required
// by downstream processing. Unprocessable events are still accepted into the
// event log but produce no canonical or contact side effects.
func (e *RawEvent) Processable() bool {
	return e.TenantID != "" && e.Email != "" && e.TransactionID != "" &&
		e.Type != "" && !e.OccurredAt.IsZero()
}

// Key returns the event's identity in the append-only log.
func (e *RawEvent) Key() EventKey {
	return EventKey{TenantID: e.TenantID, Provider: e.Provider, ExternalEventID: e.ExternalEventID}
}

// TrackingRecord is a secondary attribution-bearing record for a transaction,
// recorded by a different ingestion path than the event itself.
type TrackingRecord struct {
	TenantID      string
	TransactionID string
	Attribution   Attribution
	Raw           string
	RecordedAt    time.Time
}

// FlagKind classifies a data-quality anomaly.
type FlagKind string

const (
	FlagMissingTenant      FlagKind = "missing_tenant"
	FlagMissingEmail       FlagKind = "missing_email"
	FlagMissingTransaction FlagKind = "missing_transaction"
	FlagUnknownEventType   FlagKind = "unknown_event_type"
	FlagUnknownCurrency    FlagKind = "unknown_currency"
	FlagZeroAmountPending  FlagKind = "zero_amount_pending"
	FlagNetFromGross       FlagKind = "net_from_gross"
	FlagLedgerDivergence   FlagKind = "ledger_divergence"
	FlagAmbiguousProduct   FlagKind = "ambiguous_product_match"
)

// QualityFlag records a data-quality anomaly observed during reconciliation.
// Flags are audit material for operator review, never processing errors.
type QualityFlag struct {
	Kind          FlagKind
	TransactionID string
	Detail        string
}

// CanonicalTransaction is the single authoritative record for one logical sale,
// derived from the full set of raw events sharing its transaction id.
type CanonicalTransaction struct {
	TenantID      string
	TransactionID string

	// Type is the lifecycle stage of the winning raw event under the priority
	// ranking. Status is the effective lifecycle status: a terminal negative
	// event occurring at or after the winning event overrides Type without
	// changing which event sources the remaining fields.
	Type   EventType
	Status EventType

	OccurredAt     time.Time
	WinningEventID string
	Email          string

	ProductCode string
	ProductName string
	OfferCode   string
	OfferName   string

	GrossCents int64
	NetCents   int64
	Currency   string

	Attribution Attribution
	Flags       []QualityFlag
	UpdatedAt   time.Time
}

// ProductKey returns the product identity used for lifecycle matching:
// the offer code when present, the product code otherwise.
func (c *CanonicalTransaction) ProductKey() string {
	if c.OfferCode != "" {
		return c.OfferCode
	}
	return c.ProductCode
}

// LedgerEntry is the settled monetary record for one canonical transaction in
// the tenant's settlement currency.
type LedgerEntry struct {
	TenantID      string
	TransactionID string
	Status        EventType

	// SettledCents is the normalized net amount. nil means the amount is not
	// yet known, which is distinct from a known zero.
	SettledCents       *int64
	SettlementCurrency string
	SourceCurrency     string
	Rate               float64

	// EconomicDay is the calendar day the entry is attributed to for
	// reporting, at midnight in the tenant's reporting timezone.
	EconomicDay time.Time
	OccurredAt  time.Time

	Flags []QualityFlag
}

// ContactStatus is the commercial standing of a contact.
type ContactStatus string

const (
	StatusLead     ContactStatus = "lead"
	StatusProspect ContactStatus = "prospect"
	StatusCustomer ContactStatus = "customer"
)

// rank orders statuses for promotion. A contact's status never moves to a
// lower rank.
func (s ContactStatus) rank() int {
	switch s {
	case StatusCustomer:
		return 3
	case StatusProspect:
		return 2
	case StatusLead:
		return 1
	}
	return 0
}

// Contact is the per-email aggregate profile for a tenant.
type Contact struct {
	TenantID string
	// Email is normalized (lowercased, trimmed) and is the storage key.
	Email string

	Status   ContactStatus
	Name     string
	Phone    string
	Document string

	Tags TagSet

	// Aggregates are recomputed from the contact's full approved-equivalent
	// canonical transaction set on every reconciliation, never incremented.
	TotalPurchases    int
	TotalRevenueCents int64
	FirstPurchaseAt   *time.Time
	LastPurchaseAt    *time.Time

	// FirstTouch freezes the first non-empty resolved attribution seen for
	// this contact and is never overwritten afterwards.
	FirstTouch      Attribution
	FirstTouchSetAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecoveryRecord links a positive transaction to an earlier negative-status
// transaction for the same product identity and contact. Created once, immutable.
type RecoveryRecord struct {
	ID                 string
	TenantID           string
	Email              string
	ProductKey         string
	PriorTransactionID string
	PriorStatus        EventType
	TransactionID      string
	RecoveredAt        time.Time
}

// DedupeKey identifies a recovery uniquely per contact, product identity, and
// recovering transaction, so repeat reconciliation emits it at most once.
func (r *RecoveryRecord) DedupeKey() string {
	return r.TenantID + "|" + r.Email + "|" + r.ProductKey + "|" + r.TransactionID
}

// SpendRecord is one day of advertising spend for a tenant, fed into rollups.
type SpendRecord struct {
	TenantID    string
	Day         time.Time
	AmountCents int64
	Currency    string
	Source      string
	Campaign    string
}

// Result reports the outcome of ingesting one raw event.
type Result struct {
	// Duplicate is set when the event was already in the log (no-op redelivery).
	Duplicate bool
	// Skipped is set when the event was logged but carries too few correlation
	// keys for downstream processing.
	Skipped bool

	Canonical  *CanonicalTransaction
	Contact    *Contact
	Recoveries []*RecoveryRecord
	Flags      []QualityFlag
}

// NormalizeEmail lowercases and trims a contact email for use as a storage key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
