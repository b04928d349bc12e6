// Package provider defines the provider-facing ingestion surface: the JSON
// delivery envelope posted by commerce platforms and its normalization into
// reconcile.RawEvent.
package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// MaxDeliverySize caps the accepted webhook payload size.
const MaxDeliverySize = 256 * 1024

// Delivery is the wire envelope for one provider event. Providers differ in
// vocabulary; the envelope keeps their fields and the status string verbatim,
// normalization happens in RawEvent.
type Delivery struct {
	TenantID      string `json:"tenant_id"`
	Provider      string `json:"provider"`
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status"`

	OccurredAt time.Time `json:"occurred_at"`

	GrossCents int64  `json:"gross_cents,omitempty"`
	NetCents   int64  `json:"net_cents,omitempty"`
	Currency   string `json:"currency,omitempty"`

	Customer Customer `json:"customer"`
	Product  Product  `json:"product"`
	Tracking Tracking `json:"tracking,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Customer is the buyer section of a delivery.
type Customer struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
}

// Product is the product/offer section of a delivery.
type Product struct {
	Code      string `json:"code,omitempty"`
	Name      string `json:"name,omitempty"`
	OfferCode string `json:"offer_code,omitempty"`
	OfferName string `json:"offer_name,omitempty"`
}

// Tracking carries the delivery's attribution fields plus the raw composite
// string some providers send instead.
type Tracking struct {
	Source    string `json:"source,omitempty"`
	Campaign  string `json:"campaign,omitempty"`
	AdSet     string `json:"ad_set,omitempty"`
	Ad        string `json:"ad,omitempty"`
	Placement string `json:"placement,omitempty"`
	Creative  string `json:"creative,omitempty"`
	Medium    string `json:"medium,omitempty"`
	Raw       string `json:"raw,omitempty"`
}

// statusAliases maps provider status vocabulary onto the canonical lifecycle
// types. Statuses not listed here pass through lowercased; unknown ones are
// flagged downstream, never rejected.
var statusAliases = map[string]reconcile.EventType{
	"approved":            reconcile.EventApproved,
	"paid":                reconcile.EventApproved,
	"sale":                reconcile.EventApproved,
	"purchase_approved":   reconcile.EventApproved,
	"complete":            reconcile.EventComplete,
	"completed":           reconcile.EventComplete,
	"purchase_complete":   reconcile.EventComplete,
	"backfill":            reconcile.EventBackfill,
	"imported":            reconcile.EventBackfill,
	"abandoned":           reconcile.EventAbandoned,
	"cart_abandoned":      reconcile.EventAbandoned,
	"refunded":            reconcile.EventRefunded,
	"refund":              reconcile.EventRefunded,
	"chargeback":          reconcile.EventChargeback,
	"chargedback":         reconcile.EventChargeback,
	"dispute":             reconcile.EventChargeback,
	"cancelled":           reconcile.EventCancelled,
	"canceled":            reconcile.EventCancelled,
	"subscription_cancel": reconcile.EventCancelled,
	"pending":             reconcile.EventPending,
	"waiting_payment":     reconcile.EventPending,
	"billet_printed":      reconcile.EventPending,
	"expired":             reconcile.EventExpired,
	"billet_expired":      reconcile.EventExpired,
}

// MapStatus normalizes a provider status string to a lifecycle event type.
// Unrecognized statuses come back as-is (lowercased) so the resolver can rank
// them below known types and the audit surface can count them.
func MapStatus(status string) reconcile.EventType {
	s := strings.ToLower(strings.TrimSpace(status))
	if t, ok := statusAliases[s]; ok {
		return t
	}
	return reconcile.EventType(s)
}

// ParseDelivery decodes a delivery envelope from a request body.
func ParseDelivery(r io.Reader) (*Delivery, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxDeliverySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery: %w", err)
	}
	if len(body) > MaxDeliverySize {
		return nil, fmt.Errorf("%w: payload too large", reconcile.ErrInvalidEvent)
	}

	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", reconcile.ErrInvalidEvent, err)
	}
	if d.Provider == "" || d.EventID == "" {
		return nil, fmt.Errorf("%w: provider and event_id are required", reconcile.ErrInvalidEvent)
	}
	return &d, nil
}

// RawEvent converts the delivery into the engine's raw event form. The
// transaction id falls back to extraction from the delivery's event id when
// the provider embeds it there ("<txn>-<stage>" keys).
func (d *Delivery) RawEvent() *reconcile.RawEvent {
	txn := d.TransactionID
	if txn == "" {
		txn = extractTransactionID(d.EventID)
	}
	return &reconcile.RawEvent{
		TenantID:        d.TenantID,
		Provider:        d.Provider,
		ExternalEventID: d.EventID,
		TransactionID:   txn,
		Type:            MapStatus(d.Status),
		OccurredAt:      d.OccurredAt,
		GrossCents:      d.GrossCents,
		NetCents:        d.NetCents,
		Currency:        strings.ToUpper(d.Currency),
		Email:           d.Customer.Email,
		Name:            d.Customer.Name,
		Phone:           d.Customer.Phone,
		Document:        d.Customer.Document,
		ProductCode:     d.Product.Code,
		ProductName:     d.Product.Name,
		OfferCode:       d.Product.OfferCode,
		OfferName:       d.Product.OfferName,
		Attribution: reconcile.Attribution{
			Source:    d.Tracking.Source,
			Campaign:  d.Tracking.Campaign,
			AdSet:     d.Tracking.AdSet,
			Ad:        d.Tracking.Ad,
			Placement: d.Tracking.Placement,
			Creative:  d.Tracking.Creative,
			Medium:    d.Tracking.Medium,
		},
		AttributionRaw: d.Tracking.Raw,
		Metadata:       d.Metadata,
	}
}

// extractTransactionID strips a lifecycle-stage suffix from a composite
// delivery key. On top of the canonical stage names it also recognizes the
// provider alias vocabulary ("TXN-991-completed" -> "TXN-991").
func extractTransactionID(key string) string {
	if t := reconcile.ExtractTransactionID(key); t != key {
		return t
	}
	idx := strings.LastIndex(key, "-")
	if idx > 0 {
		if _, ok := statusAliases[strings.ToLower(key[idx+1:])]; ok {
			return key[:idx]
		}
	}
	return key
}

// BackfillItem is one sale row from a provider's historical export or
// periodic API sync. Backfill rows describe already-settled sales.
type BackfillItem struct {
	TenantID      string    `json:"tenant_id"`
	Provider      string    `json:"provider"`
	TransactionID string    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`

	GrossCents int64  `json:"gross_cents,omitempty"`
	NetCents   int64  `json:"net_cents,omitempty"`
	Currency   string `json:"currency,omitempty"`

	Customer Customer `json:"customer"`
	Product  Product  `json:"product"`
	Tracking Tracking `json:"tracking,omitempty"`
}

// RawEvent converts the backfill item into a raw event with a deterministic
// event id, so re-running the same import deduplicates at the log boundary.
func (b *BackfillItem) RawEvent() *reconcile.RawEvent {
	d := Delivery{
		TenantID:      b.TenantID,
		Provider:      b.Provider,
		EventID:       "backfill-" + b.TransactionID,
		TransactionID: b.TransactionID,
		Status:        string(reconcile.EventBackfill),
		OccurredAt:    b.OccurredAt,
		GrossCents:    b.GrossCents,
		NetCents:      b.NetCents,
		Currency:      b.Currency,
		Customer:      b.Customer,
		Product:       b.Product,
		Tracking:      b.Tracking,
	}
	return d.RawEvent()
}
