package api

import (
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// IngestResponse reports the outcome of one delivery.
type IngestResponse struct {
	Duplicate bool   `json:"duplicate,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Flags     []Flag `json:"flags,omitempty"`

	Transaction *TransactionResponse `json:"transaction,omitempty"`
}

// Flag is a data-quality anomaly surfaced on a response.
type Flag struct {
	Kind          string `json:"kind"`
	TransactionID string `json:"transaction_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// TransactionResponse is the canonical transaction projection.
type TransactionResponse struct {
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
	Email         string    `json:"email,omitempty"`

	ProductCode string `json:"product_code,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	OfferCode   string `json:"offer_code,omitempty"`
	OfferName   string `json:"offer_name,omitempty"`

	GrossCents int64  `json:"gross_cents"`
	NetCents   int64  `json:"net_cents"`
	Currency   string `json:"currency,omitempty"`

	Attribution reconcile.Attribution `json:"attribution,omitempty"`
	Flags       []Flag                `json:"flags,omitempty"`
}

// ContactResponse is the contact projection, including recovery history.
type ContactResponse struct {
	Email    string   `json:"email"`
	Status   string   `json:"status"`
	Name     string   `json:"name,omitempty"`
	Phone    string   `json:"phone,omitempty"`
	Document string   `json:"document,omitempty"`
	Tags     []string `json:"tags"`

	TotalPurchases    int        `json:"total_purchases"`
	TotalRevenueCents int64      `json:"total_revenue_cents"`
	FirstPurchaseAt   *time.Time `json:"first_purchase_at,omitempty"`
	LastPurchaseAt    *time.Time `json:"last_purchase_at,omitempty"`

	FirstTouch reconcile.Attribution `json:"first_touch,omitempty"`

	Recoveries []RecoveryResponse `json:"recoveries,omitempty"`
}

// RecoveryResponse is one recovery record.
type RecoveryResponse struct {
	ProductKey         string    `json:"product_key"`
	PriorTransactionID string    `json:"prior_transaction_id"`
	PriorStatus        string    `json:"prior_status"`
	TransactionID      string    `json:"transaction_id"`
	RecoveredAt        time.Time `json:"recovered_at"`
}

// BatchResponse reports one batch reconciliation pass.
type BatchResponse struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// SpendRequest records one day of advertising spend.
type SpendRequest struct {
	Day         string `json:"day"` // "2006-01-02"
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency,omitempty"`
	Source      string `json:"source,omitempty"`
	Campaign    string `json:"campaign,omitempty"`
}

// TrackingRequest attaches attribution data to a transaction, before or after
// its events arrive.
type TrackingRequest struct {
	TransactionID string `json:"transaction_id"`
	Source        string `json:"source,omitempty"`
	Campaign      string `json:"campaign,omitempty"`
	AdSet         string `json:"ad_set,omitempty"`
	Ad            string `json:"ad,omitempty"`
	Placement     string `json:"placement,omitempty"`
	Creative      string `json:"creative,omitempty"`
	Medium        string `json:"medium,omitempty"`
	Raw           string `json:"raw,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

func toFlags(flags []reconcile.QualityFlag) []Flag {
	if len(flags) == 0 {
		return nil
	}
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		out = append(out, Flag{Kind: string(f.Kind), TransactionID: f.TransactionID, Detail: f.Detail})
	}
	return out
}

func toTransaction(c *reconcile.CanonicalTransaction) *TransactionResponse {
	if c == nil {
		return nil
	}
	return &TransactionResponse{
		TransactionID: c.TransactionID,
		Type:          string(c.Type),
		Status:        string(c.Status),
		OccurredAt:    c.OccurredAt,
		Email:         c.Email,
		ProductCode:   c.ProductCode,
		ProductName:   c.ProductName,
		OfferCode:     c.OfferCode,
		OfferName:     c.OfferName,
		GrossCents:    c.GrossCents,
		NetCents:      c.NetCents,
		Currency:      c.Currency,
		Attribution:   c.Attribution,
		Flags:         toFlags(c.Flags),
	}
}

func toContact(contact *reconcile.Contact, recoveries []*reconcile.RecoveryRecord) *ContactResponse {
	resp := &ContactResponse{
		Email:             contact.Email,
		Status:            string(contact.Status),
		Name:              contact.Name,
		Phone:             contact.Phone,
		Document:          contact.Document,
		Tags:              contact.Tags.Values(),
		TotalPurchases:    contact.TotalPurchases,
		TotalRevenueCents: contact.TotalRevenueCents,
		FirstPurchaseAt:   contact.FirstPurchaseAt,
		LastPurchaseAt:    contact.LastPurchaseAt,
		FirstTouch:        contact.FirstTouch,
	}
	for _, r := range recoveries {
		resp.Recoveries = append(resp.Recoveries, RecoveryResponse{
			ProductKey:         r.ProductKey,
			PriorTransactionID: r.PriorTransactionID,
			PriorStatus:        string(r.PriorStatus),
			TransactionID:      r.TransactionID,
			RecoveredAt:        r.RecoveredAt,
		})
	}
	return resp
}
