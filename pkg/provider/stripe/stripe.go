// Package stripe maps Stripe webhook events into reconcile.RawEvents, with
// signature verification on the raw payload.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goreconcile/pkg/provider"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const providerName = "stripe"

// Processor ingests one raw event. *reconcile.Engine satisfies it.
type Processor interface {
	Process(ctx context.Context, ev *reconcile.RawEvent) (*reconcile.Result, error)
}

// Config holds Stripe adapter configuration.
type Config struct {
	// TenantID is the tenant Stripe events are ingested under when the
	// event's metadata carries no tenant_id of its own.
	TenantID string

	// WebhookSecret is the endpoint signing secret used to verify payloads.
	WebhookSecret string
}

// Adapter converts Stripe webhook events into raw events.
type Adapter struct {
	config Config
}

// New creates a Stripe adapter.
func New(config Config) (*Adapter, error) {
	if config.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Adapter{config: config}, nil
}

// VerifyAndMap verifies the payload signature and maps the event. A nil event
// with nil error means the event type is not tracked.
func (a *Adapter) VerifyAndMap(payload []byte, signature string) (*reconcile.RawEvent, error) {
	event, err := stripe.ConstructEvent(payload, signature, a.config.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return a.MapEvent(&event)
}

// MapEvent maps one verified Stripe event onto the lifecycle vocabulary:
//
//	checkout.session.completed -> approved
//	checkout.session.expired   -> abandoned
//	charge.refunded            -> refunded
//	charge.dispute.created     -> chargeback
//	payment_intent.canceled    -> cancelled
//
// Untracked event types return nil, nil.
func (a *Adapter) MapEvent(event *stripe.Event) (*reconcile.RawEvent, error) {
	occurred := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		typ := reconcile.EventApproved
		if event.Type == "checkout.session.expired" {
			typ = reconcile.EventAbandoned
		}
		ev := a.baseEvent(event, typ, occurred, session.Metadata)
		ev.TransactionID = session.ID
		ev.GrossCents = session.AmountTotal
		ev.Currency = strings.ToUpper(string(session.Currency))
		if session.CustomerDetails != nil {
			ev.Email = session.CustomerDetails.Email
			ev.Name = session.CustomerDetails.Name
			ev.Phone = session.CustomerDetails.Phone
		}
		return ev, nil

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
		}
		ev := a.baseEvent(event, reconcile.EventRefunded, occurred, charge.Metadata)
		ev.TransactionID = chargeTransactionID(&charge)
		ev.GrossCents = charge.Amount
		ev.NetCents = charge.AmountRefunded
		ev.Currency = strings.ToUpper(string(charge.Currency))
		if charge.BillingDetails != nil {
			ev.Email = charge.BillingDetails.Email
			ev.Name = charge.BillingDetails.Name
			ev.Phone = charge.BillingDetails.Phone
		}
		return ev, nil

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dispute: %w", err)
		}
		ev := a.baseEvent(event, reconcile.EventChargeback, occurred, dispute.Metadata)
		if dispute.PaymentIntent != nil {
			ev.TransactionID = dispute.PaymentIntent.ID
		} else if dispute.Charge != nil {
			ev.TransactionID = chargeTransactionID(dispute.Charge)
		}
		ev.GrossCents = dispute.Amount
		ev.NetCents = dispute.Amount
		ev.Currency = strings.ToUpper(string(dispute.Currency))
		if dispute.Charge != nil && dispute.Charge.BillingDetails != nil {
			ev.Email = dispute.Charge.BillingDetails.Email
		}
		return ev, nil

	case "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		ev := a.baseEvent(event, reconcile.EventCancelled, occurred, intent.Metadata)
		ev.TransactionID = intent.ID
		ev.GrossCents = intent.Amount
		ev.Currency = strings.ToUpper(string(intent.Currency))
		return ev, nil

	default:
		// Untracked event type - ignore silently
		return nil, nil
	}
}

// baseEvent fills the fields every mapping shares: identity, tenant, product
// and attribution passed through Stripe metadata.
func (a *Adapter) baseEvent(event *stripe.Event, typ reconcile.EventType, occurred time.Time, metadata map[string]string) *reconcile.RawEvent {
	tenantID := metadata["tenant_id"]
	if tenantID == "" {
		tenantID = a.config.TenantID
	}
	ev := &reconcile.RawEvent{
		TenantID:        tenantID,
		Provider:        providerName,
		ExternalEventID: event.ID,
		Type:            typ,
		OccurredAt:      occurred,
		ProductCode:     metadata["product_code"],
		ProductName:     metadata["product_name"],
		OfferCode:       metadata["offer_code"],
		OfferName:       metadata["offer_name"],
		AttributionRaw:  metadata["tracking"],
	}
	if len(metadata) > 0 {
		ev.Metadata = metadata
	}
	return ev
}

func chargeTransactionID(charge *stripe.Charge) string {
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		return charge.PaymentIntent.ID
	}
	return charge.ID
}

// Handler returns an HTTP handler that verifies, maps, and ingests Stripe
// webhook deliveries.
func (a *Adapter) Handler(processor Processor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, provider.MaxDeliverySize+1))
		if err != nil || int64(len(body)) > provider.MaxDeliverySize {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			sig = r.Header.Get("stripe-signature")
		}

		ev, err := a.VerifyAndMap(body, sig)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if ev == nil {
			// Untracked event type - acknowledge so Stripe stops retrying
			w.WriteHeader(http.StatusOK)
			return
		}

		if _, err := processor.Process(r.Context(), ev); err != nil {
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}
