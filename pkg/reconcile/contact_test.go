package reconcile_test

import (
	"testing"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func contactCanonical(txn string, status reconcile.EventType, net int64, occurred time.Time) *reconcile.CanonicalTransaction {
	return &reconcile.CanonicalTransaction{
		TenantID:      "acme",
		TransactionID: txn,
		Type:          status,
		Status:        status,
		OccurredAt:    occurred,
		NetCents:      net,
		Currency:      "USD",
		Email:         "Buyer@Example.com",
	}
}

func TestUpsertContact_New(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := contactCanonical("TXN-1", reconcile.EventApproved, 9100, now)
	winner := &reconcile.RawEvent{Name: "Jamie Buyer", Phone: "+15550100"}

	contact := reconcile.UpsertContact(nil, c, winner,
		[]*reconcile.CanonicalTransaction{c}, ledgerConfig(), time.UTC, now)

	if contact.Email != "buyer@example.com" {
		t.Errorf("Expected normalized email, got %q", contact.Email)
	}
	if contact.Status != reconcile.StatusCustomer {
		t.Errorf("Expected customer status, got %s", contact.Status)
	}
	if contact.Name != "Jamie Buyer" || contact.Phone != "+15550100" {
		t.Errorf("Expected profile fields from winner, got %q/%q", contact.Name, contact.Phone)
	}
	if contact.TotalPurchases != 1 || contact.TotalRevenueCents != 9100 {
		t.Errorf("Expected 1 purchase / 9100 revenue, got %d / %d",
			contact.TotalPurchases, contact.TotalRevenueCents)
	}
}

func TestUpsertContact_FillIfEmpty(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	existing := &reconcile.Contact{
		TenantID: "acme",
		Email:    "buyer@example.com",
		Status:   reconcile.StatusCustomer,
		Name:     "Jamie Buyer",
		Tags:     reconcile.NewTagSet(),
	}
	c := contactCanonical("TXN-2", reconcile.EventApproved, 5000, now)
	winner := &reconcile.RawEvent{Name: "J. B. Other", Phone: "+15550100"}

	contact := reconcile.UpsertContact(existing, c, winner,
		[]*reconcile.CanonicalTransaction{c}, ledgerConfig(), time.UTC, now)

	// Known name holds; empty phone fills.
	if contact.Name != "Jamie Buyer" {
		t.Errorf("Expected existing name to hold, got %q", contact.Name)
	}
	if contact.Phone != "+15550100" {
		t.Errorf("Expected phone to fill, got %q", contact.Phone)
	}
}

func TestUpsertContact_StatusNeverRegresses(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	existing := &reconcile.Contact{
		TenantID: "acme",
		Email:    "buyer@example.com",
		Status:   reconcile.StatusCustomer,
		Tags:     reconcile.NewTagSet(),
	}

	// An abandoned checkout after a purchase leaves the contact a customer.
	c := contactCanonical("TXN-3", reconcile.EventAbandoned, 0, now)
	contact := reconcile.UpsertContact(existing, c, &reconcile.RawEvent{}, nil, ledgerConfig(), time.UTC, now)

	if contact.Status != reconcile.StatusCustomer {
		t.Errorf("Expected status to hold at customer, got %s", contact.Status)
	}
}

func TestUpsertContact_RefundStillCustomer(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := contactCanonical("TXN-1", reconcile.EventRefunded, 9100, now)

	contact := reconcile.UpsertContact(nil, c, &reconcile.RawEvent{},
		[]*reconcile.CanonicalTransaction{c}, ledgerConfig(), time.UTC, now)

	// A refund implies a completed purchase happened.
	if contact.Status != reconcile.StatusCustomer {
		t.Errorf("Expected customer status for refunded, got %s", contact.Status)
	}
	// But the refunded transaction no longer counts as a purchase.
	if contact.TotalPurchases != 0 {
		t.Errorf("Expected 0 purchases, got %d", contact.TotalPurchases)
	}
}

func TestUpsertContact_FirstTouchFrozen(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c1 := contactCanonical("TXN-1", reconcile.EventApproved, 9100, now)
	c1.Attribution = reconcile.Attribution{Source: "facebook", Campaign: "launch"}

	contact := reconcile.UpsertContact(nil, c1, &reconcile.RawEvent{},
		[]*reconcile.CanonicalTransaction{c1}, ledgerConfig(), time.UTC, now)
	if contact.FirstTouch.Source != "facebook" {
		t.Fatalf("Expected first touch set, got %+v", contact.FirstTouch)
	}

	// A later transaction with different attribution never overwrites it.
	c2 := contactCanonical("TXN-2", reconcile.EventApproved, 5000, now.Add(24*time.Hour))
	c2.Attribution = reconcile.Attribution{Source: "instagram"}
	contact = reconcile.UpsertContact(contact, c2, &reconcile.RawEvent{},
		[]*reconcile.CanonicalTransaction{c1, c2}, ledgerConfig(), time.UTC, now.Add(24*time.Hour))

	if contact.FirstTouch.Source != "facebook" {
		t.Errorf("Expected first touch frozen at facebook, got %q", contact.FirstTouch.Source)
	}
}

func TestUpsertContact_AggregatesRecomputed(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c1 := contactCanonical("TXN-1", reconcile.EventApproved, 9100, now)
	c2 := contactCanonical("TXN-2", reconcile.EventComplete, 5000, now.Add(24*time.Hour))

	contact := reconcile.UpsertContact(nil, c2, &reconcile.RawEvent{},
		[]*reconcile.CanonicalTransaction{c1, c2}, ledgerConfig(), time.UTC, now)

	if contact.TotalPurchases != 2 || contact.TotalRevenueCents != 14100 {
		t.Fatalf("Expected 2 purchases / 14100, got %d / %d",
			contact.TotalPurchases, contact.TotalRevenueCents)
	}
	if contact.FirstPurchaseAt == nil || !contact.FirstPurchaseAt.Equal(now) {
		t.Errorf("Expected first purchase at %v, got %v", now, contact.FirstPurchaseAt)
	}

	// TXN-1 reclassified as refunded: the recompute retracts it.
	c1.Status = reconcile.EventRefunded
	contact = reconcile.UpsertContact(contact, c1, &reconcile.RawEvent{},
		[]*reconcile.CanonicalTransaction{c1, c2}, ledgerConfig(), time.UTC, now)

	if contact.TotalPurchases != 1 || contact.TotalRevenueCents != 5000 {
		t.Errorf("Expected retraction to 1 purchase / 5000, got %d / %d",
			contact.TotalPurchases, contact.TotalRevenueCents)
	}
}

func TestUpsertContact_Idempotent(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := contactCanonical("TXN-1", reconcile.EventApproved, 9100, now)
	history := []*reconcile.CanonicalTransaction{c}
	winner := &reconcile.RawEvent{Name: "Jamie Buyer"}

	first := reconcile.UpsertContact(nil, c, winner, history, ledgerConfig(), time.UTC, now)
	second := reconcile.UpsertContact(first, c, winner, history, ledgerConfig(), time.UTC, now)

	if second.TotalPurchases != first.TotalPurchases ||
		second.TotalRevenueCents != first.TotalRevenueCents ||
		second.Status != first.Status {
		t.Errorf("Expected idempotent upsert: %+v vs %+v", first, second)
	}
}
