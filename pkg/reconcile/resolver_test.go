package reconcile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func rawEvent(id string, typ reconcile.EventType, occurred time.Time) *reconcile.RawEvent {
	return &reconcile.RawEvent{
		TenantID:        "acme",
		Provider:        "checkout",
		ExternalEventID: id,
		TransactionID:   "TXN-1",
		Type:            typ,
		OccurredAt:      occurred,
		Email:           "buyer@example.com",
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// complete beats approved beats backfill beats other known types,
	// regardless of event times favoring the losers.
	events := []*reconcile.RawEvent{
		rawEvent("evt-pending", reconcile.EventPending, base.Add(3*time.Hour)),
		rawEvent("evt-backfill", reconcile.EventBackfill, base.Add(2*time.Hour)),
		rawEvent("evt-approved", reconcile.EventApproved, base.Add(time.Hour)),
		rawEvent("evt-complete", reconcile.EventComplete, base),
	}

	c, winner, err := reconcile.Resolve(events)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.ExternalEventID != "evt-complete" {
		t.Errorf("Expected evt-complete to win, got %s", winner.ExternalEventID)
	}
	if c.Type != reconcile.EventComplete || c.Status != reconcile.EventComplete {
		t.Errorf("Expected complete/complete, got %s/%s", c.Type, c.Status)
	}
}

func TestResolve_OrderIndependence(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	forward := []*reconcile.RawEvent{
		rawEvent("evt-1", reconcile.EventPending, base),
		rawEvent("evt-2", reconcile.EventApproved, base.Add(time.Hour)),
		rawEvent("evt-3", reconcile.EventComplete, base.Add(2*time.Hour)),
	}
	backward := []*reconcile.RawEvent{forward[2], forward[1], forward[0]}

	a, _, err := reconcile.Resolve(forward)
	if err != nil {
		t.Fatalf("Resolve forward failed: %v", err)
	}
	b, _, err := reconcile.Resolve(backward)
	if err != nil {
		t.Fatalf("Resolve backward failed: %v", err)
	}

	if a.WinningEventID != b.WinningEventID || a.Status != b.Status {
		t.Errorf("Resolution depends on arrival order: %s/%s vs %s/%s",
			a.WinningEventID, a.Status, b.WinningEventID, b.Status)
	}
}

func TestResolve_TieBreaks(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// Same priority: the later occurrence wins.
	_, winner, err := reconcile.Resolve([]*reconcile.RawEvent{
		rawEvent("evt-early", reconcile.EventApproved, base),
		rawEvent("evt-late", reconcile.EventApproved, base.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.ExternalEventID != "evt-late" {
		t.Errorf("Expected later event to win, got %s", winner.ExternalEventID)
	}

	// Same priority and time: lexically greater external id wins.
	_, winner, err = reconcile.Resolve([]*reconcile.RawEvent{
		rawEvent("evt-a", reconcile.EventApproved, base),
		rawEvent("evt-b", reconcile.EventApproved, base),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.ExternalEventID != "evt-b" {
		t.Errorf("Expected evt-b to win the lexical tiebreak, got %s", winner.ExternalEventID)
	}
}

func TestResolve_TerminalNegativeOverridesStatus(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	approval := rawEvent("evt-1", reconcile.EventApproved, base)
	approval.GrossCents = 10000
	approval.NetCents = 9100
	refund := rawEvent("evt-2", reconcile.EventRefunded, base.Add(48*time.Hour))

	c, winner, err := reconcile.Resolve([]*reconcile.RawEvent{refund, approval})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// The approval still sources every field; only the status flips.
	if winner.ExternalEventID != "evt-1" {
		t.Errorf("Expected approval to win, got %s", winner.ExternalEventID)
	}
	if c.Type != reconcile.EventApproved {
		t.Errorf("Expected type approved, got %s", c.Type)
	}
	if c.Status != reconcile.EventRefunded {
		t.Errorf("Expected status refunded, got %s", c.Status)
	}
	if c.NetCents != 9100 {
		t.Errorf("Expected payload from the approval, got net %d", c.NetCents)
	}
}

func TestResolve_NegativeBeforeWinnerDoesNotOverride(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// A cancellation that predates the winning approval is history, not fate.
	cancel := rawEvent("evt-1", reconcile.EventCancelled, base.Add(-time.Hour))
	approval := rawEvent("evt-2", reconcile.EventApproved, base)

	c, _, err := reconcile.Resolve([]*reconcile.RawEvent{cancel, approval})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.Status != reconcile.EventApproved {
		t.Errorf("Expected status approved, got %s", c.Status)
	}
}

func TestResolve_UnknownTypeFlagged(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	c, winner, err := reconcile.Resolve([]*reconcile.RawEvent{
		rawEvent("evt-1", "mystery_status", base),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.ExternalEventID != "evt-1" {
		t.Errorf("Expected sole event to win, got %s", winner.ExternalEventID)
	}
	if len(c.Flags) != 1 || c.Flags[0].Kind != reconcile.FlagUnknownEventType {
		t.Errorf("Expected unknown_event_type flag, got %v", c.Flags)
	}

	// A known type always beats an unknown one.
	_, winner, err = reconcile.Resolve([]*reconcile.RawEvent{
		rawEvent("evt-1", "mystery_status", base.Add(time.Hour)),
		rawEvent("evt-2", reconcile.EventPending, base),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if winner.Type != reconcile.EventPending {
		t.Errorf("Expected pending to beat the unknown type, got %s", winner.Type)
	}
}

func TestResolve_LedgerDivergenceFlagged(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	webhook := rawEvent("evt-1", reconcile.EventApproved, base)
	webhook.NetCents = 9100
	backfill := rawEvent("evt-2", reconcile.EventBackfill, base)
	backfill.NetCents = 8700

	c, _, err := reconcile.Resolve([]*reconcile.RawEvent{webhook, backfill})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	found := false
	for _, f := range c.Flags {
		if f.Kind == reconcile.FlagLedgerDivergence {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected ledger_divergence flag, got %v", c.Flags)
	}
}

func TestResolve_Empty(t *testing.T) {
	_, _, err := reconcile.Resolve(nil)
	if !errors.Is(err, reconcile.ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestExtractTransactionID(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"TXN-991-approved", "TXN-991"},
		{"TXN-991-refunded", "TXN-991"},
		{"TXN-991", "TXN-991"},
		// Dashes inside the id survive: "991" is not a lifecycle stage.
		{"TXN-2024-991", "TXN-2024-991"},
		{"approved", "approved"},
		{"-approved", "-approved"},
	}

	for _, tt := range tests {
		if got := reconcile.ExtractTransactionID(tt.key); got != tt.want {
			t.Errorf("ExtractTransactionID(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
