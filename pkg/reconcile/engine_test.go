package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	"github.com/mihaimyh/goreconcile/storage/memory"
)

// Helper function to create a test engine with in-memory storage
func newTestEngine(t *testing.T) *reconcile.Engine {
	t.Helper()

	engine, err := reconcile.NewEngine(memory.New(), &reconcile.Config{
		SettlementCurrency: "USD",
		Rates: map[string]float64{
			"EUR": 1.08,
			"BRL": 0.19,
		},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func saleEvent(id, txn string, typ reconcile.EventType, occurred time.Time) *reconcile.RawEvent {
	return &reconcile.RawEvent{
		TenantID:        "acme",
		Provider:        "checkout",
		ExternalEventID: id,
		TransactionID:   txn,
		Type:            typ,
		OccurredAt:      occurred,
		GrossCents:      10000,
		NetCents:        9100,
		Currency:        "USD",
		Email:           "buyer@example.com",
		ProductCode:     "PROD-1",
	}
}

func TestNewEngine(t *testing.T) {
	engine, err := reconcile.NewEngine(memory.New(), &reconcile.Config{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if engine == nil {
		t.Fatal("Expected non-nil engine")
	}

	// Test with nil storage
	_, err = reconcile.NewEngine(nil, &reconcile.Config{})
	if !errors.Is(err, reconcile.ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}

	// Invalid config is rejected
	_, err = reconcile.NewEngine(memory.New(), &reconcile.Config{
		Rates: map[string]float64{"EUR": -1},
	})
	if err == nil {
		t.Error("Expected config validation error")
	}
}

func TestEngine_OutOfOrderDelivery(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// The same three events in both delivery orders converge on the same
	// canonical state.
	orders := [][]*reconcile.RawEvent{
		{
			saleEvent("evt-1", "TXN-1", reconcile.EventPending, base),
			saleEvent("evt-2", "TXN-1", reconcile.EventApproved, base.Add(time.Hour)),
			saleEvent("evt-3", "TXN-1", reconcile.EventRefunded, base.Add(48*time.Hour)),
		},
		{
			saleEvent("evt-3", "TXN-1", reconcile.EventRefunded, base.Add(48*time.Hour)),
			saleEvent("evt-1", "TXN-1", reconcile.EventPending, base),
			saleEvent("evt-2", "TXN-1", reconcile.EventApproved, base.Add(time.Hour)),
		},
	}

	for i, order := range orders {
		engine := newTestEngine(t)
		ctx := context.Background()
		for _, ev := range order {
			cp := *ev
			if _, err := engine.Process(ctx, &cp); err != nil {
				t.Fatalf("Order %d: Process(%s) failed: %v", i, ev.ExternalEventID, err)
			}
		}

		txn, err := engine.GetTransaction(ctx, "acme", "TXN-1")
		if err != nil {
			t.Fatalf("Order %d: GetTransaction failed: %v", i, err)
		}
		if txn.Type != reconcile.EventApproved {
			t.Errorf("Order %d: expected type approved, got %s", i, txn.Type)
		}
		if txn.Status != reconcile.EventRefunded {
			t.Errorf("Order %d: expected status refunded, got %s", i, txn.Status)
		}
		if txn.WinningEventID != "evt-2" {
			t.Errorf("Order %d: expected evt-2 to win, got %s", i, txn.WinningEventID)
		}
	}
}

func TestEngine_DuplicateDelivery(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	res, err := engine.Process(ctx, saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Duplicate {
		t.Fatal("First delivery flagged duplicate")
	}

	res, err = engine.Process(ctx, saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base))
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if !res.Duplicate {
		t.Error("Expected duplicate result")
	}

	// No double counting on the contact.
	contact, err := engine.GetContact(ctx, "acme", "buyer@example.com")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if contact.TotalPurchases != 1 || contact.TotalRevenueCents != 9100 {
		t.Errorf("Expected 1 purchase / 9100, got %d / %d",
			contact.TotalPurchases, contact.TotalRevenueCents)
	}
}

func TestEngine_InvalidEvent(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Process(ctx, nil)
	if !errors.Is(err, reconcile.ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent for nil, got %v", err)
	}

	_, err = engine.Process(ctx, &reconcile.RawEvent{Provider: "checkout"})
	if !errors.Is(err, reconcile.ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent without event id, got %v", err)
	}
}

func TestEngine_SkipsEventMissingEmail(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	ev := saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base)
	ev.Email = ""

	res, err := engine.Process(ctx, ev)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Skipped {
		t.Fatal("Expected skipped result")
	}
	found := false
	for _, f := range res.Flags {
		if f.Kind == reconcile.FlagMissingEmail {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected missing_email flag, got %v", res.Flags)
	}

	// The event is logged but no canonical transaction exists.
	_, err = engine.GetTransaction(ctx, "acme", "TXN-1")
	if !errors.Is(err, reconcile.ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestEngine_TransactionIDFromDeliveryKey(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	ev := saleEvent("TXN-77-approved", "", reconcile.EventApproved, base)

	res, err := engine.Process(ctx, ev)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Canonical == nil || res.Canonical.TransactionID != "TXN-77" {
		t.Errorf("Expected transaction id TXN-77 from delivery key, got %+v", res.Canonical)
	}
}

func TestEngine_RecoveryEndToEnd(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// Abandoned checkout, then a later purchase of the same product.
	abandoned := saleEvent("evt-1", "TXN-OLD", reconcile.EventAbandoned, base)
	abandoned.GrossCents, abandoned.NetCents = 0, 0
	if _, err := engine.Process(ctx, abandoned); err != nil {
		t.Fatalf("Process abandoned failed: %v", err)
	}

	res, err := engine.Process(ctx, saleEvent("evt-2", "TXN-NEW", reconcile.EventApproved, base.Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("Process purchase failed: %v", err)
	}
	if len(res.Recoveries) != 1 {
		t.Fatalf("Expected 1 recovery, got %d", len(res.Recoveries))
	}
	rec := res.Recoveries[0]
	if rec.PriorTransactionID != "TXN-OLD" || rec.PriorStatus != reconcile.EventAbandoned {
		t.Errorf("Expected recovery from TXN-OLD/abandoned, got %s/%s",
			rec.PriorTransactionID, rec.PriorStatus)
	}

	contact := res.Contact
	if !contact.Tags.Contains("purchased:PROD-1") || !contact.Tags.Contains("recovered:PROD-1") {
		t.Errorf("Expected purchased and recovered tags, got %v", contact.Tags.Values())
	}
	if contact.Tags.Contains("abandoned:PROD-1") {
		t.Errorf("Expected abandoned tag cleared, got %v", contact.Tags.Values())
	}

	// Stored recoveries are queryable and stable across replay.
	recoveries, err := engine.ListRecoveries(ctx, "acme", "buyer@example.com")
	if err != nil {
		t.Fatalf("ListRecoveries failed: %v", err)
	}
	if len(recoveries) != 1 {
		t.Fatalf("Expected 1 stored recovery, got %d", len(recoveries))
	}

	if _, err := engine.Reconcile(ctx, "acme", "TXN-NEW"); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	recoveries, _ = engine.ListRecoveries(ctx, "acme", "buyer@example.com")
	if len(recoveries) != 1 {
		t.Errorf("Expected recovery to stay unique after replay, got %d", len(recoveries))
	}
}

func TestEngine_AddTracking(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	ev := saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base)
	ev.Attribution = reconcile.Attribution{Source: "facebook"}
	if _, err := engine.Process(ctx, ev); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// Tracking arrives after the event; the transaction re-resolves.
	err := engine.AddTracking(ctx, &reconcile.TrackingRecord{
		TenantID:      "acme",
		TransactionID: "TXN-1",
		Attribution:   reconcile.Attribution{Campaign: "launch"},
	})
	if err != nil {
		t.Fatalf("AddTracking failed: %v", err)
	}

	txn, err := engine.GetTransaction(ctx, "acme", "TXN-1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if txn.Attribution.Source != "facebook" || txn.Attribution.Campaign != "launch" {
		t.Errorf("Expected merged attribution, got %+v", txn.Attribution)
	}

	// Tracking for a not-yet-seen transaction is stored without error.
	err = engine.AddTracking(ctx, &reconcile.TrackingRecord{
		TenantID:      "acme",
		TransactionID: "TXN-FUTURE",
		Attribution:   reconcile.Attribution{Source: "instagram"},
	})
	if err != nil {
		t.Errorf("Expected tracking before event to be tolerated, got %v", err)
	}
}

func TestEngine_SpendAndRollups(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := engine.Process(ctx, saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	err := engine.AddSpend(ctx, &reconcile.SpendRecord{
		TenantID:    "acme",
		Day:         base,
		AmountCents: 5000,
		Currency:    "USD",
		Source:      "facebook",
	})
	if err != nil {
		t.Fatalf("AddSpend failed: %v", err)
	}

	daily, err := engine.RollupDaily(ctx, "acme", base.AddDate(0, 0, -1), base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("RollupDaily failed: %v", err)
	}
	if len(daily) != 1 {
		t.Fatalf("Expected 1 day, got %d", len(daily))
	}
	if daily[0].RevenueCents != 9100 || daily[0].SpendCents != 5000 {
		t.Errorf("Expected 9100 revenue / 5000 spend, got %d / %d",
			daily[0].RevenueCents, daily[0].SpendCents)
	}
	if daily[0].ProfitCents != 4100 {
		t.Errorf("Expected profit 4100, got %d", daily[0].ProfitCents)
	}

	monthly, err := engine.RollupMonthly(ctx, "acme", base.AddDate(0, -1, 0), base.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("RollupMonthly failed: %v", err)
	}
	if len(monthly) != 1 || monthly[0].RevenueCents != 9100 {
		t.Errorf("Expected one month with 9100 revenue, got %+v", monthly)
	}
}

func TestEngine_ReconcileBatch(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := saleEvent(fmt.Sprintf("evt-%d", i), fmt.Sprintf("TXN-%d", i), reconcile.EventApproved, base)
		if _, err := engine.Process(ctx, ev); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	// Processing already reconciled everything; the backlog is empty.
	res, err := engine.ReconcileBatch(ctx, "acme", 0)
	if err != nil {
		t.Fatalf("ReconcileBatch failed: %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 {
		t.Errorf("Expected empty backlog, got %+v", res)
	}
}

func TestEngine_Audit(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := engine.Process(ctx, saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	noEmail := saleEvent("evt-2", "TXN-2", reconcile.EventApproved, base)
	noEmail.Email = ""
	if _, err := engine.Process(ctx, noEmail); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	report, err := engine.Audit(ctx, "acme")
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if report.TotalEvents != 2 {
		t.Errorf("Expected 2 events, got %d", report.TotalEvents)
	}
	if report.TotalTransactions != 1 {
		t.Errorf("Expected 1 canonical transaction, got %d", report.TotalTransactions)
	}
	if report.EventsMissingEmail != 1 {
		t.Errorf("Expected 1 event missing email, got %d", report.EventsMissingEmail)
	}
}

func TestEngine_ListTransactions(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if _, err := engine.Process(ctx, saleEvent("evt-1", "TXN-1", reconcile.EventApproved, base)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	refund := saleEvent("evt-2", "TXN-2", reconcile.EventRefunded, base.Add(time.Hour))
	if _, err := engine.Process(ctx, refund); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	all, err := engine.ListTransactions(ctx, reconcile.CanonicalFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(all))
	}

	refunded, err := engine.ListTransactions(ctx, reconcile.CanonicalFilter{
		TenantID: "acme",
		Statuses: []reconcile.EventType{reconcile.EventRefunded},
	})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(refunded) != 1 || refunded[0].TransactionID != "TXN-2" {
		t.Errorf("Expected only TXN-2, got %+v", refunded)
	}
}

func TestEngine_ConcurrentSameTransaction(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	types := []reconcile.EventType{
		reconcile.EventPending, reconcile.EventApproved, reconcile.EventComplete,
		reconcile.EventPending, reconcile.EventApproved,
	}

	var wg sync.WaitGroup
	for i, typ := range types {
		wg.Add(1)
		go func(n int, typ reconcile.EventType) {
			defer wg.Done()
			ev := saleEvent(fmt.Sprintf("evt-%d", n), "TXN-1", typ, base.Add(time.Duration(n)*time.Minute))
			if _, err := engine.Process(ctx, ev); err != nil {
				t.Errorf("Process %d failed: %v", n, err)
			}
		}(i, typ)
	}
	wg.Wait()

	txn, err := engine.GetTransaction(ctx, "acme", "TXN-1")
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if txn.Type != reconcile.EventComplete {
		t.Errorf("Expected complete to win under concurrency, got %s", txn.Type)
	}

	contact, err := engine.GetContact(ctx, "acme", "buyer@example.com")
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if contact.TotalPurchases != 1 {
		t.Errorf("Expected exactly 1 purchase, got %d", contact.TotalPurchases)
	}
}

func TestEngine_BatchSkipsUnprocessableGroups(t *testing.T) {
	store := memory.New()
	engine, err := reconcile.NewEngine(store, &reconcile.Config{})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// A group whose only event lacks an email can never reconcile; it must not
	// occupy batch slots ahead of reconcilable groups.
	bad := saleEvent("evt-bad", "TXN-BAD", reconcile.EventApproved, base)
	bad.Email = ""
	if err := store.AppendEvent(ctx, bad); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	good := saleEvent("evt-good", "TXN-GOOD", reconcile.EventApproved, base.Add(time.Hour))
	if err := store.AppendEvent(ctx, good); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	res, err := engine.ReconcileBatch(ctx, "acme", 1)
	if err != nil {
		t.Fatalf("ReconcileBatch failed: %v", err)
	}
	if res.Processed != 1 || res.Failed != 0 {
		t.Fatalf("Expected 1 processed / 0 failed, got %d / %d", res.Processed, res.Failed)
	}
	if _, err := engine.GetTransaction(ctx, "acme", "TXN-GOOD"); err != nil {
		t.Errorf("Expected TXN-GOOD reconciled, got %v", err)
	}

	res, err = engine.ReconcileBatch(ctx, "acme", 1)
	if err != nil {
		t.Fatalf("ReconcileBatch failed: %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 {
		t.Errorf("Expected drained backlog, got %+v", res)
	}
}

func TestEngine_SpendDayInReportingTimezone(t *testing.T) {
	engine, err := reconcile.NewEngine(memory.New(), &reconcile.Config{
		ReportingTimezone: "America/Sao_Paulo",
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()

	// The API submits calendar dates as midnight UTC; the stated date must
	// survive into the reporting timezone rather than shift a day west.
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	err = engine.AddSpend(ctx, &reconcile.SpendRecord{
		TenantID:    "acme",
		Day:         day,
		AmountCents: 5000,
		Source:      "facebook",
	})
	if err != nil {
		t.Fatalf("AddSpend failed: %v", err)
	}

	daily, err := engine.RollupDaily(ctx, "acme",
		time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RollupDaily failed: %v", err)
	}
	if len(daily) != 1 {
		t.Fatalf("Expected 1 day, got %d", len(daily))
	}
	y, m, d := daily[0].Day.Date()
	if y != 2025 || m != time.January || d != 15 {
		t.Errorf("Expected spend on 2025-01-15, got %04d-%02d-%02d", y, m, d)
	}
}

func TestEngine_ProcessDoesNotMutateCaller(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	ev := saleEvent("TXN-5-approved", "", reconcile.EventApproved, base)

	res, err := engine.Process(ctx, ev)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Canonical == nil || res.Canonical.TransactionID != "TXN-5" {
		t.Fatalf("Expected canonical TXN-5, got %+v", res.Canonical)
	}
	if ev.TransactionID != "" {
		t.Errorf("Caller's TransactionID was mutated to %q", ev.TransactionID)
	}
	if !ev.ReceivedAt.IsZero() {
		t.Errorf("Caller's ReceivedAt was mutated to %v", ev.ReceivedAt)
	}
}
