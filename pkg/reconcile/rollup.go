package reconcile

import (
	"sort"
	"time"
)

// DailyRollup aggregates settled ledger activity for one economic day.
type DailyRollup struct {
	TenantID string
	Day      time.Time

	RevenueCents    int64
	RefundCents     int64
	ChargebackCents int64
	SpendCents      int64

	// ProfitCents is revenue minus refunds minus spend.
	ProfitCents int64

	// ReturnOnSpend is revenue divided by spend; nil when there was no spend
	// for the day (undefined, never a division by zero).
	ReturnOnSpend *float64

	Transactions int
}

// MonthlyRollup folds daily rollups into a calendar month.
type MonthlyRollup struct {
	TenantID string
	Month    time.Time

	RevenueCents    int64
	RefundCents     int64
	ChargebackCents int64
	SpendCents      int64
	ProfitCents     int64
	ReturnOnSpend   *float64
	Transactions    int
}

// BuildDailyRollups aggregates ledger entries and spend into per-day totals,
// sorted by day. Entries whose settlement amount is still unknown are excluded
// until they settle; the rollup is purely derived and safe to recompute.
func BuildDailyRollups(tenantID string, entries []*LedgerEntry, spend []*SpendRecord) []DailyRollup {
	byDay := make(map[string]*DailyRollup)
	day := func(t time.Time) *DailyRollup {
		key := t.Format("2006-01-02")
		r, ok := byDay[key]
		if !ok {
			r = &DailyRollup{TenantID: tenantID, Day: t}
			byDay[key] = r
		}
		return r
	}

	for _, e := range entries {
		if e.TenantID != tenantID || e.SettledCents == nil {
			continue
		}
		r := day(e.EconomicDay)
		amount := *e.SettledCents
		switch {
		case e.Status.ApprovedEquivalent():
			r.RevenueCents += amount
			r.Transactions++
		case e.Status == EventRefunded:
			r.RefundCents += amount
		case e.Status == EventChargeback:
			r.ChargebackCents += amount
		}
	}

	for _, s := range spend {
		if s.TenantID != tenantID {
			continue
		}
		day(s.Day).SpendCents += s.AmountCents
	}

	out := make([]DailyRollup, 0, len(byDay))
	for _, r := range byDay {
		r.ProfitCents = r.RevenueCents - r.RefundCents - r.SpendCents
		if r.SpendCents > 0 {
			ros := float64(r.RevenueCents) / float64(r.SpendCents)
			r.ReturnOnSpend = &ros
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

// BuildMonthlyRollups folds daily rollups into calendar months, sorted by
// month. Ratios are re-derived from the summed values, not averaged.
func BuildMonthlyRollups(daily []DailyRollup) []MonthlyRollup {
	byMonth := make(map[string]*MonthlyRollup)
	for _, d := range daily {
		month := time.Date(d.Day.Year(), d.Day.Month(), 1, 0, 0, 0, 0, d.Day.Location())
		key := month.Format("2006-01")
		m, ok := byMonth[key]
		if !ok {
			m = &MonthlyRollup{TenantID: d.TenantID, Month: month}
			byMonth[key] = m
		}
		m.RevenueCents += d.RevenueCents
		m.RefundCents += d.RefundCents
		m.ChargebackCents += d.ChargebackCents
		m.SpendCents += d.SpendCents
		m.Transactions += d.Transactions
	}

	out := make([]MonthlyRollup, 0, len(byMonth))
	for _, m := range byMonth {
		m.ProfitCents = m.RevenueCents - m.RefundCents - m.SpendCents
		if m.SpendCents > 0 {
			ros := float64(m.RevenueCents) / float64(m.SpendCents)
			m.ReturnOnSpend = &ros
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}
