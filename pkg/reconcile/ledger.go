package reconcile

import (
	"math"
	"time"
)

// finalState reports whether amounts for this status are settled truth.
// Pending, abandoned, and expired transactions have no settled amount yet.
func finalState(t EventType) bool {
	return t.ApprovedEquivalent() || t.terminalNegative()
}

// NormalizeLedger converts the canonical amounts into the tenant's settlement
// currency, distinguishing a known zero from a not-yet-known amount.
//
// A literal zero supplied for a transaction not yet in a final state is
// treated as unknown: SettledCents stays nil and the entry is flagged, never
// coerced to zero revenue. Unknown currency codes fall back to identity
// conversion, flagged for audit.
func NormalizeLedger(c *CanonicalTransaction, cfg *Config, loc *time.Location) *LedgerEntry {
	entry := &LedgerEntry{
		TenantID:           c.TenantID,
		TransactionID:      c.TransactionID,
		Status:             c.Status,
		SettlementCurrency: cfg.settlementFor(c.TenantID),
		SourceCurrency:     c.Currency,
		Rate:               1,
		OccurredAt:         c.OccurredAt,
		EconomicDay:        EconomicDay(c.OccurredAt, loc),
	}

	net := c.NetCents
	if net == 0 && c.GrossCents != 0 {
		// Alternate-field fallback: the gross amount stands in for a missing net.
		net = c.GrossCents
		entry.Flags = append(entry.Flags, QualityFlag{
			Kind:          FlagNetFromGross,
			TransactionID: c.TransactionID,
		})
	}

	if net == 0 {
		if finalState(c.Status) {
			zero := int64(0)
			entry.SettledCents = &zero
			return entry
		}
		entry.Flags = append(entry.Flags, QualityFlag{
			Kind:          FlagZeroAmountPending,
			TransactionID: c.TransactionID,
		})
		return entry
	}

	rate := 1.0
	switch {
	case c.Currency == "":
		entry.Flags = append(entry.Flags, QualityFlag{
			Kind:          FlagUnknownCurrency,
			TransactionID: c.TransactionID,
			Detail:        "missing currency code",
		})
	case c.Currency == entry.SettlementCurrency:
		// Identity.
	default:
		r, ok := cfg.Rates[c.Currency]
		if ok {
			rate = r
		} else {
			entry.Flags = append(entry.Flags, QualityFlag{
				Kind:          FlagUnknownCurrency,
				TransactionID: c.TransactionID,
				Detail:        c.Currency,
			})
		}
	}

	settled := int64(math.Round(float64(net) * rate))
	entry.Rate = rate
	entry.SettledCents = &settled
	return entry
}

// EconomicDay truncates a timestamp to the calendar day it belongs to in the
// reporting timezone, at midnight in that zone.
func EconomicDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
