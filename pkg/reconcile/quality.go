package reconcile

import (
	"sort"
	"strings"
	"time"
)

// genericOfferNames are placeholder offer names produced by bulk imports;
// offers still carrying one need operator attention.
var genericOfferNames = map[string]struct{}{
	"auto-imported":                     {},
	"auto-imported from existing sales": {},
	"imported from sales":               {},
}

// IntegrityReport is an on-demand diagnostic over a tenant's stored data:
// missing correlation keys, duplicate mapping groups, placeholder offer names,
// and ledger divergences between ingestion sources.
type IntegrityReport struct {
	TenantID    string
	GeneratedAt time.Time

	TotalEvents       int
	TotalTransactions int

	EventsMissingTenant      int
	EventsMissingEmail       int
	EventsMissingTransaction int
	UnknownEventTypes        int

	TransactionsMissingProduct int
	TransactionsMissingOffer   int
	GenericOfferNames          int

	// DuplicateGroups counts (email, product, offer) groups holding more than
	// one transaction; DuplicateExtraRows counts the surplus rows.
	DuplicateGroups    int
	DuplicateExtraRows int

	Divergences []LedgerDivergence
}

// LedgerDivergence is a detected mismatch between two sources of financial
// truth for the same transaction.
type LedgerDivergence struct {
	TransactionID string
	NetCents      []int64
	Providers     []string
}

// BuildIntegrityReport computes the report from a tenant's raw events and
// canonical transactions. Pure function; safe to run against live data.
func BuildIntegrityReport(tenantID string, events []*RawEvent, canonicals []*CanonicalTransaction, now time.Time) *IntegrityReport {
	report := &IntegrityReport{
		TenantID:          tenantID,
		GeneratedAt:       now,
		TotalEvents:       len(events),
		TotalTransactions: len(canonicals),
	}

	nets := make(map[string][]int64)
	providers := make(map[string][]string)
	for _, ev := range events {
		if ev.TenantID == "" {
			report.EventsMissingTenant++
		}
		if ev.Email == "" {
			report.EventsMissingEmail++
		}
		if ev.TransactionID == "" {
			report.EventsMissingTransaction++
		}
		if ev.Type != "" && !ev.Type.Known() {
			report.UnknownEventTypes++
		}
		if ev.TransactionID != "" && ev.NetCents != 0 {
			nets[ev.TransactionID] = append(nets[ev.TransactionID], ev.NetCents)
			providers[ev.TransactionID] = append(providers[ev.TransactionID], ev.Provider)
		}
	}

	groups := make(map[string]int)
	for _, c := range canonicals {
		if c.ProductCode == "" {
			report.TransactionsMissingProduct++
		}
		if c.OfferCode == "" {
			report.TransactionsMissingOffer++
		}
		if _, ok := genericOfferNames[normalizeName(c.OfferName)]; ok {
			report.GenericOfferNames++
		}
		key := NormalizeEmail(c.Email) + "|" + normalizeName(c.ProductName) + "|" + normalizeName(c.OfferName)
		groups[key]++
	}
	for _, n := range groups {
		if n > 1 {
			report.DuplicateGroups++
			report.DuplicateExtraRows += n - 1
		}
	}

	for txn, amounts := range nets {
		if !diverges(amounts) {
			continue
		}
		report.Divergences = append(report.Divergences, LedgerDivergence{
			TransactionID: txn,
			NetCents:      amounts,
			Providers:     providers[txn],
		})
	}
	sort.Slice(report.Divergences, func(i, j int) bool {
		return report.Divergences[i].TransactionID < report.Divergences[j].TransactionID
	})

	return report
}

func diverges(amounts []int64) bool {
	for _, a := range amounts[1:] {
		if a != amounts[0] {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
