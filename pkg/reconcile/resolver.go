package reconcile

import (
	"strings"
	"time"
)

// priority ranks competing raw events describing the same transaction.
// Unrecognized types rank below every known type and never win over one.
func priority(t EventType) int {
	switch t {
	case EventComplete:
		return 4
	case EventApproved:
		return 3
	case EventBackfill:
		return 2
	}
	if t.Known() {
		return 1
	}
	return 0
}

// beats reports whether a outranks b: higher priority first, then later
// occurrence, then external event id as a stable tiebreak so the result
// depends only on the event set, never on arrival order.
func beats(a, b *RawEvent) bool {
	pa, pb := priority(a.Type), priority(b.Type)
	if pa != pb {
		return pa > pb
	}
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	return a.ExternalEventID > b.ExternalEventID
}

// Resolve selects the canonical transaction from the raw events sharing a
// transaction id. All fields come from the single winning event; the effective
// Status additionally reflects a terminal negative event (refund, chargeback,
// cancellation) that occurred at or after the winning event.
//
// Resolution is idempotent: re-running it over the same set yields the same
// result, and adding a lower-priority event never changes the choice.
func Resolve(events []*RawEvent) (*CanonicalTransaction, *RawEvent, error) {
	if len(events) == 0 {
		return nil, nil, ErrTransactionNotFound
	}

	winner := events[0]
	for _, ev := range events[1:] {
		if beats(ev, winner) {
			winner = ev
		}
	}

	c := &CanonicalTransaction{
		TenantID:       winner.TenantID,
		TransactionID:  winner.TransactionID,
		Type:           winner.Type,
		Status:         winner.Type,
		OccurredAt:     winner.OccurredAt,
		WinningEventID: winner.ExternalEventID,
		Email:          winner.Email,
		ProductCode:    winner.ProductCode,
		ProductName:    winner.ProductName,
		OfferCode:      winner.OfferCode,
		OfferName:      winner.OfferName,
		GrossCents:     winner.GrossCents,
		NetCents:       winner.NetCents,
		Currency:       winner.Currency,
		Attribution:    winner.Attribution,
		UpdatedAt:      time.Now().UTC(),
	}

	if !winner.Type.Known() {
		c.Flags = append(c.Flags, QualityFlag{
			Kind:          FlagUnknownEventType,
			TransactionID: c.TransactionID,
			Detail:        string(winner.Type),
		})
	}

	// A refund or chargeback arriving after settlement supersedes the status
	// without changing which event sources the canonical fields.
	var negative *RawEvent
	for _, ev := range events {
		if !ev.Type.terminalNegative() {
			continue
		}
		if negative == nil || ev.OccurredAt.After(negative.OccurredAt) {
			negative = ev
		}
	}
	if negative != nil && !negative.OccurredAt.Before(winner.OccurredAt) {
		c.Status = negative.Type
	}

	// Two sources both claiming a settled amount that disagree is a ledger
	// divergence: flagged for audit, never fatal.
	for _, ev := range events {
		if ev == winner {
			continue
		}
		if ev.NetCents != 0 && winner.NetCents != 0 && ev.NetCents != winner.NetCents {
			c.Flags = append(c.Flags, QualityFlag{
				Kind:          FlagLedgerDivergence,
				TransactionID: c.TransactionID,
				Detail:        ev.Provider + "/" + ev.ExternalEventID,
			})
			break
		}
	}

	return c, winner, nil
}

// ExtractTransactionID derives the transaction id from a composite delivery
// key of the form "<transaction_id>-<lifecycle_stage>". The stage suffix is
// stripped only when it names a known lifecycle stage, so transaction ids that
// themselves contain dashes survive. Both ingestion paths share this rule.
func ExtractTransactionID(deliveryKey string) string {
	idx := strings.LastIndex(deliveryKey, "-")
	if idx <= 0 {
		return deliveryKey
	}
	if EventType(deliveryKey[idx+1:]).Known() {
		return deliveryKey[:idx]
	}
	return deliveryKey
}
