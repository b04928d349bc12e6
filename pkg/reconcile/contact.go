package reconcile

import "time"

// UpsertContact merges a canonical transaction into the contact aggregate.
// history is the contact's full canonical transaction set including the one
// being applied; aggregate fields are recomputed from it rather than
// incremented, so corrections and retractions (an approved transaction later
// reclassified as refunded) stay correct under any delivery order.
//
// Applying the same canonical transaction twice produces the same end state
// as applying it once.
func UpsertContact(existing *Contact, c *CanonicalTransaction, winner *RawEvent,
	history []*CanonicalTransaction, cfg *Config, loc *time.Location, now time.Time) *Contact {
	var contact *Contact
	if existing != nil {
		cp := *existing
		cp.Tags = existing.Tags.Clone()
		contact = &cp
	} else {
		contact = &Contact{
			TenantID:  c.TenantID,
			Email:     NormalizeEmail(c.Email),
			Status:    StatusLead,
			Tags:      NewTagSet(),
			CreatedAt: now,
		}
	}

	// Scalar profile fields fill only when previously empty: first known
	// value wins, never overwritten by a later or lower-quality source.
	setIfEmpty(&contact.Name, winner.Name)
	setIfEmpty(&contact.Phone, winner.Phone)
	setIfEmpty(&contact.Document, winner.Document)

	if contact.FirstTouchSetAt == nil && !c.Attribution.Empty() {
		contact.FirstTouch = c.Attribution
		t := now
		contact.FirstTouchSetAt = &t
	}

	if target := statusFor(c.Status); target.rank() > contact.Status.rank() {
		contact.Status = target
	}

	recomputeAggregates(contact, history, cfg, loc)
	contact.UpdatedAt = now
	return contact
}

// statusFor maps an effective transaction status to the contact standing it
// implies. Refunds and chargebacks still imply a completed purchase, so the
// contact remains a customer; status never regresses either way.
func statusFor(t EventType) ContactStatus {
	switch {
	case t.ApprovedEquivalent(), t == EventRefunded, t == EventChargeback:
		return StatusCustomer
	case t == EventPending, t == EventAbandoned, t == EventCancelled, t == EventExpired:
		return StatusProspect
	}
	return StatusLead
}

// recomputeAggregates rebuilds purchase counters from the approved-equivalent
// subset of the contact's canonical transactions. Revenue uses the settled
// ledger amount; transactions whose amount is still unknown contribute to the
// purchase count but not to revenue until they settle.
func recomputeAggregates(contact *Contact, history []*CanonicalTransaction, cfg *Config, loc *time.Location) {
	var (
		purchases int
		revenue   int64
		first     *time.Time
		last      *time.Time
	)
	for _, h := range history {
		if !h.Status.ApprovedEquivalent() {
			continue
		}
		purchases++
		if entry := NormalizeLedger(h, cfg, loc); entry.SettledCents != nil {
			revenue += *entry.SettledCents
		}
		at := h.OccurredAt
		if first == nil || at.Before(*first) {
			t := at
			first = &t
		}
		if last == nil || at.After(*last) {
			t := at
			last = &t
		}
	}
	contact.TotalPurchases = purchases
	contact.TotalRevenueCents = revenue
	contact.FirstPurchaseAt = first
	contact.LastPurchaseAt = last
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
