package reconcile

import (
	"time"

	"github.com/google/uuid"
)

// tagPurchased and tagRecovered name the tag families not derived directly
// from an event type.
const (
	tagPurchased = "purchased"
	tagRecovered = "recovered"
)

// negativeTagStates are the event types whose tags an approved-equivalent
// transaction clears for its product.
var negativeTagStates = []EventType{
	EventPending, EventAbandoned, EventCancelled, EventRefunded, EventChargeback, EventExpired,
}

// TagFor maps an event status to its lifecycle tag for a product identity.
// Every known type maps to exactly one tag template; unknown types map to none.
func TagFor(t EventType, productKey string) string {
	switch t {
	case EventApproved, EventComplete, EventBackfill:
		return tagPurchased + ":" + productKey
	case EventPending, EventAbandoned, EventRefunded, EventChargeback, EventCancelled, EventExpired:
		return string(t) + ":" + productKey
	}
	return ""
}

// LifecycleResult carries the side effects of one lifecycle transition.
type LifecycleResult struct {
	Recoveries []*RecoveryRecord
	Flags      []QualityFlag
}

// ApplyLifecycle advances the contact's tag set for the canonical transaction
// and detects same-product recovery against the contact's prior transactions.
//
// On an approved-equivalent status the product's pending/abandoned/cancelled/
// refunded/chargeback/expired tags are removed; a recovery is recorded when a
// prior negative-status canonical transaction exists for the same product
// identity with its event time strictly before the current transaction.
// existing recoveries guard double emission. All operations are idempotent.
//
// Malformed or unmapped statuses produce no tag change, only a flag.
func ApplyLifecycle(contact *Contact, c *CanonicalTransaction,
	prior []*CanonicalTransaction, existing []*RecoveryRecord, now time.Time) *LifecycleResult {
	res := &LifecycleResult{}
	status := c.Status

	if !status.Known() {
		res.Flags = append(res.Flags, QualityFlag{
			Kind:          FlagUnknownEventType,
			TransactionID: c.TransactionID,
			Detail:        string(status),
		})
		return res
	}

	key := c.ProductKey()
	if key == "" {
		// Without a product identity there is nothing to tag or match.
		return res
	}
	keys := candidateKeys(c)

	if !status.ApprovedEquivalent() {
		contact.Tags.Add(TagFor(status, key))
		if status.terminalNegative() {
			// A settled sale later refunded is no longer an active purchase.
			for _, k := range keys {
				contact.Tags.Remove(tagPurchased + ":" + k)
			}
		}
		return res
	}

	// Recovery must be decided against prior transactions before the negative
	// tags are cleared.
	var priorNeg *CanonicalTransaction
	for _, p := range prior {
		if !p.Status.Negative() {
			continue
		}
		if !p.OccurredAt.Before(c.OccurredAt) {
			continue
		}
		match, ambiguous := productMatch(c, p)
		if !match {
			continue
		}
		if ambiguous {
			res.Flags = append(res.Flags, QualityFlag{
				Kind:          FlagAmbiguousProduct,
				TransactionID: c.TransactionID,
				Detail:        p.TransactionID,
			})
		}
		if priorNeg == nil || p.OccurredAt.After(priorNeg.OccurredAt) {
			priorNeg = p
		}
	}

	for _, k := range keys {
		for _, neg := range negativeTagStates {
			contact.Tags.Remove(TagFor(neg, k))
		}
	}
	contact.Tags.Add(TagFor(status, key))

	if priorNeg != nil {
		contact.Tags.Add(tagRecovered + ":" + key)
		rec := &RecoveryRecord{
			ID:                 uuid.NewString(),
			TenantID:           c.TenantID,
			Email:              contact.Email,
			ProductKey:         key,
			PriorTransactionID: priorNeg.TransactionID,
			PriorStatus:        priorNeg.Status,
			TransactionID:      c.TransactionID,
			RecoveredAt:        now,
		}
		if !hasRecovery(existing, rec.DedupeKey()) {
			res.Recoveries = append(res.Recoveries, rec)
		}
	}

	return res
}

// candidateKeys returns the product identities the transaction can be matched
// under: its offer code and its product code, deduplicated, non-empty.
func candidateKeys(c *CanonicalTransaction) []string {
	keys := make([]string, 0, 2)
	if c.OfferCode != "" {
		keys = append(keys, c.OfferCode)
	}
	if c.ProductCode != "" && c.ProductCode != c.OfferCode {
		keys = append(keys, c.ProductCode)
	}
	return keys
}

// productMatch applies the offer-code-first rule: when both sides carry offer
// codes, offer equality decides; otherwise product-code equality decides, and
// a pair where only one side has an offer code is ambiguous but still eligible.
func productMatch(a, b *CanonicalTransaction) (match, ambiguous bool) {
	if a.OfferCode != "" && b.OfferCode != "" {
		return a.OfferCode == b.OfferCode, false
	}
	if a.ProductCode != "" && b.ProductCode != "" {
		return a.ProductCode == b.ProductCode, a.OfferCode != b.OfferCode
	}
	return false, false
}

func hasRecovery(existing []*RecoveryRecord, dedupeKey string) bool {
	for _, r := range existing {
		if r.DedupeKey() == dedupeKey {
			return true
		}
	}
	return false
}
