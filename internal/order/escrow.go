package order

import "time"

// EscrowEligible reports whether the seller may be paid for it. All must hold:
// the item is completed, no dispute is open, a dispute if there was one was
// closed with an explicit release, and without a dispute either the buyer
// confirmed receipt or window has passed since delivery.
//
// Call it with freshly read item and disputes, never cached copies.
func EscrowEligible(it Item, disputes []Dispute, now time.Time, window time.Duration) bool {
	if it.Status != StatusCompleted {
		return false
	}
	var latest *Dispute
	for i := range disputes {
		d := &disputes[i]
		if d.Status == DisputeOpen {
			return false
		}
		if latest == nil || d.OpenedAt.After(latest.OpenedAt) {
			latest = d
		}
	}
	if latest != nil {
		return latest.Outcome == OutcomeRelease
	}
	if it.DisputeOpenedAt != nil {
		// disputed at some point but no record of how it ended
		return false
	}
	if it.ConfirmedAt != nil {
		return true
	}
	return elapsed(it.DeliveredAt, window, now)
}
