package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/config"
)

var next = map[Status][]Status{
	StatusPendingPayment: {StatusPaid, StatusCancelled},
	StatusPaid:           {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing:     {StatusShipped, StatusCancelled},
	StatusShipped:        {StatusDelivered, StatusDisputed},
	StatusDelivered:      {StatusCompleted, StatusDisputed},
	StatusDisputed:       {StatusCompleted, StatusCancelled},
}

var rank = map[Status]int{
	StatusPendingPayment: 0,
	StatusPaid:           1,
	StatusProcessing:     2,
	StatusShipped:        3,
	StatusDelivered:      4,
	StatusCompleted:      5,
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok || s == StatusCancelled || s == StatusDisputed
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Rollup derives the informational order status from its items: cancelled
// when every item is, disputed when any item is, otherwise the least
// advanced live item.
func Rollup(items []Item) Status {
	if len(items) == 0 {
		return StatusPendingPayment
	}
	live, disputed := false, false
	min := StatusCompleted
	for _, it := range items {
		switch it.Status {
		case StatusCancelled:
			continue
		case StatusDisputed:
			live, disputed = true, true
			continue
		}
		live = true
		if rank[it.Status] < rank[min] {
			min = it.Status
		}
	}
	switch {
	case !live:
		return StatusCancelled
	case disputed:
		return StatusDisputed
	}
	return min
}

// Command asks for one item transition.
type Command struct {
	ItemID         string
	To             Status
	Actor          Actor
	TrackingNumber string
	Carrier        string
	Outcome        Outcome
	RefundAmount   decimal.Decimal
	Reason         string
}

func deny(from, to Status, reason string) error {
	return &apperr.TransitionError{From: string(from), To: string(to), Reason: reason}
}

func elapsed(since *time.Time, window time.Duration, now time.Time) bool {
	return since != nil && !now.Before(since.Add(window))
}

// check validates the transition against the state machine, who is asking,
// and the time windows in w.
func (c Command) check(it *Item, o *Order, now time.Time, w config.Windows) error {
	from, to := it.Status, c.To
	if !to.Valid() {
		return apperr.Invalid("to", "unknown status "+string(to))
	}
	if !CanTransition(from, to) {
		return deny(from, to, "")
	}

	a := c.Actor
	switch a.Kind {
	case ActorSeller:
		if a.ID == "" || a.ID != it.SellerID {
			return apperr.ErrForbidden
		}
	case ActorBuyer:
		if a.ID == "" || a.ID != o.BuyerID {
			return apperr.ErrForbidden
		}
	case ActorProcessor, ActorSystem, ActorAdmin:
	default:
		return apperr.ErrUnauthorized
	}
	is := func(kinds ...ActorKind) bool {
		for _, k := range kinds {
			if a.Kind == k {
				return true
			}
		}
		return false
	}

	switch to {
	case StatusPaid:
		if !is(ActorProcessor) {
			return apperr.ErrForbidden
		}

	case StatusProcessing:
		if !is(ActorSeller) {
			return apperr.ErrForbidden
		}

	case StatusShipped:
		if !is(ActorSeller) {
			return apperr.ErrForbidden
		}
		if strings.TrimSpace(c.TrackingNumber) == "" {
			return apperr.Invalid("tracking_number", "required to mark an item shipped")
		}

	case StatusDelivered:
		if !is(ActorSystem, ActorBuyer) {
			return apperr.ErrForbidden
		}

	case StatusDisputed:
		switch {
		case is(ActorProcessor):
		case is(ActorBuyer):
			if from == StatusDelivered && elapsed(it.DeliveredAt, w.Dispute, now) {
				return deny(from, to, "dispute window has closed")
			}
		default:
			return apperr.ErrForbidden
		}

	case StatusCompleted:
		if from == StatusDisputed {
			return c.checkResolution(it, OutcomeRelease, OutcomePartial)
		}
		switch {
		case is(ActorBuyer):
		case is(ActorSystem):
			if !elapsed(it.DeliveredAt, w.Confirmation, now) {
				return deny(from, to, "confirmation window still open")
			}
		default:
			return apperr.ErrForbidden
		}

	case StatusCancelled:
		if from == StatusDisputed {
			return c.checkResolution(it, OutcomeRefund)
		}
		switch {
		case is(ActorBuyer, ActorSeller, ActorProcessor, ActorAdmin):
		case is(ActorSystem):
			if from != StatusPendingPayment && !elapsed(it.PaidAt, w.ShipBy, now) {
				return deny(from, to, "ship-by window still open")
			}
		default:
			return apperr.ErrForbidden
		}
	}
	return nil
}

func (c Command) checkResolution(it *Item, allowed ...Outcome) error {
	if c.Actor.Kind != ActorAdmin && c.Actor.Kind != ActorProcessor {
		return apperr.ErrForbidden
	}
	ok := false
	for _, o := range allowed {
		if c.Outcome == o {
			ok = true
		}
	}
	if !ok {
		return apperr.Invalid("outcome", "outcome "+string(c.Outcome)+" does not lead to "+string(c.To))
	}
	if c.Outcome == OutcomePartial {
		if !c.RefundAmount.IsPositive() || c.RefundAmount.GreaterThan(it.Fees.BuyerTotal) {
			return apperr.Invalid("refund_amount", "partial refund must be positive and at most the amount paid")
		}
	}
	return nil
}

// apply records the transition on it.
func (c Command) apply(it *Item, now time.Time) {
	switch c.To {
	case StatusPaid:
		it.PaidAt = &now
	case StatusShipped:
		it.TrackingNumber = strings.TrimSpace(c.TrackingNumber)
		it.Carrier = strings.TrimSpace(c.Carrier)
		it.ShippedAt = &now
	case StatusDelivered:
		it.DeliveredAt = &now
	case StatusCompleted:
		if c.Actor.Kind == ActorBuyer {
			it.ConfirmedAt = &now
		}
	case StatusDisputed:
		it.DisputeOpenedAt = &now
	}
	it.Status = c.To
	it.UpdatedAt = now
}
