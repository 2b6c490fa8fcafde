package order

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/ledger"
)

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventRefund           EventKind = "refund"
	EventDisputeCreated   EventKind = "dispute_created"
	EventDisputeClosed    EventKind = "dispute_closed"
	EventDelivered        EventKind = "delivered"
)

// ExternalEvent is a payment-processor or carrier signal. Delivery is
// at-least-once; ID is the deduplication key.
type ExternalEvent struct {
	ID           string          `json:"id"`
	Kind         EventKind       `json:"kind"`
	OrderID      string          `json:"order_id,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	Outcome      Outcome         `json:"outcome,omitempty"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Reason       string          `json:"reason,omitempty"`
}

type EventResult struct {
	// Replayed is set when the event id was already processed; nothing changed.
	Replayed bool   `json:"replayed"`
	Items    []Item `json:"items,omitempty"`
}

// HandleEvent applies an external event exactly once. The event id is recorded
// in the same transaction as the transitions it causes, so a redelivery is
// reported as Replayed and has no effect.
func (l *Lifecycle) HandleEvent(ctx context.Context, ev ExternalEvent) (EventResult, error) {
	if ev.ID == "" {
		return EventResult{}, apperr.Invalid("id", "event id required")
	}
	if ev.OrderID == "" && ev.ItemID == "" {
		return EventResult{}, apperr.Invalid("order_id", "event must reference an order or item")
	}
	if ev.RefundAmount.IsNegative() {
		return EventResult{}, apperr.Invalid("refund_amount", "must not be negative")
	}

	var (
		out    []applied
		adjust []ledger.Entry
	)
	err := l.retry(ctx, "event="+ev.ID, func() error {
		out, adjust = out[:0], adjust[:0]
		return l.store.WithTx(ctx, func(tx Store) error {
			if err := tx.RecordEvent(ctx, ev.ID, string(ev.Kind)); err != nil {
				return err
			}
			items, err := targets(ctx, tx, ev)
			if err != nil {
				return err
			}
			if ev.Kind == EventRefund {
				if e := partialRefund(ev, items); e != nil {
					adjust = append(adjust, *e)
					return nil
				}
			}
			cmds, err := commandsFor(ev, items)
			if err != nil {
				return err
			}
			for _, c := range cmds {
				a, err := l.transition(ctx, tx, c)
				if err != nil {
					return err
				}
				out = append(out, a)
			}
			for _, it := range items {
				if it.Status != StatusCompleted {
					continue
				}
				a, err := l.completedDispute(ctx, tx, it, ev)
				if err != nil {
					return err
				}
				if a != nil {
					out = append(out, *a)
				}
			}
			return nil
		})
	})
	if errors.Is(err, apperr.ErrEventReplay) {
		l.Metrics.EventReplay(ctx, string(ev.Kind))
		log.Printf("[order] event=%s kind=%s already processed", ev.ID, ev.Kind)
		return EventResult{Replayed: true}, nil
	}
	if err != nil {
		return EventResult{}, err
	}
	l.after(ctx, out)
	for _, e := range adjust {
		l.appendEntry(ctx, e)
		log.Printf("[order] event=%s partial refund %s on %s", ev.ID, e.Amount, e.Key)
	}

	res := EventResult{}
	for _, a := range out {
		res.Items = append(res.Items, a.item)
	}
	if len(out) == 0 && len(adjust) == 0 {
		log.Printf("[order] event=%s kind=%s matched no items in a state it applies to", ev.ID, ev.Kind)
	}
	return res, nil
}

// targets returns the event's item, or every item of its order.
func targets(ctx context.Context, tx Store, ev ExternalEvent) ([]Item, error) {
	if ev.ItemID != "" {
		it, err := tx.GetItem(ctx, ev.ItemID)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", ev.ItemID, err)
		}
		return []Item{*it}, nil
	}
	items, err := tx.ItemsByOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("order %s: %w", ev.OrderID, apperr.ErrNotFound)
	}
	return items, nil
}

var refundable = map[Status]bool{StatusPendingPayment: true, StatusPaid: true, StatusProcessing: true}

// partialRefund returns the ledger entry for a refund event whose amount is
// less than the buyer paid for the items it would cancel, or nil when the
// refund is full. An event without an amount is a full refund.
func partialRefund(ev ExternalEvent, items []Item) *ledger.Entry {
	if ev.RefundAmount.IsZero() {
		return nil
	}
	var hit []Item
	paid := decimal.Zero
	for _, it := range items {
		if refundable[it.Status] {
			hit = append(hit, it)
			paid = paid.Add(it.Fees.BuyerTotal)
		}
	}
	if len(hit) == 0 || ev.RefundAmount.GreaterThanOrEqual(paid) {
		return nil
	}
	e := &ledger.Entry{
		Key:     "refund:" + hit[0].OrderID + ":" + ev.ID,
		OrderID: hit[0].OrderID,
		Kind:    ledger.KindRefund,
		Amount:  ev.RefundAmount.Round(2),
	}
	if len(hit) == 1 {
		e.Key = "refund:" + hit[0].ID + ":" + ev.ID
		e.ItemID, e.PlanVersion = hit[0].ID, hit[0].Fees.PlanVersion
	}
	return e
}

// commandsFor maps an event to transitions for the items it applies to.
// Items in a state the event does not apply to are skipped.
func commandsFor(ev ExternalEvent, items []Item) ([]Command, error) {
	var to Status
	actor := Processor
	from := map[Status]bool{}
	switch ev.Kind {
	case EventPaymentSucceeded:
		to, from[StatusPendingPayment] = StatusPaid, true
	case EventRefund:
		to, from = StatusCancelled, refundable
	case EventDisputeCreated:
		to, from[StatusShipped], from[StatusDelivered] = StatusDisputed, true, true
	case EventDisputeClosed:
		if !ev.Outcome.Valid() {
			return nil, apperr.Invalid("outcome", "dispute_closed needs release, refund or partial")
		}
		to, from[StatusDisputed] = StatusCompleted, true
		if ev.Outcome == OutcomeRefund {
			to = StatusCancelled
		}
	case EventDelivered:
		to, from[StatusShipped], actor = StatusDelivered, true, System
	default:
		return nil, apperr.Invalid("kind", "unknown event kind "+string(ev.Kind))
	}

	var cmds []Command
	for _, it := range items {
		if !from[it.Status] {
			continue
		}
		cmds = append(cmds, Command{
			ItemID:       it.ID,
			To:           to,
			Actor:        actor,
			Outcome:      ev.Outcome,
			RefundAmount: ev.RefundAmount,
			Reason:       ev.Reason,
		})
	}
	return cmds, nil
}

// completedDispute opens or settles a processor dispute on an item that has
// already completed. The item keeps its status; an open dispute is what holds
// back the payout.
func (l *Lifecycle) completedDispute(ctx context.Context, tx Store, it Item, ev ExternalEvent) (*applied, error) {
	if ev.Kind != EventDisputeCreated && ev.Kind != EventDisputeClosed {
		return nil, nil
	}
	ds, err := tx.ListDisputes(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	open := false
	for _, d := range ds {
		open = open || d.Status == DisputeOpen
	}

	now := l.Now()
	a := applied{from: it.Status, actor: ActorProcessor}
	if ev.Kind == EventDisputeCreated {
		if open {
			return nil, nil
		}
		d := Dispute{
			ID:       uuid.NewString(),
			ItemID:   it.ID,
			Status:   DisputeOpen,
			Reason:   ev.Reason,
			OpenedBy: ActorProcessor,
			OpenedAt: now,
		}
		if err := tx.OpenDispute(ctx, d); err != nil {
			return nil, fmt.Errorf("open dispute: %w", err)
		}
		it.DisputeOpenedAt = &now
		a.dispute = &d
	} else {
		if !open {
			return nil, nil
		}
		res := Command{Actor: Processor, Outcome: ev.Outcome, RefundAmount: ev.RefundAmount}
		if err := res.checkResolution(&it, OutcomeRelease, OutcomeRefund, OutcomePartial); err != nil {
			return nil, err
		}
		d, err := tx.CloseDispute(ctx, it.ID, ev.Outcome, refundFor(&it, ev.Outcome, ev.RefundAmount), now)
		if err != nil {
			return nil, fmt.Errorf("close dispute: %w", err)
		}
		a.dispute = d
	}

	it.UpdatedAt = now
	if err := tx.UpdateItem(ctx, &it, it.Version); err != nil {
		return nil, err
	}
	a.item = it
	return &a, nil
}
