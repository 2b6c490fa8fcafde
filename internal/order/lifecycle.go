// Package order drives order items through fulfillment and decides when the
// escrowed funds for an item may be released to its seller.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/config"
	"github.com/MikeMC777/marketplace-engine/internal/ledger"
	"github.com/MikeMC777/marketplace-engine/internal/telemetry"
)

type Lifecycle struct {
	store   Store
	ledger  ledger.Ledger
	windows config.Windows

	// StaleRetries bounds how often a transition is retried with fresh state
	// after losing a version check.
	StaleRetries int
	Notifier     Notifier
	Metrics      *telemetry.Metrics
	Now          func() time.Time
}

func NewLifecycle(store Store, l ledger.Ledger, w config.Windows) *Lifecycle {
	return &Lifecycle{
		store:        store,
		ledger:       l,
		windows:      w,
		StaleRetries: 3,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

func (l *Lifecycle) Windows() config.Windows { return l.windows }

// applied is one transition committed inside a transaction, kept for the
// side effects that run after commit.
type applied struct {
	item    Item
	from    Status
	actor   ActorKind
	dispute *Dispute
}

// Apply performs one transition. A lost version check is retried with fresh
// state up to StaleRetries times before apperr.ErrStaleWrite is returned.
func (l *Lifecycle) Apply(ctx context.Context, cmd Command) (*Item, error) {
	var out []applied
	err := l.retry(ctx, cmd.ItemID, func() error {
		out = out[:0]
		return l.store.WithTx(ctx, func(tx Store) error {
			a, err := l.transition(ctx, tx, cmd)
			if err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	l.after(ctx, out)
	return &out[0].item, nil
}

func (l *Lifecycle) retry(ctx context.Context, key string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, apperr.ErrStaleWrite) {
			return err
		}
		l.Metrics.StaleWrite(ctx)
		if attempt >= l.StaleRetries {
			log.Printf("[order] %s stale write, giving up after %d retries", key, attempt)
			return err
		}
		log.Printf("[order] %s stale write, retry %d/%d", key, attempt+1, l.StaleRetries)
	}
}

func (l *Lifecycle) transition(ctx context.Context, tx Store, cmd Command) (applied, error) {
	it, err := tx.GetItem(ctx, cmd.ItemID)
	if err != nil {
		return applied{}, fmt.Errorf("item %s: %w", cmd.ItemID, err)
	}
	o, err := tx.GetOrder(ctx, it.OrderID)
	if err != nil {
		return applied{}, fmt.Errorf("order %s: %w", it.OrderID, err)
	}
	now := l.Now()
	if err := cmd.check(it, o, now, l.windows); err != nil {
		return applied{}, err
	}

	from := it.Status
	cmd.apply(it, now)
	if err := tx.UpdateItem(ctx, it, it.Version); err != nil {
		return applied{}, err
	}

	a := applied{item: *it, from: from, actor: cmd.Actor.Kind}
	switch {
	case cmd.To == StatusDisputed:
		d := Dispute{
			ID:       uuid.NewString(),
			ItemID:   it.ID,
			Status:   DisputeOpen,
			Reason:   cmd.Reason,
			OpenedBy: cmd.Actor.Kind,
			OpenedAt: now,
		}
		if err := tx.OpenDispute(ctx, d); err != nil {
			return applied{}, fmt.Errorf("open dispute: %w", err)
		}
		a.dispute = &d
	case from == StatusDisputed:
		d, err := tx.CloseDispute(ctx, it.ID, cmd.Outcome, refundFor(it, cmd.Outcome, cmd.RefundAmount), now)
		if err != nil {
			return applied{}, fmt.Errorf("close dispute: %w", err)
		}
		a.dispute = d
	}

	items, err := tx.ItemsByOrder(ctx, o.ID)
	if err != nil {
		return applied{}, err
	}
	if s := Rollup(items); s != o.Status {
		if err := tx.SetOrderStatus(ctx, o.ID, s); err != nil {
			return applied{}, err
		}
	}
	return a, nil
}

// refundFor is what the buyer gets back when a dispute closes with outcome.
func refundFor(it *Item, outcome Outcome, amount decimal.Decimal) decimal.Decimal {
	switch outcome {
	case OutcomeRefund:
		return it.Fees.BuyerTotal
	case OutcomePartial:
		return amount.Round(2)
	}
	return decimal.Zero
}

// after runs the post-commit effects: ledger entries, metrics and notification.
// An applied change that kept the item's status only touched its disputes and
// is not reported as a transition.
func (l *Lifecycle) after(ctx context.Context, out []applied) {
	for _, a := range out {
		it := a.item
		for _, e := range ledgerEntries(a) {
			l.appendEntry(ctx, e)
		}
		if a.from == it.Status {
			if a.dispute != nil {
				log.Printf("[order] item=%s dispute=%s %s while %s", it.ID, a.dispute.ID, a.dispute.Status, it.Status)
			}
			continue
		}

		log.Printf("[order] item=%s %s -> %s by %s", it.ID, a.from, it.Status, a.actor)
		l.Metrics.Transition(ctx, string(a.from), string(it.Status))
		if l.Notifier != nil {
			l.Notifier.ItemTransitioned(ctx, Transition{
				ItemID:   it.ID,
				OrderID:  it.OrderID,
				SellerID: it.SellerID,
				From:     a.from,
				To:       it.Status,
				Actor:    a.actor,
				At:       it.UpdatedAt,
			})
		}
	}
}

// appendEntry records e once. The full refund of a cancelled item is reduced
// by the partial refunds already recorded for it.
func (l *Lifecycle) appendEntry(ctx context.Context, e ledger.Entry) {
	if e.Kind == ledger.KindRefund && e.Key == "refund:"+e.ItemID {
		prior, err := l.ledger.ByItem(ctx, e.ItemID)
		if err != nil {
			log.Printf("[order] item=%s read refunds: %v", e.ItemID, err)
		}
		for _, p := range prior {
			if p.Kind == ledger.KindRefund && p.Key != e.Key {
				e.Amount = e.Amount.Sub(p.Amount)
			}
		}
		if !e.Amount.IsPositive() {
			log.Printf("[order] item=%s already refunded in full", e.ItemID)
			return
		}
	}
	if _, err := l.ledger.Append(ctx, e); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		log.Printf("[order] ledger %s failed: %v", e.Key, err)
	}
}

func ledgerEntries(a applied) []ledger.Entry {
	it := a.item
	base := ledger.Entry{OrderID: it.OrderID, ItemID: it.ID, PlanVersion: it.Fees.PlanVersion}
	entry := func(key string, kind ledger.Kind, amount decimal.Decimal) ledger.Entry {
		e := base
		e.Key, e.Kind, e.Amount = key, kind, amount
		return e
	}

	switch {
	case it.Status == StatusPaid && a.from != StatusPaid:
		return []ledger.Entry{
			entry("fees:protection:"+it.ID, ledger.KindFeeSnapshot, it.Fees.BuyerProtectionFee),
			entry("fees:commission:"+it.ID, ledger.KindFeeSnapshot, it.Fees.SellerCommission),
		}
	case it.Status == StatusCancelled && it.PaidAt != nil:
		return []ledger.Entry{entry("refund:"+it.ID, ledger.KindRefund, it.Fees.BuyerTotal)}
	case a.dispute != nil && a.dispute.Status == DisputeClosed && a.dispute.RefundAmount.IsPositive():
		return []ledger.Entry{entry("refund:"+it.ID+":"+a.dispute.ID, ledger.KindRefund, a.dispute.RefundAmount)}
	}
	return nil
}

// ReleaseFunds pays the seller for a completed item once EscrowEligible holds
// on a fresh read. The payout is keyed by item so it can be recorded once only;
// a repeated release returns the original entry.
func (l *Lifecycle) ReleaseFunds(ctx context.Context, itemID string, actor Actor) (ledger.Entry, error) {
	if actor.Kind != ActorAdmin && actor.Kind != ActorSystem {
		return ledger.Entry{}, apperr.ErrForbidden
	}
	it, err := l.store.GetItem(ctx, itemID)
	if err != nil {
		return ledger.Entry{}, err
	}
	disputes, err := l.store.ListDisputes(ctx, itemID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if !EscrowEligible(*it, disputes, l.Now(), l.windows.Dispute) {
		return ledger.Entry{}, &apperr.TransitionError{From: string(it.Status), To: "released", Reason: "funds are not eligible for release"}
	}

	e, err := l.ledger.Append(ctx, ledger.Entry{
		Key:         "payout:" + it.ID,
		OrderID:     it.OrderID,
		ItemID:      it.ID,
		Kind:        ledger.KindPayout,
		Amount:      it.Fees.SellerNet,
		PlanVersion: it.Fees.PlanVersion,
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		log.Printf("[order] item=%s payout already recorded", it.ID)
		return e, nil
	}
	if err != nil {
		return ledger.Entry{}, err
	}
	l.Metrics.EscrowReleased(ctx)
	log.Printf("[order] item=%s released %s to seller=%s", it.ID, e.Amount, it.SellerID)
	return e, nil
}
