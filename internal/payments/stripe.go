// Package payments turns payment-processor webhooks into order events.
package payments

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/order"
)

// Metadata keys checkout writes on the payment intent.
const (
	MetaOrderID = "order_id"
	MetaItemID  = "order_item_id"
)

const (
	typePaymentSucceeded = "payment_intent.succeeded"
	typeChargeRefunded   = "charge.refunded"
	typeDisputeCreated   = "charge.dispute.created"
	typeDisputeClosed    = "charge.dispute.closed"
)

// Verifier checks the Stripe-Signature header of a webhook delivery.
type Verifier struct {
	secret    string
	Tolerance time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, Tolerance: webhook.DefaultTolerance}
}

// Verify authenticates payload and decodes the event. A bad or missing
// signature is reported as apperr.ErrUnauthorized.
func (v *Verifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if v.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", apperr.ErrUnauthorized)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	return ev, nil
}

// Translate maps a verified Stripe event to an order.ExternalEvent. ok is
// false for event types the marketplace does not act on.
func Translate(ev stripe.Event) (out order.ExternalEvent, ok bool, err error) {
	if ev.Data == nil {
		return out, false, apperr.Invalid("data", "event has no object")
	}
	out.ID = ev.ID

	var meta map[string]string
	switch string(ev.Type) {
	case typePaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return out, false, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Kind, meta = order.EventPaymentSucceeded, pi.Metadata

	case typeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return out, false, fmt.Errorf("decode charge: %w", err)
		}
		out.Kind, meta = order.EventRefund, ch.Metadata
		out.RefundAmount = decimal.New(ch.AmountRefunded, -2)

	case typeDisputeCreated, typeDisputeClosed:
		var dp stripe.Dispute
		if err := json.Unmarshal(ev.Data.Raw, &dp); err != nil {
			return out, false, fmt.Errorf("decode dispute: %w", err)
		}
		meta = dp.Metadata
		if len(meta) == 0 && dp.Charge != nil {
			meta = dp.Charge.Metadata
		}
		out.Reason = string(dp.Reason)
		out.Kind = order.EventDisputeCreated
		if string(ev.Type) == typeDisputeClosed {
			out.Kind = order.EventDisputeClosed
			out.Outcome = disputeOutcome(dp.Status)
		}

	default:
		log.Printf("[payments] event=%s type=%s ignored", ev.ID, ev.Type)
		return out, false, nil
	}

	out.OrderID, out.ItemID = meta[MetaOrderID], meta[MetaItemID]
	if out.OrderID == "" && out.ItemID == "" {
		return out, false, apperr.Invalid("metadata", "event carries no order_id or order_item_id")
	}
	return out, true, nil
}

// disputeOutcome reads a closed dispute from the marketplace side: a dispute
// the seller won releases the funds, a lost one refunds the buyer.
func disputeOutcome(s stripe.DisputeStatus) order.Outcome {
	switch s {
	case stripe.DisputeStatusLost:
		return order.OutcomeRefund
	default:
		return order.OutcomeRelease
	}
}
