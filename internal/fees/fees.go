// Package fees computes the buyer protection fee and seller commission for an
// order. It evaluates the plan parameters it is given and holds no rates of its own.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
)

// Extras are the non-item charges added to the buyer total.
type Extras struct {
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
}

// Breakdown is persisted verbatim on an order item once paid and never recomputed.
type Breakdown struct {
	Subtotal           decimal.Decimal  `json:"subtotal"`
	Shipping           decimal.Decimal  `json:"shipping"`
	Tax                decimal.Decimal  `json:"tax"`
	BuyerProtectionFee decimal.Decimal  `json:"buyer_protection_fee"`
	SellerCommission   decimal.Decimal  `json:"seller_commission"`
	BuyerTotal         decimal.Decimal  `json:"buyer_total"`
	SellerNet          decimal.Decimal  `json:"seller_net"`
	AccountType        plan.AccountType `json:"account_type"`
	Tier               string           `json:"tier"`
	PlanVersion        string           `json:"plan_version"`
}

// Cents is the currency precision amounts are rounded to.
const Cents = 2

var hundred = decimal.NewFromInt(100)

// ComputeFees evaluates the fee formulas for one seller's subtotal:
//
//	buyerProtectionFee = min(subtotal*pct/100 + fixed, cap), 0 for an empty subtotal
//	sellerCommission   = subtotal*sellerFeePercent/100, 0 for personal accounts
//	buyerTotal         = subtotal + shipping + tax + buyerProtectionFee
//	sellerNet          = subtotal - sellerCommission
func ComputeFees(subtotal decimal.Decimal, extras Extras, ent plan.Entitlement) (Breakdown, error) {
	if subtotal.IsNegative() {
		return Breakdown{}, apperr.Invalid("subtotal", "must not be negative")
	}
	if extras.Shipping.IsNegative() {
		return Breakdown{}, apperr.Invalid("shipping", "must not be negative")
	}
	if extras.Tax.IsNegative() {
		return Breakdown{}, apperr.Invalid("tax", "must not be negative")
	}
	if err := ent.Validate(); err != nil {
		return Breakdown{}, err
	}

	b := Breakdown{
		Subtotal:           subtotal.Round(Cents),
		Shipping:           extras.Shipping.Round(Cents),
		Tax:                extras.Tax.Round(Cents),
		BuyerProtectionFee: decimal.Zero,
		SellerCommission:   decimal.Zero,
		AccountType:        ent.AccountType,
		Tier:               ent.Tier,
		PlanVersion:        ent.Version,
	}

	if b.Subtotal.IsPositive() {
		fee := b.Subtotal.Mul(ent.BuyerProtectionPercent).Div(hundred).Add(ent.BuyerProtectionFixed)
		b.BuyerProtectionFee = decimal.Min(fee, ent.BuyerProtectionCap).Round(Cents)

		if ent.AccountType != plan.Personal {
			b.SellerCommission = b.Subtotal.Mul(ent.SellerFeePercent).Div(hundred).Round(Cents)
		}
	}

	b.BuyerTotal = b.Subtotal.Add(b.Shipping).Add(b.Tax).Add(b.BuyerProtectionFee)
	b.SellerNet = b.Subtotal.Sub(b.SellerCommission)
	return b, nil
}
