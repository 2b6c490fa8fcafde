package fees

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
)

// Line is one cart line at the price the buyer was shown.
type Line struct {
	SellerID  string          `json:"seller_id"`
	ListingID string          `json:"listing_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l Line) Amount() decimal.Decimal { return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))) }

type SellerQuote struct {
	SellerID  string    `json:"seller_id"`
	Lines     []Line    `json:"lines"`
	Breakdown Breakdown `json:"breakdown"`
}

// Quote is the checkout total for a cart spanning one or more sellers.
type Quote struct {
	Sellers            []SellerQuote   `json:"sellers"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	Shipping           decimal.Decimal `json:"shipping"`
	Tax                decimal.Decimal `json:"tax"`
	BuyerProtectionFee decimal.Decimal `json:"buyer_protection_fee"`
	BuyerTotal         decimal.Decimal `json:"buyer_total"`
}

// EntitlementFunc resolves a seller's plan at quote time.
type EntitlementFunc func(ctx context.Context, sellerID string) (plan.Entitlement, error)

// BuildQuote groups lines by seller and computes one Breakdown per seller
// group with that seller's entitlement. extras is keyed by seller id.
func BuildQuote(ctx context.Context, lines []Line, lookup EntitlementFunc, extras map[string]Extras) (Quote, error) {
	if len(lines) == 0 {
		return Quote{}, apperr.Invalid("lines", "cart is empty")
	}
	var order []string
	groups := make(map[string][]Line)
	for i, l := range lines {
		if l.SellerID == "" {
			return Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].seller_id", i), "required")
		}
		if l.Quantity <= 0 {
			return Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if l.UnitPrice.IsNegative() {
			return Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].unit_price", i), "must not be negative")
		}
		if _, seen := groups[l.SellerID]; !seen {
			order = append(order, l.SellerID)
		}
		groups[l.SellerID] = append(groups[l.SellerID], l)
	}

	q := Quote{
		Subtotal:           decimal.Zero,
		Shipping:           decimal.Zero,
		Tax:                decimal.Zero,
		BuyerProtectionFee: decimal.Zero,
		BuyerTotal:         decimal.Zero,
	}
	for _, sellerID := range order {
		ent, err := lookup(ctx, sellerID)
		if err != nil {
			return Quote{}, fmt.Errorf("entitlement for seller %s: %w", sellerID, err)
		}
		sub := decimal.Zero
		for _, l := range groups[sellerID] {
			sub = sub.Add(l.Amount())
		}
		b, err := ComputeFees(sub, extras[sellerID], ent)
		if err != nil {
			return Quote{}, fmt.Errorf("seller %s: %w", sellerID, err)
		}
		q.Sellers = append(q.Sellers, SellerQuote{SellerID: sellerID, Lines: groups[sellerID], Breakdown: b})
		q.Subtotal = q.Subtotal.Add(b.Subtotal)
		q.Shipping = q.Shipping.Add(b.Shipping)
		q.Tax = q.Tax.Add(b.Tax)
		q.BuyerProtectionFee = q.BuyerProtectionFee.Add(b.BuyerProtectionFee)
		q.BuyerTotal = q.BuyerTotal.Add(b.BuyerTotal)
	}
	return q, nil
}
