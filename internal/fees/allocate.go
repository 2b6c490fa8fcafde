package fees

import "github.com/shopspring/decimal"

// Allocate splits a seller group's Breakdown across its lines in proportion to
// each line's amount. Every component is rounded to cents and the last line
// takes the rounding remainder, so the parts always sum to b exactly.
func Allocate(b Breakdown, amounts []decimal.Decimal) []Breakdown {
	if len(amounts) == 0 {
		return nil
	}
	out := make([]Breakdown, len(amounts))
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}

	share := func(v decimal.Decimal, i int) decimal.Decimal {
		if total.IsZero() {
			if i == 0 {
				return v
			}
			return decimal.Zero
		}
		return v.Mul(amounts[i]).Div(total).Round(Cents)
	}

	var fee, commission, shipping, tax decimal.Decimal
	for i := range amounts {
		p := Breakdown{
			Subtotal:    amounts[i].Round(Cents),
			AccountType: b.AccountType,
			Tier:        b.Tier,
			PlanVersion: b.PlanVersion,
		}
		if i == len(amounts)-1 {
			p.BuyerProtectionFee = b.BuyerProtectionFee.Sub(fee)
			p.SellerCommission = b.SellerCommission.Sub(commission)
			p.Shipping = b.Shipping.Sub(shipping)
			p.Tax = b.Tax.Sub(tax)
		} else {
			p.BuyerProtectionFee = share(b.BuyerProtectionFee, i)
			p.SellerCommission = share(b.SellerCommission, i)
			p.Shipping = share(b.Shipping, i)
			p.Tax = share(b.Tax, i)
		}
		fee = fee.Add(p.BuyerProtectionFee)
		commission = commission.Add(p.SellerCommission)
		shipping = shipping.Add(p.Shipping)
		tax = tax.Add(p.Tax)

		p.BuyerTotal = p.Subtotal.Add(p.Shipping).Add(p.Tax).Add(p.BuyerProtectionFee)
		p.SellerNet = p.Subtotal.Sub(p.SellerCommission)
		out[i] = p
	}
	return out
}
