// Package pricing derives the price a buyer sees for a listing.
//
// Listings carry both an explicit sale flag (SaleActive, SalePercent, SaleEndsAt)
// and a legacy "was" price written before the flag existed. Resolve applies a
// fixed precedence over them:
//
//  1. explicit sale: SaleActive, SalePercent > 0 and not expired;
//  2. legacy sale: no explicit flag, OriginalPrice above Price;
//  3. not on sale.
package pricing

import (
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Input is the subset of a listing that pricing depends on.
type Input struct {
	ListingID     string
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	SaleActive    bool
	SalePercent   int
	// SaleEndsAt is stored as text by the listing editor; it is parsed here.
	SaleEndsAt *string
}

type Result struct {
	EffectivePrice  decimal.Decimal  `json:"effective_price"`
	OriginalPrice   *decimal.Decimal `json:"original_price"`
	DiscountPercent int              `json:"discount_percent"`
	IsOnSale        bool             `json:"is_on_sale"`
}

type Resolver struct {
	// Now is the server clock. Client-supplied times are never used.
	Now func() time.Time
}

func NewResolver() *Resolver { return &Resolver{Now: time.Now} }

func (r *Resolver) Resolve(in Input) Result {
	now := time.Now()
	if r != nil && r.Now != nil {
		now = r.Now()
	}
	return Resolve(in, now)
}

// Resolve is the clock-explicit form of Resolver.Resolve.
func Resolve(in Input, now time.Time) Result {
	notOnSale := Result{EffectivePrice: in.Price, DiscountPercent: 0}

	if in.SaleActive && in.SalePercent > 0 && !expired(in, now) {
		res := Result{EffectivePrice: in.Price, IsOnSale: true}
		if orig, ok := validOriginal(in); ok {
			res.OriginalPrice = &orig
			res.DiscountPercent = DiscountPercent(orig, in.Price)
		} else {
			res.DiscountPercent = clampPercent(in.SalePercent)
		}
		if res.DiscountPercent == 0 {
			// price and original round to the same whole percent; nothing to advertise
			return notOnSale
		}
		return res
	}

	if !in.SaleActive {
		if orig, ok := validOriginal(in); ok {
			d := DiscountPercent(orig, in.Price)
			if d == 0 {
				return notOnSale
			}
			return Result{EffectivePrice: in.Price, OriginalPrice: &orig, DiscountPercent: d, IsOnSale: true}
		}
	}
	return notOnSale
}

func validOriginal(in Input) (decimal.Decimal, bool) {
	if in.OriginalPrice == nil || !in.OriginalPrice.GreaterThan(in.Price) {
		return decimal.Zero, false
	}
	return *in.OriginalPrice, true
}

var hundred = decimal.NewFromInt(100)

// DiscountPercent is round((original - price) / original * 100), clamped to [0, 100].
func DiscountPercent(original, price decimal.Decimal) int {
	if !original.IsPositive() {
		return 0
	}
	p := original.Sub(price).Div(original).Mul(hundred).Round(0).IntPart()
	return clampPercent(int(p))
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func expired(in Input, now time.Time) bool {
	if in.SaleEndsAt == nil || strings.TrimSpace(*in.SaleEndsAt) == "" {
		return false
	}
	ends, ok := ParseSaleEnd(*in.SaleEndsAt)
	if !ok {
		log.Printf("[pricing] listing=%s malformed sale_ends_at=%q, treating sale as open-ended", in.ListingID, *in.SaleEndsAt)
		return false
	}
	return !now.Before(ends)
}

var saleEndLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05.999999Z07",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseSaleEnd accepts the timestamp shapes the listing editor and Postgres
// text casts produce. Zone-less values are read as UTC.
func ParseSaleEnd(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range saleEndLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
