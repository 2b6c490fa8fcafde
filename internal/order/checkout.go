package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/fees"
	"github.com/MikeMC777/marketplace-engine/internal/listing"
	"github.com/MikeMC777/marketplace-engine/internal/pricing"
)

// Catalog is the read side of the listing store checkout needs.
type Catalog interface {
	GetByID(ctx context.Context, id string) (*listing.Listing, error)
}

type CartLine struct {
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
}

// Checkout prices a cart from current listing data and creates the order.
// Prices and fees are resolved server-side; nothing the client sends about
// price is used.
type Checkout struct {
	store   Store
	catalog Catalog
	plans   fees.EntitlementFunc
	prices  *pricing.Resolver
	Now     func() time.Time
}

func NewCheckout(store Store, catalog Catalog, plans fees.EntitlementFunc, prices *pricing.Resolver) *Checkout {
	if prices == nil {
		prices = pricing.NewResolver()
	}
	return &Checkout{store: store, catalog: catalog, plans: plans, prices: prices, Now: func() time.Time { return time.Now().UTC() }}
}

// Quote resolves each line's effective price and computes per-seller fees.
func (c *Checkout) Quote(ctx context.Context, buyerID string, lines []CartLine, extras map[string]fees.Extras) (fees.Quote, error) {
	if len(lines) == 0 {
		return fees.Quote{}, apperr.Invalid("lines", "cart is empty")
	}
	priced := make([]fees.Line, 0, len(lines))
	for i, ln := range lines {
		if ln.Quantity <= 0 {
			return fees.Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		l, err := c.catalog.GetByID(ctx, ln.ListingID)
		if err != nil {
			return fees.Quote{}, fmt.Errorf("listing %s: %w", ln.ListingID, err)
		}
		if l.Status != listing.StatusActive {
			return fees.Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].listing_id", i), "listing is not for sale")
		}
		if l.Stock > 0 && ln.Quantity > l.Stock {
			return fees.Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].quantity", i), "not enough stock")
		}
		if buyerID != "" && l.SellerID == buyerID {
			return fees.Quote{}, apperr.Invalid(fmt.Sprintf("lines[%d].listing_id", i), "cannot buy your own listing")
		}
		p := c.prices.Resolve(l.PricingInput())
		priced = append(priced, fees.Line{
			SellerID:  l.SellerID,
			ListingID: l.ID,
			Quantity:  ln.Quantity,
			UnitPrice: p.EffectivePrice,
		})
	}
	return fees.BuildQuote(ctx, priced, c.plans, extras)
}

// Place creates an order at pending_payment with prices and fees frozen from
// the quote. Each seller's fees are split across that seller's items.
func (c *Checkout) Place(ctx context.Context, buyerID string, lines []CartLine, extras map[string]fees.Extras) (*Order, []Item, fees.Quote, error) {
	if buyerID == "" {
		return nil, nil, fees.Quote{}, apperr.ErrUnauthorized
	}
	q, err := c.Quote(ctx, buyerID, lines, extras)
	if err != nil {
		return nil, nil, fees.Quote{}, err
	}

	now := c.Now()
	o := &Order{
		ID:        uuid.NewString(),
		BuyerID:   buyerID,
		Status:    StatusPendingPayment,
		Total:     q.BuyerTotal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var items []Item
	for _, sq := range q.Sellers {
		amounts := make([]decimal.Decimal, len(sq.Lines))
		for i, ln := range sq.Lines {
			amounts[i] = ln.Amount()
		}
		parts := fees.Allocate(sq.Breakdown, amounts)
		for i, ln := range sq.Lines {
			items = append(items, Item{
				ID:              uuid.NewString(),
				OrderID:         o.ID,
				SellerID:        sq.SellerID,
				ListingID:       ln.ListingID,
				Quantity:        ln.Quantity,
				PriceAtPurchase: ln.UnitPrice,
				Fees:            parts[i],
				Status:          StatusPendingPayment,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		}
	}
	if err := c.store.CreateOrder(ctx, o, items); err != nil {
		return nil, nil, fees.Quote{}, fmt.Errorf("create order: %w", err)
	}
	return o, items, q, nil
}
