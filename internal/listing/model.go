package listing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/pricing"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDraft    Status = "draft"
	StatusSold     Status = "sold"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDraft, StatusSold, StatusArchived:
		return true
	}
	return false
}

// Listing is a sellable item owned by a seller. Only active listings count
// against the seller's quota.
type Listing struct {
	ID            string           `json:"id"`
	SellerID      string           `json:"seller_id"`
	Title         string           `json:"title"`
	Price         decimal.Decimal  `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	SaleActive    bool             `json:"sale_active"`
	SalePercent   int              `json:"sale_percent"`
	SaleEndsAt    *string          `json:"sale_ends_at,omitempty"`
	Status        Status           `json:"status"`
	Stock         int              `json:"stock"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (l Listing) PricingInput() pricing.Input {
	return pricing.Input{
		ListingID:     l.ID,
		Price:         l.Price,
		OriginalPrice: l.OriginalPrice,
		SaleActive:    l.SaleActive,
		SalePercent:   l.SalePercent,
		SaleEndsAt:    l.SaleEndsAt,
	}
}

func (l Listing) Validate() error {
	if l.SellerID == "" {
		return apperr.Invalid("seller_id", "required")
	}
	if strings.TrimSpace(l.Title) == "" {
		return apperr.Invalid("title", "required")
	}
	if l.Price.IsNegative() {
		return apperr.Invalid("price", "must not be negative")
	}
	if l.Stock < 0 {
		return apperr.Invalid("stock", "must not be negative")
	}
	if !l.Status.Valid() {
		return apperr.Invalid("status", "unknown status "+string(l.Status))
	}
	if l.SaleActive {
		if l.SalePercent <= 0 || l.SalePercent > 100 {
			return apperr.Invalid("sale_percent", "must be between 1 and 100 while a sale is active")
		}
		if l.OriginalPrice != nil && !l.OriginalPrice.GreaterThan(l.Price) {
			return apperr.Invalid("original_price", "must exceed price while a sale is active")
		}
	}
	return nil
}

// SaleChange is a seller's request to start or stop a sale.
type SaleChange struct {
	Active        bool             `json:"active"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	Percent       int              `json:"percent"`
	EndsAt        *string          `json:"ends_at,omitempty"`
}

// ApplySale turns a sale on or off. Ending a sale clears SaleActive,
// SalePercent and SaleEndsAt together, and drops the was-price so the legacy
// pricing path cannot advertise it again. When an original price is known the
// stored percent is recomputed from it rather than taken from the request.
func (l *Listing) ApplySale(ch SaleChange) error {
	if !ch.Active {
		l.SaleActive = false
		l.SalePercent = 0
		l.SaleEndsAt = nil
		l.OriginalPrice = nil
		return nil
	}

	orig := ch.OriginalPrice
	if orig == nil {
		orig = l.OriginalPrice
	}
	if orig != nil && !orig.GreaterThan(l.Price) {
		return apperr.Invalid("original_price", "must exceed price")
	}
	percent := ch.Percent
	if orig != nil {
		percent = pricing.DiscountPercent(*orig, l.Price)
	}
	if percent <= 0 || percent > 100 {
		return apperr.Invalid("percent", "must be between 1 and 100")
	}
	var ends *string
	if ch.EndsAt != nil && strings.TrimSpace(*ch.EndsAt) != "" {
		if _, ok := pricing.ParseSaleEnd(*ch.EndsAt); !ok {
			return apperr.Invalid("ends_at", "unrecognized timestamp")
		}
		e := strings.TrimSpace(*ch.EndsAt)
		ends = &e
	}

	l.OriginalPrice = orig
	l.SaleActive = true
	l.SalePercent = percent
	l.SaleEndsAt = ends
	return nil
}

// View is a listing together with the price a buyer sees right now.
type View struct {
	Listing
	Pricing pricing.Result `json:"pricing"`
}

// CreateListingRequest payload of creation.
// swagger:model CreateListingRequest
type CreateListingRequest struct {
	Title         string `json:"title"          example:"Mechanical keyboard"`
	Price         string `json:"price"          example:"80.00"`
	OriginalPrice string `json:"original_price" example:"100.00"`
	Stock         int    `json:"stock"          example:"1"`
	Draft         bool   `json:"draft"`
}

// SaleRequest payload of PUT /listings/:id/sale.
// swagger:model SaleRequest
type SaleRequest struct {
	Active        bool   `json:"active"`
	OriginalPrice string `json:"original_price" example:"100.00"`
	Percent       int    `json:"percent"        example:"20"`
	EndsAt        string `json:"ends_at"        example:"2026-12-31T23:59:59Z"`
}

// QuotaResponse is a seller's listing usage.
// swagger:model QuotaResponse
type QuotaResponse struct {
	SellerID    string `json:"seller_id"`
	Tier        string `json:"tier"`
	Current     int    `json:"current_listings"`
	Max         int    `json:"max_listings"`
	Remaining   int    `json:"remaining"`
	Unlimited   bool   `json:"unlimited"`
	PlanVersion string `json:"plan_version"`
}

// ListResponse is a page of a seller's listings.
// swagger:model
type ListResponse struct {
	// status filter applied
	Status Status `json:"status,omitempty"`
	// limit applied
	Limit int `json:"limit"`
	// offset applied
	Offset int    `json:"offset"`
	Items  []View `json:"items"`
}
