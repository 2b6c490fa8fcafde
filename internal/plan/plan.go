// Package plan resolves the limits and fee rates attached to a seller's account tier.
package plan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

type AccountType string

const (
	Personal AccountType = "personal"
	Business AccountType = "business"
)

func (a AccountType) Valid() bool { return a == Personal || a == Business }

// FreeTier is used when a seller has no active subscription.
const FreeTier = "free"

// Unlimited is the MaxActiveListings value meaning "no quota".
const Unlimited = -1

// Key identifies one row of the plan table.
type Key struct {
	AccountType AccountType
	Tier        string
}

func (k Key) String() string { return string(k.AccountType) + "/" + k.Tier }

// Entitlement is the plan-derived quota and fee configuration for a seller.
// Percentages are in percent units: 4 means 4%.
type Entitlement struct {
	AccountType            AccountType     `json:"account_type"`
	Tier                   string          `json:"tier"`
	Version                string          `json:"version"`
	MaxActiveListings      int             `json:"max_active_listings"`
	SellerFeePercent       decimal.Decimal `json:"seller_fee_percent"`
	BuyerProtectionPercent decimal.Decimal `json:"buyer_protection_percent"`
	BuyerProtectionFixed   decimal.Decimal `json:"buyer_protection_fixed"`
	BuyerProtectionCap     decimal.Decimal `json:"buyer_protection_cap"`
}

func (e Entitlement) Key() Key { return Key{AccountType: e.AccountType, Tier: e.Tier} }

func (e Entitlement) Unlimited() bool { return e.MaxActiveListings == Unlimited }

var hundred = decimal.NewFromInt(100)

func (e Entitlement) Validate() error {
	if !e.AccountType.Valid() {
		return apperr.Invalid("account_type", fmt.Sprintf("unknown account type %q", e.AccountType))
	}
	if e.Tier == "" {
		return apperr.Invalid("tier", "required")
	}
	if e.MaxActiveListings < Unlimited {
		return apperr.Invalid("max_active_listings", "must be -1 (unlimited) or >= 0")
	}
	for name, pct := range map[string]decimal.Decimal{
		"seller_fee_percent":       e.SellerFeePercent,
		"buyer_protection_percent": e.BuyerProtectionPercent,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return apperr.Invalid(name, "must be between 0 and 100")
		}
	}
	if e.BuyerProtectionFixed.IsNegative() {
		return apperr.Invalid("buyer_protection_fixed", "must not be negative")
	}
	if e.BuyerProtectionCap.IsNegative() {
		return apperr.Invalid("buyer_protection_cap", "must not be negative")
	}
	if e.AccountType == Personal && !e.SellerFeePercent.IsZero() {
		return apperr.Invalid("seller_fee_percent", "personal plans carry no seller commission")
	}
	return nil
}

// Subscription is a seller's paid plan. A cancelled subscription keeps its tier
// until ExpiresAt.
type Subscription struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"seller_id"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Subscription) ActiveAt(now time.Time) bool {
	switch s.Status {
	case "active":
		return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
	case "cancelled":
		return now.Before(s.ExpiresAt)
	}
	return false
}
