// Package listing holds seller listings and the quota gate every new or
// re-activated listing passes through.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
	"github.com/MikeMC777/marketplace-engine/internal/ratelimit"
	"github.com/MikeMC777/marketplace-engine/internal/seller"
	"github.com/MikeMC777/marketplace-engine/internal/telemetry"
)

// Entitlements resolves the plan in force for a seller.
type Entitlements interface {
	Resolve(ctx context.Context, sellerID string, acct plan.AccountType) (plan.Entitlement, error)
}

// Admission is the result of a successful quota check.
type Admission struct {
	Seller      seller.Profile
	Entitlement plan.Entitlement
	Current     int
}

// Remaining is -1 for unlimited plans.
func (a Admission) Remaining() int {
	if a.Entitlement.Unlimited() {
		return plan.Unlimited
	}
	if r := a.Entitlement.MaxActiveListings - a.Current; r > 0 {
		return r
	}
	return 0
}

func (a Admission) Quota() QuotaResponse {
	return QuotaResponse{
		SellerID:    a.Seller.ID,
		Tier:        a.Entitlement.Tier,
		Current:     a.Current,
		Max:         a.Entitlement.MaxActiveListings,
		Remaining:   a.Remaining(),
		Unlimited:   a.Entitlement.Unlimited(),
		PlanVersion: a.Entitlement.Version,
	}
}

// Gate enforces the active-listing quota. Its own count check only produces
// a good error early; Store.CreateWithinQuota is the enforcement point.
type Gate struct {
	profiles seller.Repository
	plans    Entitlements
	store    Store

	// Throttle, when set, limits listing creation per seller.
	Throttle ratelimit.Limiter
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

func NewGate(profiles seller.Repository, plans Entitlements, store Store) *Gate {
	return &Gate{profiles: profiles, plans: plans, store: store, Now: time.Now}
}

func (g *Gate) owner(ctx context.Context, principal, sellerID string) (*seller.Profile, error) {
	if principal == "" {
		return nil, apperr.ErrUnauthorized
	}
	if sellerID != "" && principal != sellerID {
		return nil, apperr.ErrForbidden
	}
	p, err := g.profiles.GetByID(ctx, principal)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrMissingUsername
	}
	if err != nil {
		return nil, fmt.Errorf("seller profile: %w", err)
	}
	return p, nil
}

// Usage reports the seller's current count against their plan without
// rejecting when the quota is exhausted.
func (g *Gate) Usage(ctx context.Context, principal, sellerID string) (Admission, error) {
	p, err := g.owner(ctx, principal, sellerID)
	if err != nil {
		return Admission{}, err
	}
	return g.usage(ctx, *p)
}

func (g *Gate) usage(ctx context.Context, p seller.Profile) (Admission, error) {
	ent, err := g.plans.Resolve(ctx, p.ID, p.AccountType)
	if err != nil {
		return Admission{}, fmt.Errorf("resolve entitlement: %w", err)
	}
	n, err := g.store.CountActive(ctx, p.ID)
	if err != nil {
		return Admission{}, fmt.Errorf("count active listings: %w", err)
	}
	return Admission{Seller: p, Entitlement: ent, Current: n}, nil
}

// TryReserveListingSlot admits or rejects one more active listing for sellerID
// on behalf of principal.
func (g *Gate) TryReserveListingSlot(ctx context.Context, principal, sellerID string) (Admission, error) {
	p, err := g.owner(ctx, principal, sellerID)
	if err != nil {
		return Admission{}, err
	}
	if !p.HasUsername() {
		return Admission{}, apperr.ErrMissingUsername
	}
	a, err := g.usage(ctx, *p)
	if err != nil {
		return Admission{}, err
	}
	if a.Entitlement.Unlimited() || a.Current < a.Entitlement.MaxActiveListings {
		return a, nil
	}
	return Admission{}, g.reject(ctx, a.Entitlement, a.Current)
}

func (g *Gate) reject(ctx context.Context, ent plan.Entitlement, current int) error {
	g.Metrics.QuotaRejected(ctx, ent.Tier)
	log.Printf("[listing] quota reached tier=%s current=%d max=%d", ent.Key(), current, ent.MaxActiveListings)
	return &apperr.LimitError{Current: current, Max: ent.MaxActiveListings, UpgradeHint: upgradeHint(ent)}
}

func upgradeHint(ent plan.Entitlement) string {
	return fmt.Sprintf("the %s %s plan allows %d active listings; upgrade your plan to list more",
		ent.AccountType, ent.Tier, ent.MaxActiveListings)
}

// Create stores a new listing for principal. Active listings pass the quota
// gate and are inserted under the store's atomic guard; drafts skip the quota.
func (g *Gate) Create(ctx context.Context, principal string, l *Listing) error {
	if l.SellerID == "" {
		l.SellerID = principal
	}
	p, err := g.owner(ctx, principal, l.SellerID)
	if err != nil {
		return err
	}
	if !p.HasUsername() {
		return apperr.ErrMissingUsername
	}
	if g.Throttle != nil {
		ok, err := g.Throttle.Allow(ctx, "listing-create:"+principal, 1)
		if err != nil {
			log.Printf("[listing] throttle unavailable, continuing: %v", err)
		} else if !ok {
			return apperr.ErrRateLimited
		}
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	if err := l.Validate(); err != nil {
		return err
	}

	now := g.Now()
	l.ID = uuid.NewString()
	l.CreatedAt, l.UpdatedAt = now, now

	if l.Status != StatusActive {
		return g.store.CreateWithinQuota(ctx, l, plan.Unlimited)
	}
	a, err := g.TryReserveListingSlot(ctx, principal, l.SellerID)
	if err != nil {
		return err
	}
	err = g.store.CreateWithinQuota(ctx, l, a.Entitlement.MaxActiveListings)
	var le *apperr.LimitError
	if errors.As(err, &le) {
		// lost a race with a concurrent create
		return g.reject(ctx, a.Entitlement, le.Current)
	}
	return err
}

// SetStatus moves a listing between statuses. Re-activation is quota-checked
// the same way a create is.
func (g *Gate) SetStatus(ctx context.Context, principal, id string, to Status) (*Listing, error) {
	if !to.Valid() {
		return nil, apperr.Invalid("status", "unknown status "+string(to))
	}
	l, err := g.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := g.owner(ctx, principal, l.SellerID); err != nil {
		return nil, err
	}
	if l.Status == to {
		return l, nil
	}
	var a Admission
	max := plan.Unlimited
	if to == StatusActive {
		if a, err = g.TryReserveListingSlot(ctx, principal, l.SellerID); err != nil {
			return nil, err
		}
		max = a.Entitlement.MaxActiveListings
	}
	err = g.store.SetStatus(ctx, id, to, max)
	var le *apperr.LimitError
	if errors.As(err, &le) {
		return nil, g.reject(ctx, a.Entitlement, le.Current)
	}
	if err != nil {
		return nil, err
	}
	l.Status = to
	return l, nil
}

// UpdateSale applies a sale change to a listing owned by principal.
func UpdateSale(ctx context.Context, store Store, principal, id string, ch SaleChange) (*Listing, error) {
	if principal == "" {
		return nil, apperr.ErrUnauthorized
	}
	l, err := store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerID != principal {
		return nil, apperr.ErrForbidden
	}
	if err := l.ApplySale(ch); err != nil {
		return nil, err
	}
	if err := store.UpdateSale(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}
