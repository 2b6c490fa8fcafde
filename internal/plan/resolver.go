package plan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

// Store is the durable source of subscriptions and plan rows.
type Store interface {
	// ActiveSubscription returns nil, nil when the seller has no subscription in force at now.
	ActiveSubscription(ctx context.Context, sellerID string, now time.Time) (*Subscription, error)
	// Plan returns apperr.ErrNotFound when no row exists for k.
	Plan(ctx context.Context, k Key) (*Entitlement, error)
}

// Resolver reads a seller's entitlement through to the store on every call.
// Nothing is cached: a quota check or a checkout must see the plan in force now.
type Resolver struct {
	store        Store
	defaultLimit int
	fallback     *Table
	now          func() time.Time
}

// NewResolver builds a resolver. fallback supplies the free-tier row when the
// store has none; its listing limit is replaced by defaultLimit.
func NewResolver(store Store, fallback *Table, defaultLimit int) *Resolver {
	if fallback == nil {
		fallback = DefaultTable()
	}
	return &Resolver{store: store, defaultLimit: defaultLimit, fallback: fallback, now: time.Now}
}

// WithClock overrides the clock used to decide whether a subscription is in force.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func (r *Resolver) Resolve(ctx context.Context, sellerID string, acct AccountType) (Entitlement, error) {
	if !acct.Valid() {
		return Entitlement{}, apperr.Invalid("account_type", fmt.Sprintf("unknown account type %q", acct))
	}
	tier := FreeTier
	sub, err := r.store.ActiveSubscription(ctx, sellerID, r.now())
	if err != nil {
		return Entitlement{}, fmt.Errorf("subscription lookup: %w", err)
	}
	if sub != nil && sub.Tier != "" {
		tier = sub.Tier
	}

	e, err := r.store.Plan(ctx, Key{AccountType: acct, Tier: tier})
	switch {
	case err == nil:
		return *e, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return Entitlement{}, fmt.Errorf("plan lookup: %w", err)
	}

	if tier != FreeTier {
		log.Printf("[plan] seller=%s subscribed tier %s/%s has no plan row, using free tier", sellerID, acct, tier)
		e, err = r.store.Plan(ctx, Key{AccountType: acct, Tier: FreeTier})
		if err == nil {
			return *e, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return Entitlement{}, fmt.Errorf("plan lookup: %w", err)
		}
	}
	return r.defaultFree(acct), nil
}

func (r *Resolver) defaultFree(acct AccountType) Entitlement {
	e, ok := r.fallback.Lookup(Key{AccountType: acct, Tier: FreeTier})
	if !ok {
		e = Entitlement{AccountType: acct, Tier: FreeTier, Version: r.fallback.Version.String()}
	}
	if r.defaultLimit != 0 {
		e.MaxActiveListings = r.defaultLimit
	}
	return e
}

// TableStore serves plan rows from an in-memory table and has no subscriptions.
// It backs the CLI and tests; services read plans from Postgres.
type TableStore struct {
	Table *Table
	Subs  map[string]Subscription
}

func (s TableStore) ActiveSubscription(_ context.Context, sellerID string, now time.Time) (*Subscription, error) {
	sub, ok := s.Subs[sellerID]
	if !ok || !sub.ActiveAt(now) {
		return nil, nil
	}
	return &sub, nil
}

func (s TableStore) Plan(_ context.Context, k Key) (*Entitlement, error) {
	e, ok := s.Table.Lookup(k)
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &e, nil
}
