package plan

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

type PGStore struct{ db *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{db: db} }

func (s *PGStore) ActiveSubscription(ctx context.Context, sellerID string, now time.Time) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sub Subscription
	var expires *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT id, seller_id, plan_type, status, expires_at
		FROM subscriptions
		WHERE seller_id = $1
		  AND (
		    (status = 'active' AND (expires_at IS NULL OR expires_at > $2))
		    OR (status = 'cancelled' AND expires_at > $2)
		  )
		ORDER BY created_at DESC
		LIMIT 1
	`, sellerID, now).Scan(&sub.ID, &sub.SellerID, &sub.Tier, &sub.Status, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires != nil {
		sub.ExpiresAt = *expires
	}
	return &sub, nil
}

func (s *PGStore) Plan(ctx context.Context, k Key) (*Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		e                               Entitlement
		acct                            string
		sellerPct, bpPct, bpFixed, bpCap string
	)
	err := s.db.QueryRow(ctx, `
		SELECT account_type, tier, version, max_listings,
		       seller_fee_percent::text, buyer_protection_percent::text,
		       buyer_protection_fixed::text, buyer_protection_cap::text
		FROM subscription_plans
		WHERE account_type = $1 AND tier = $2 AND is_active
	`, string(k.AccountType), k.Tier).Scan(&acct, &e.Tier, &e.Version, &e.MaxActiveListings,
		&sellerPct, &bpPct, &bpFixed, &bpCap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.AccountType = AccountType(acct)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.SellerFeePercent, sellerPct},
		{&e.BuyerProtectionPercent, bpPct},
		{&e.BuyerProtectionFixed, bpFixed},
		{&e.BuyerProtectionCap, bpCap},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// Seed upserts every row of t. Rows of an older version are replaced; plan rows
// not present in t are left untouched.
func (s *PGStore) Seed(ctx context.Context, t *Table) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range t.All() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO subscription_plans (account_type, tier, version, max_listings,
			  seller_fee_percent, buyer_protection_percent, buyer_protection_fixed, buyer_protection_cap, is_active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,TRUE)
			ON CONFLICT (account_type, tier) DO UPDATE SET
			  version = EXCLUDED.version,
			  max_listings = EXCLUDED.max_listings,
			  seller_fee_percent = EXCLUDED.seller_fee_percent,
			  buyer_protection_percent = EXCLUDED.buyer_protection_percent,
			  buyer_protection_fixed = EXCLUDED.buyer_protection_fixed,
			  buyer_protection_cap = EXCLUDED.buyer_protection_cap,
			  is_active = TRUE
		`, string(e.AccountType), e.Tier, e.Version, e.MaxActiveListings,
			e.SellerFeePercent.String(), e.BuyerProtectionPercent.String(),
			e.BuyerProtectionFixed.String(), e.BuyerProtectionCap.String()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
