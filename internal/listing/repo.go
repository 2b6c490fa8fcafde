package listing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
)

type Query struct {
	Status Status
	Limit  int
	Offset int
}

// page returns the limit and offset to use: 20 rows by default, 100 at most.
func (q Query) page() (limit, offset int) {
	limit, offset = q.Limit, q.Offset
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Store persists listings. CreateWithinQuota and SetStatus must enforce max
// atomically: concurrent callers for the same seller can never jointly push
// the active count past max. plan.Unlimited disables the check.
type Store interface {
	CountActive(ctx context.Context, sellerID string) (int, error)
	CreateWithinQuota(ctx context.Context, l *Listing, max int) error
	GetByID(ctx context.Context, id string) (*Listing, error)
	ListBySeller(ctx context.Context, sellerID string, q Query) ([]Listing, error)
	UpdateSale(ctx context.Context, l *Listing) error
	SetStatus(ctx context.Context, id string, to Status, max int) error
}

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct{ db DB }

func NewPGStore(db DB) *PGStore { return &PGStore{db: db} }

const listingColumns = `id, seller_id, title, price::text, original_price::text, sale_active,
	sale_percent, sale_ends_at::text, status, stock, created_at, updated_at`

func scanListing(row pgx.Row) (*Listing, error) {
	var (
		l      Listing
		price  string
		orig   *string
		status string
	)
	if err := row.Scan(&l.ID, &l.SellerID, &l.Title, &price, &orig, &l.SaleActive,
		&l.SalePercent, &l.SaleEndsAt, &status, &l.Stock, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	l.Price = p
	if orig != nil {
		o, err := decimal.NewFromString(*orig)
		if err != nil {
			return nil, err
		}
		l.OriginalPrice = &o
	}
	l.Status = Status(status)
	return &l, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (r *PGStore) CountActive(ctx context.Context, sellerID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM listings WHERE seller_id=$1 AND status='active'`, sellerID).Scan(&n)
	return n, err
}

// lockSeller serialises quota-sensitive writes for one seller until tx ends.
func lockSeller(ctx context.Context, tx pgx.Tx, sellerID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sellerID)
	return err
}

func checkQuota(ctx context.Context, tx pgx.Tx, sellerID string, max int) error {
	if max == plan.Unlimited {
		return nil
	}
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM listings WHERE seller_id=$1 AND status='active'`, sellerID).Scan(&n); err != nil {
		return err
	}
	if n >= max {
		return &apperr.LimitError{Current: n, Max: max}
	}
	return nil
}

func (r *PGStore) CreateWithinQuota(ctx context.Context, l *Listing, max int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if l.Status == StatusActive {
		if err := lockSeller(ctx, tx, l.SellerID); err != nil {
			return err
		}
		if err := checkQuota(ctx, tx, l.SellerID, max); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO listings (id, seller_id, title, price, original_price, sale_active, sale_percent,
		                      sale_ends_at, status, stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6,$7,$8::timestamptz,$9,$10,$11,$12)
	`, l.ID, l.SellerID, l.Title, l.Price.String(), decimalArg(l.OriginalPrice), l.SaleActive,
		l.SalePercent, l.SaleEndsAt, string(l.Status), l.Stock, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PGStore) GetByID(ctx context.Context, id string) (*Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	l, err := scanListing(r.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return l, err
}

func (r *PGStore) ListBySeller(ctx context.Context, sellerID string, q Query) ([]Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	limit, offset := q.page()
	rows, err := r.db.Query(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE seller_id=$1 AND ($2 = '' OR status=$2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, sellerID, string(q.Status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *PGStore) UpdateSale(ctx context.Context, l *Listing) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd, err := r.db.Exec(ctx, `
		UPDATE listings
		SET original_price = $2::numeric,
		    sale_active = $3,
		    sale_percent = $4,
		    sale_ends_at = $5::timestamptz,
		    updated_at = NOW()
		WHERE id = $1
	`, l.ID, decimalArg(l.OriginalPrice), l.SaleActive, l.SalePercent, l.SaleEndsAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *PGStore) SetStatus(ctx context.Context, id string, to Status, max int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var sellerID, from string
	err = tx.QueryRow(ctx, `SELECT seller_id, status FROM listings WHERE id=$1`, id).Scan(&sellerID, &from)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return err
	}
	if to == StatusActive && Status(from) != StatusActive {
		if err := lockSeller(ctx, tx, sellerID); err != nil {
			return err
		}
		if err := checkQuota(ctx, tx, sellerID, max); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE listings SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(to)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
