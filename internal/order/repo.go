package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type PGStore struct {
	pool DB
	q    querier
}

func NewPGStore(db DB) *PGStore { return &PGStore{pool: db, q: db} }

func (r *PGStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if r.pool == nil {
		// already inside a transaction
		return fn(r)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PGStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PGStore) CreateOrder(ctx context.Context, o *Order, items []Item) error {
	return r.WithTx(ctx, func(s Store) error {
		tx := s.(*PGStore).q
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, buyer_id, status, total, created_at, updated_at)
			VALUES ($1,$2,$3,$4::numeric,$5,$5)
		`, o.ID, o.BuyerID, string(o.Status), o.Total.String(), o.CreatedAt); err != nil {
			return err
		}
		for _, it := range items {
			fj, err := json.Marshal(it.Fees)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_items (id, order_id, seller_id, listing_id, quantity, price_at_purchase,
				                         fees, status, version, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10,$10)
			`, it.ID, o.ID, it.SellerID, it.ListingID, it.Quantity, it.PriceAtPurchase.String(),
				fj, string(it.Status), it.Version, it.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PGStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		o      Order
		status string
		total  string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, buyer_id, status, total::text, created_at, updated_at
		FROM orders WHERE id=$1
	`, id).Scan(&o.ID, &o.BuyerID, &status, &total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("order %s total: %w", id, err)
	}
	return &o, nil
}

func (r *PGStore) SetOrderStatus(ctx context.Context, id string, status Status) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

const itemColumns = `id, order_id, seller_id, listing_id, quantity, price_at_purchase::text, fees, status,
	COALESCE(tracking_number, ''), COALESCE(carrier, ''), paid_at, shipped_at, delivered_at,
	confirmed_at, dispute_opened_at, version, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var (
		it     Item
		price  string
		fj     []byte
		status string
	)
	if err := row.Scan(&it.ID, &it.OrderID, &it.SellerID, &it.ListingID, &it.Quantity, &price, &fj, &status,
		&it.TrackingNumber, &it.Carrier, &it.PaidAt, &it.ShippedAt, &it.DeliveredAt,
		&it.ConfirmedAt, &it.DisputeOpenedAt, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	it.PriceAtPurchase = p
	if err := json.Unmarshal(fj, &it.Fees); err != nil {
		return nil, fmt.Errorf("item %s fees: %w", it.ID, err)
	}
	it.Status = Status(status)
	return &it, nil
}

func (r *PGStore) GetItem(ctx context.Context, id string) (*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	it, err := scanItem(r.q.QueryRow(ctx, `SELECT `+itemColumns+` FROM order_items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return it, err
}

func (r *PGStore) ItemsByOrder(ctx context.Context, orderID string) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (r *PGStore) UpdateItem(ctx context.Context, it *Item, expected int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE order_items
		SET status = $3,
		    tracking_number = NULLIF($4, ''),
		    carrier = NULLIF($5, ''),
		    paid_at = $6,
		    shipped_at = $7,
		    delivered_at = $8,
		    confirmed_at = $9,
		    dispute_opened_at = $10,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, it.ID, expected, string(it.Status), it.TrackingNumber, it.Carrier,
		it.PaidAt, it.ShippedAt, it.DeliveredAt, it.ConfirmedAt, it.DisputeOpenedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s version %d: %w", it.ID, expected, apperr.ErrStaleWrite)
	}
	it.Version = expected + 1
	return nil
}

const disputeColumns = `id, item_id, status, COALESCE(outcome, ''), refund_amount::text, COALESCE(reason, ''),
	opened_by, opened_at, closed_at`

func scanDispute(row pgx.Row) (*Dispute, error) {
	var (
		d                   Dispute
		status, outcome, by string
		refund              string
	)
	if err := row.Scan(&d.ID, &d.ItemID, &status, &outcome, &refund, &d.Reason, &by, &d.OpenedAt, &d.ClosedAt); err != nil {
		return nil, err
	}
	amt, err := decimal.NewFromString(refund)
	if err != nil {
		return nil, err
	}
	d.Status, d.Outcome, d.OpenedBy, d.RefundAmount = DisputeStatus(status), Outcome(outcome), ActorKind(by), amt
	return &d, nil
}

func (r *PGStore) ListDisputes(ctx context.Context, itemID string) ([]Dispute, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE item_id=$1 ORDER BY opened_at`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PGStore) OpenDispute(ctx context.Context, d Dispute) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.q.Exec(ctx, `
		INSERT INTO disputes (id, item_id, status, refund_amount, reason, opened_by, opened_at)
		VALUES ($1,$2,'open',0,$3,$4,$5)
	`, d.ID, d.ItemID, d.Reason, string(d.OpenedBy), d.OpenedAt)
	return err
}

func (r *PGStore) CloseDispute(ctx context.Context, itemID string, outcome Outcome, refund decimal.Decimal, at time.Time) (*Dispute, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d, err := scanDispute(r.q.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'closed', outcome = $2, refund_amount = $3::numeric, closed_at = $4
		WHERE item_id = $1 AND status = 'open'
		RETURNING `+disputeColumns, itemID, string(outcome), refund.String(), at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no open dispute for item %s: %w", itemID, apperr.ErrNotFound)
	}
	return d, err
}

func (r *PGStore) RecordEvent(ctx context.Context, eventID, kind string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		INSERT INTO processed_events (event_id, kind, processed_at)
		VALUES ($1,$2,NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, kind)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrEventReplay
	}
	return nil
}
