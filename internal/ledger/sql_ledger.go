package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

// SQLLedger implements Ledger on database/sql. The services open it through
// the pgx stdlib driver.
type SQLLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	order_id TEXT,
	item_id TEXT,
	kind TEXT NOT NULL,
	amount NUMERIC(12,2) NOT NULL,
	currency TEXT NOT NULL,
	plan_version TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) Append(ctx context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, s.now())
	if err != nil {
		return e, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, key, order_id, item_id, kind, amount, currency, plan_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO NOTHING
	`, e.ID, e.Key, e.OrderID, e.ItemID, string(e.Kind), e.Amount.String(), e.Currency, e.PlanVersion, e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("append ledger entry %s: %w", e.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return e, fmt.Errorf("append ledger entry %s: %w", e.Key, err)
	}
	if n == 0 {
		prev, err := s.Get(ctx, e.Key)
		if err != nil {
			return e, ErrDuplicate
		}
		return prev, ErrDuplicate
	}
	return e, nil
}

const entryColumns = `id, key, order_id, item_id, kind, amount::text, currency, plan_version, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e      Entry
		kind   string
		amount string
	)
	if err := row.Scan(&e.ID, &e.Key, &e.OrderID, &e.ItemID, &kind, &amount, &e.Currency, &e.PlanVersion, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger entry %s amount %q: %w", e.Key, amount, err)
	}
	e.Kind = Kind(kind)
	e.Amount = a
	return e, nil
}

func (s *SQLLedger) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE key = $1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.ErrNotFound
	}
	return e, err
}

func (s *SQLLedger) ByItem(ctx context.Context, itemID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE item_id = $1 ORDER BY created_at`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
