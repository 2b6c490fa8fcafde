package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

var fixed = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l := NewSQLLedger(db)
	l.now = func() time.Time { return fixed }
	return l, mock
}

func payout() Entry {
	return Entry{
		ID: "e-1", Key: "payout:item-1", OrderID: "o-1", ItemID: "item-1",
		Kind: KindPayout, Amount: decimal.RequireFromString("91.50"), PlanVersion: "1.0.0",
	}
}

var cols = []string{"id", "key", "order_id", "item_id", "kind", "amount", "currency", "plan_version", "created_at"}

func TestSQLLedger_Append(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs("e-1", "payout:item-1", "o-1", "item-1", "payout", "91.5", "BGN", "1.0.0", fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	e, err := l.Append(context.Background(), payout())
	require.NoError(t, err)
	assert.Equal(t, "BGN", e.Currency)
	assert.Equal(t, fixed, e.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AppendDuplicate(t *testing.T) {
	l, mock := newMock(t)

	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + entryColumns + ` FROM ledger_entries WHERE key = $1`)).
		WithArgs("payout:item-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e-0", "payout:item-1", "o-1", "item-1", "payout", "91.50", "BGN", "1.0.0", fixed.Add(-time.Hour)))

	prev, err := l.Append(context.Background(), payout())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, "e-0", prev.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AppendRequiresKey(t *testing.T) {
	l, _ := newMock(t)
	e := payout()
	e.Key = ""
	_, err := l.Append(context.Background(), e)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSQLLedger_GetNotFound(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE key").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := l.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSQLLedger_ByItem(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE item_id").
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e-1", "fees:item-1", "o-1", "item-1", "fee_snapshot", "4.50", "BGN", "1.0.0", fixed).
			AddRow("e-2", "payout:item-1", "o-1", "item-1", "payout", "100.00", "BGN", "1.0.0", fixed.Add(time.Hour)))

	got, err := l.ByItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, KindFeeSnapshot, got[0].Kind)
	assert.True(t, got[1].Amount.Equal(decimal.NewFromInt(100)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_Idempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Append(ctx, payout())
	require.NoError(t, err)
	_, err = m.Append(ctx, payout())
	assert.ErrorIs(t, err, ErrDuplicate)

	got, _ := m.ByItem(ctx, "item-1")
	assert.Len(t, got, 1)
}
