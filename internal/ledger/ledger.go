// Package ledger records money movements for order items. Entries are only
// ever appended; a correction is a new entry.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

type Kind string

const (
	KindFeeSnapshot Kind = "fee_snapshot"
	KindPayout      Kind = "payout"
	KindRefund      Kind = "refund"
	KindAdjustment  Kind = "adjustment"
)

// ErrDuplicate means an entry with the same Key was already appended.
var ErrDuplicate = errors.New("ledger entry already recorded")

type Entry struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	OrderID     string          `json:"order_id"`
	ItemID      string          `json:"item_id"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PlanVersion string          `json:"plan_version,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Ledger appends entries idempotently by Key.
type Ledger interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	ByItem(ctx context.Context, itemID string) ([]Entry, error)
	Get(ctx context.Context, key string) (Entry, error)
}

// DefaultCurrency is used when an entry does not name one.
const DefaultCurrency = "BGN"

func prepare(e Entry, now time.Time) (Entry, error) {
	if e.Key == "" {
		return e, apperr.Invalid("key", "required")
	}
	if e.ItemID == "" && e.OrderID == "" {
		return e, apperr.Invalid("item_id", "entry must reference an order or item")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Currency == "" {
		e.Currency = DefaultCurrency
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return e, nil
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *Memory { return &Memory{entries: make(map[string]Entry)} }

func (m *Memory) Append(_ context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, time.Now().UTC())
	if err != nil {
		return e, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[e.Key]; ok {
		return prev, ErrDuplicate
	}
	m.entries[e.Key] = e
	return e, nil
}

func (m *Memory) ByItem(_ context.Context, itemID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, apperr.ErrNotFound
	}
	return e, nil
}
