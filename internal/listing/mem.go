package listing

import (
	"context"
	"sort"
	"sync"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
)

// MemStore is an in-process Store. One mutex covers count and insert, which
// gives it the same quota guarantee as the Postgres advisory lock.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]Listing
}

func NewMemStore() *MemStore { return &MemStore{rows: make(map[string]Listing)} }

func (m *MemStore) countActive(sellerID string) int {
	n := 0
	for _, l := range m.rows {
		if l.SellerID == sellerID && l.Status == StatusActive {
			n++
		}
	}
	return n
}

func (m *MemStore) CountActive(_ context.Context, sellerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActive(sellerID), nil
}

func (m *MemStore) CreateWithinQuota(_ context.Context, l *Listing, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Status == StatusActive && max != plan.Unlimited {
		if n := m.countActive(l.SellerID); n >= max {
			return &apperr.LimitError{Current: n, Max: max}
		}
	}
	m.rows[l.ID] = *l
	return nil
}

func (m *MemStore) GetByID(_ context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &l, nil
}

func (m *MemStore) ListBySeller(_ context.Context, sellerID string, q Query) ([]Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Listing
	for _, l := range m.rows {
		if l.SellerID == sellerID && (q.Status == "" || l.Status == q.Status) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit, offset := q.page()
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) UpdateSale(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[l.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	cur.OriginalPrice = l.OriginalPrice
	cur.SaleActive = l.SaleActive
	cur.SalePercent = l.SalePercent
	cur.SaleEndsAt = l.SaleEndsAt
	m.rows[l.ID] = cur
	return nil
}

func (m *MemStore) SetStatus(_ context.Context, id string, to Status, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if to == StatusActive && cur.Status != StatusActive && max != plan.Unlimited {
		if n := m.countActive(cur.SellerID); n >= max {
			return &apperr.LimitError{Current: n, Max: max}
		}
	}
	cur.Status = to
	m.rows[id] = cur
	return nil
}
