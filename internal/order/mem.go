package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
)

// MemStore is an in-process Store. Transactions are serialised and roll back
// by restoring a snapshot. Writes outside a transaction wait for the running
// one, so a rollback never discards them.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	memState
}

type memState struct {
	orders   map[string]Order
	items    map[string]Item
	disputes map[string][]Dispute
	events   map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{memState: memState{
		orders:   make(map[string]Order),
		items:    make(map[string]Item),
		disputes: make(map[string][]Dispute),
		events:   make(map[string]string),
	}}
}

func (s memState) clone() memState {
	c := memState{
		orders:   make(map[string]Order, len(s.orders)),
		items:    make(map[string]Item, len(s.items)),
		disputes: make(map[string][]Dispute, len(s.disputes)),
		events:   make(map[string]string, len(s.events)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = append([]Dispute(nil), v...)
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

func (m *MemStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.memState.clone()
	m.mu.Unlock()

	if err := fn(memTx{m}); err != nil {
		m.mu.Lock()
		m.memState = snap
		m.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the Store handed to a WithTx callback. It already holds txMu.
type memTx struct{ *MemStore }

func (t memTx) WithTx(_ context.Context, fn func(tx Store) error) error { return fn(t) }

func (t memTx) CreateOrder(_ context.Context, o *Order, items []Item) error {
	return t.createOrder(o, items)
}

func (t memTx) SetOrderStatus(_ context.Context, id string, status Status) error {
	return t.setOrderStatus(id, status)
}

func (t memTx) UpdateItem(_ context.Context, it *Item, expected int) error {
	return t.updateItem(it, expected)
}

func (t memTx) OpenDispute(_ context.Context, d Dispute) error { return t.openDispute(d) }

func (t memTx) CloseDispute(_ context.Context, itemID string, outcome Outcome, refund decimal.Decimal, at time.Time) (*Dispute, error) {
	return t.closeDispute(itemID, outcome, refund, at)
}

func (t memTx) RecordEvent(_ context.Context, eventID, kind string) error {
	return t.recordEvent(eventID, kind)
}

func (m *MemStore) CreateOrder(_ context.Context, o *Order, items []Item) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.createOrder(o, items)
}

func (m *MemStore) SetOrderStatus(_ context.Context, id string, status Status) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.setOrderStatus(id, status)
}

func (m *MemStore) UpdateItem(_ context.Context, it *Item, expected int) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.updateItem(it, expected)
}

func (m *MemStore) OpenDispute(_ context.Context, d Dispute) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.openDispute(d)
}

func (m *MemStore) CloseDispute(_ context.Context, itemID string, outcome Outcome, refund decimal.Decimal, at time.Time) (*Dispute, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.closeDispute(itemID, outcome, refund, at)
}

func (m *MemStore) RecordEvent(_ context.Context, eventID, kind string) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.recordEvent(eventID, kind)
}

func (m *MemStore) createOrder(o *Order, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s exists", o.ID)
	}
	m.orders[o.ID] = *o
	for _, it := range items {
		it.OrderID = o.ID
		m.items[it.ID] = it
	}
	return nil
}

func (m *MemStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &o, nil
}

func (m *MemStore) setOrderStatus(id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return apperr.ErrNotFound
	}
	o.Status = status
	m.orders[id] = o
	return nil
}

func (m *MemStore) GetItem(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &it, nil
}

func (m *MemStore) ItemsByOrder(_ context.Context, orderID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, it := range m.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) updateItem(it *Item, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[it.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if cur.Version != expected {
		return fmt.Errorf("item %s version %d: %w", it.ID, expected, apperr.ErrStaleWrite)
	}
	it.Version = expected + 1
	m.items[it.ID] = *it
	return nil
}

func (m *MemStore) ListDisputes(_ context.Context, itemID string) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Dispute(nil), m.disputes[itemID]...), nil
}

func (m *MemStore) openDispute(d Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ItemID] = append(m.disputes[d.ItemID], d)
	return nil
}

func (m *MemStore) closeDispute(itemID string, outcome Outcome, refund decimal.Decimal, at time.Time) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.disputes[itemID]
	for i := range ds {
		if ds[i].Status == DisputeOpen {
			ds[i].Status = DisputeClosed
			ds[i].Outcome = outcome
			ds[i].RefundAmount = refund
			ds[i].ClosedAt = &at
			d := ds[i]
			return &d, nil
		}
	}
	return nil, fmt.Errorf("no open dispute for item %s: %w", itemID, apperr.ErrNotFound)
}

func (m *MemStore) recordEvent(eventID, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; ok {
		return apperr.ErrEventReplay
	}
	m.events[eventID] = kind
	return nil
}
