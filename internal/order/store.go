package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists orders, items, disputes and the ids of processed external
// events.
type Store interface {
	CreateOrder(ctx context.Context, o *Order, items []Item) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	SetOrderStatus(ctx context.Context, id string, status Status) error
	GetItem(ctx context.Context, id string) (*Item, error)
	ItemsByOrder(ctx context.Context, orderID string) ([]Item, error)
	// UpdateItem writes it only when the stored version still equals expected,
	// and bumps it.Version. Otherwise it returns apperr.ErrStaleWrite.
	UpdateItem(ctx context.Context, it *Item, expected int) error
	ListDisputes(ctx context.Context, itemID string) ([]Dispute, error)
	OpenDispute(ctx context.Context, d Dispute) error
	// CloseDispute closes the item's open dispute and returns it.
	CloseDispute(ctx context.Context, itemID string, outcome Outcome, refund decimal.Decimal, at time.Time) (*Dispute, error)
	// RecordEvent returns apperr.ErrEventReplay when eventID was recorded before.
	RecordEvent(ctx context.Context, eventID, kind string) error
	// WithTx runs fn against a Store whose writes commit together or not at all.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Transition is a committed item status change.
type Transition struct {
	ItemID   string    `json:"item_id"`
	OrderID  string    `json:"order_id"`
	SellerID string    `json:"seller_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Actor    ActorKind `json:"actor"`
	At       time.Time `json:"at"`
}

// Notifier is told about transitions after they commit. Implementations
// handle their own failures.
type Notifier interface {
	ItemTransitioned(ctx context.Context, t Transition)
}
