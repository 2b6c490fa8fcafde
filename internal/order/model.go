package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeMC777/marketplace-engine/internal/fees"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusDisputed       Status = "disputed"
)

// Order groups the items bought in one checkout. Its Status is a rollup of
// the item statuses and carries no rules of its own.
type Order struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyer_id"`
	Status    Status          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Item is the unit the state machine governs. PriceAtPurchase and Fees are
// frozen at checkout and never recomputed.
type Item struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	SellerID        string          `json:"seller_id"`
	ListingID       string          `json:"listing_id"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"price_at_purchase"`
	Fees            fees.Breakdown  `json:"fees"`
	Status          Status          `json:"status"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	Carrier         string          `json:"carrier,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	ShippedAt       *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	DisputeOpenedAt *time.Time      `json:"dispute_opened_at,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Outcome string

const (
	OutcomeRelease Outcome = "release" // seller keeps the funds
	OutcomeRefund  Outcome = "refund"  // buyer is refunded in full
	OutcomePartial Outcome = "partial" // buyer gets RefundAmount back, item completes
)

func (o Outcome) Valid() bool {
	return o == OutcomeRelease || o == OutcomeRefund || o == OutcomePartial
}

type DisputeStatus string

const (
	DisputeOpen   DisputeStatus = "open"
	DisputeClosed DisputeStatus = "closed"
)

type Dispute struct {
	ID           string          `json:"id"`
	ItemID       string          `json:"item_id"`
	Status       DisputeStatus   `json:"status"`
	Outcome      Outcome         `json:"outcome,omitempty"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Reason       string          `json:"reason,omitempty"`
	OpenedBy     ActorKind       `json:"opened_by"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

type ActorKind string

const (
	ActorProcessor ActorKind = "processor"
	ActorSeller    ActorKind = "seller"
	ActorBuyer     ActorKind = "buyer"
	ActorSystem    ActorKind = "system"
	ActorAdmin     ActorKind = "admin"
)

// Actor is who asks for a transition. ID is the principal for buyers and sellers.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

var (
	System    = Actor{Kind: ActorSystem}
	Processor = Actor{Kind: ActorProcessor}
)
