package order

import "github.com/MikeMC777/marketplace-engine/internal/fees"

// CheckoutRequest payload of POST /checkout and /checkout/quote.
// swagger:model CheckoutRequest
type CheckoutRequest struct {
	Lines []CartLine `json:"lines"`
	// Shipping per seller id, decimal strings.
	Shipping map[string]string `json:"shipping,omitempty" example:"seller-1:5.99"`
	// Tax per seller id, decimal strings.
	Tax map[string]string `json:"tax,omitempty"`
}

// TransitionRequest payload of POST /order-items/:id/transitions.
// swagger:model TransitionRequest
type TransitionRequest struct {
	To             string `json:"to"              example:"shipped"`
	TrackingNumber string `json:"tracking_number" example:"BG123456789"`
	Carrier        string `json:"carrier"         example:"speedy"`
	Outcome        string `json:"outcome"         example:"release"`
	RefundAmount   string `json:"refund_amount"   example:"10.00"`
	Reason         string `json:"reason"`
}

// PlaceOrderResponse is returned by POST /checkout.
// swagger:model PlaceOrderResponse
type PlaceOrderResponse struct {
	Order *Order      `json:"order"`
	Items []Item      `json:"items"`
	Quote *fees.Quote `json:"quote,omitempty"`
}
