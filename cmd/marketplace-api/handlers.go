package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/MikeMC777/marketplace-engine/docs"
	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/fees"
	"github.com/MikeMC777/marketplace-engine/internal/httpx"
	"github.com/MikeMC777/marketplace-engine/internal/ledger"
	"github.com/MikeMC777/marketplace-engine/internal/listing"
	"github.com/MikeMC777/marketplace-engine/internal/order"
	"github.com/MikeMC777/marketplace-engine/internal/payments"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
	"github.com/MikeMC777/marketplace-engine/internal/pricing"
	"github.com/MikeMC777/marketplace-engine/internal/ratelimit"
	"github.com/MikeMC777/marketplace-engine/internal/seller"
)

// lifecycle is what the order handlers need from *order.Lifecycle.
type lifecycle interface {
	Apply(ctx context.Context, cmd order.Command) (*order.Item, error)
	ReleaseFunds(ctx context.Context, itemID string, actor order.Actor) (ledger.Entry, error)
	HandleEvent(ctx context.Context, ev order.ExternalEvent) (order.EventResult, error)
}

type app struct {
	tokens    *httpx.TokenValidator
	limiter   ratelimit.Limiter
	gate      *listing.Gate
	listings  listing.Store
	prices    *pricing.Resolver
	checkout  *order.Checkout
	orders    order.Store
	lifecycle lifecycle
	webhooks  *payments.Verifier
}

func (a *app) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), httpx.RequestID(), httpx.Logger())
	if a.limiter != nil {
		r.Use(httpx.RateLimit(a.limiter))
	}

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/listings/:id", getListingHandler(a.listings, a.prices))
	r.GET("/sellers/:id/listings", listSellerListingsHandler(a.listings, a.prices))
	r.POST("/checkout/quote", quoteHandler(a.checkout))
	r.POST("/webhooks/payments", paymentWebhookHandler(a.webhooks, a.lifecycle))

	auth := r.Group("/", httpx.Auth(a.tokens))
	auth.POST("/listings", createListingHandler(a.gate, a.prices))
	auth.PUT("/listings/:id/sale", updateSaleHandler(a.listings, a.prices))
	auth.PUT("/listings/:id/status", setListingStatusHandler(a.gate))
	auth.GET("/sellers/:id/quota", quotaHandler(a.gate))
	auth.POST("/checkout", placeOrderHandler(a.checkout))
	auth.GET("/orders/:id", getOrderHandler(a.orders))
	auth.POST("/order-items/:id/transitions", transitionHandler(a.orders, a.lifecycle))
	auth.POST("/order-items/:id/release", httpx.RequireRole(httpx.RoleAdmin, httpx.RoleSystem), releaseHandler(a.lifecycle))
	return r
}

// entitlementLookup resolves a seller's plan from their profile's account type.
func entitlementLookup(profiles seller.Repository, plans listing.Entitlements) fees.EntitlementFunc {
	return func(ctx context.Context, sellerID string) (plan.Entitlement, error) {
		p, err := profiles.GetByID(ctx, sellerID)
		if err != nil {
			return plan.Entitlement{}, err
		}
		return plans.Resolve(ctx, sellerID, p.AccountType)
	}
}

func principal(c *gin.Context) string {
	p, _ := httpx.CurrentPrincipal(c)
	return p.ID
}

func badJSON(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, httpx.HTTPError{Error: "invalid json"})
}

func parseAmount(field, s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, apperr.Invalid(field, "not a decimal amount")
	}
	return &d, nil
}

func view(l *listing.Listing, prices *pricing.Resolver) listing.View {
	return listing.View{Listing: *l, Pricing: prices.Resolve(l.PricingInput())}
}

// @Summary  Create listing
// @Tags     listings
// @Security BearerAuth
// @Accept   json
// @Produce  json
// @Param    body body listing.CreateListingRequest true "listing"
// @Success  201 {object} listing.View
// @Failure  400 {object} httpx.HTTPError
// @Failure  403 {object} httpx.HTTPError "MISSING_USERNAME or LISTING_LIMIT_REACHED"
// @Router   /listings [post]
func createListingHandler(gate *listing.Gate, prices *pricing.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req listing.CreateListingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		price, err := parseAmount("price", req.Price)
		if err == nil && price == nil {
			err = apperr.Invalid("price", "required")
		}
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		orig, err := parseAmount("original_price", req.OriginalPrice)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		l := &listing.Listing{
			SellerID:      principal(c),
			Title:         strings.TrimSpace(req.Title),
			Price:         *price,
			OriginalPrice: orig,
			Stock:         req.Stock,
		}
		if req.Draft {
			l.Status = listing.StatusDraft
		}
		if err := gate.Create(c.Request.Context(), principal(c), l); err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusCreated, view(l, prices))
	}
}

// @Summary Get listing with its current price
// @Tags    listings
// @Produce json
// @Param   id path string true "listing id"
// @Success 200 {object} listing.View
// @Failure 404 {object} httpx.HTTPError
// @Router  /listings/{id} [get]
func getListingHandler(store listing.Store, prices *pricing.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := store.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, view(l, prices))
	}
}

// @Summary List a seller's listings
// @Tags    listings
// @Produce json
// @Param   id     path  string true  "seller id"
// @Param   status query string false "active, draft, sold or archived"
// @Param   limit  query int    false "page size (max 100)"
// @Param   offset query int    false "offset"
// @Success 200 {object} listing.ListResponse
// @Router  /sellers/{id}/listings [get]
func listSellerListingsHandler(store listing.Store, prices *pricing.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		if offset < 0 {
			offset = 0
		}
		status := listing.Status(c.Query("status"))
		if status != "" && !status.Valid() {
			httpx.WriteError(c, apperr.Invalid("status", "unknown status "+string(status)))
			return
		}
		rows, err := store.ListBySeller(c.Request.Context(), c.Param("id"), listing.Query{Status: status, Limit: limit, Offset: offset})
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		resp := listing.ListResponse{Status: status, Limit: limit, Offset: offset, Items: make([]listing.View, 0, len(rows))}
		for i := range rows {
			resp.Items = append(resp.Items, view(&rows[i], prices))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// @Summary  Start or end a sale
// @Tags     listings
// @Security BearerAuth
// @Accept   json
// @Produce  json
// @Param    id   path string              true "listing id"
// @Param    body body listing.SaleRequest true "sale"
// @Success  200 {object} listing.View
// @Router   /listings/{id}/sale [put]
func updateSaleHandler(store listing.Store, prices *pricing.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req listing.SaleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		orig, err := parseAmount("original_price", req.OriginalPrice)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		ch := listing.SaleChange{Active: req.Active, OriginalPrice: orig, Percent: req.Percent}
		if req.EndsAt != "" {
			ch.EndsAt = &req.EndsAt
		}
		l, err := listing.UpdateSale(c.Request.Context(), store, principal(c), c.Param("id"), ch)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, view(l, prices))
	}
}

type statusRequest struct {
	Status string `json:"status" example:"archived"`
}

// @Summary  Change listing status
// @Tags     listings
// @Security BearerAuth
// @Accept   json
// @Produce  json
// @Param    id   path string        true "listing id"
// @Param    body body statusRequest true "status"
// @Success  200 {object} listing.Listing
// @Failure  403 {object} httpx.HTTPError "LISTING_LIMIT_REACHED on re-activation"
// @Router   /listings/{id}/status [put]
func setListingStatusHandler(gate *listing.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		l, err := gate.SetStatus(c.Request.Context(), principal(c), c.Param("id"), listing.Status(req.Status))
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, l)
	}
}

// @Summary  Seller listing quota
// @Tags     sellers
// @Security BearerAuth
// @Produce  json
// @Param    id path string true "seller id"
// @Success  200 {object} listing.QuotaResponse
// @Router   /sellers/{id}/quota [get]
func quotaHandler(gate *listing.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := gate.Usage(c.Request.Context(), principal(c), c.Param("id"))
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.Quota())
	}
}

func cartExtras(req order.CheckoutRequest) (map[string]fees.Extras, error) {
	out := make(map[string]fees.Extras)
	for sellerID, s := range req.Shipping {
		v, err := parseAmount("shipping."+sellerID, s)
		if err != nil {
			return nil, err
		}
		e := out[sellerID]
		if v != nil {
			e.Shipping = *v
		}
		out[sellerID] = e
	}
	for sellerID, s := range req.Tax {
		v, err := parseAmount("tax."+sellerID, s)
		if err != nil {
			return nil, err
		}
		e := out[sellerID]
		if v != nil {
			e.Tax = *v
		}
		out[sellerID] = e
	}
	return out, nil
}

// @Summary Quote a cart
// @Tags    checkout
// @Accept  json
// @Produce json
// @Param   body body order.CheckoutRequest true "cart"
// @Success 200 {object} fees.Quote
// @Router  /checkout/quote [post]
func quoteHandler(co *order.Checkout) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		extras, err := cartExtras(req)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		q, err := co.Quote(c.Request.Context(), "", req.Lines, extras)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, q)
	}
}

// @Summary  Place an order
// @Tags     checkout
// @Security BearerAuth
// @Accept   json
// @Produce  json
// @Param    body body order.CheckoutRequest true "cart"
// @Success  201 {object} order.PlaceOrderResponse
// @Router   /checkout [post]
func placeOrderHandler(co *order.Checkout) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		extras, err := cartExtras(req)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		o, items, q, err := co.Place(c.Request.Context(), principal(c), req.Lines, extras)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order.PlaceOrderResponse{Order: o, Items: items, Quote: &q})
	}
}

// @Summary  Get order
// @Tags     orders
// @Security BearerAuth
// @Produce  json
// @Param    id path string true "order id"
// @Success  200 {object} order.PlaceOrderResponse
// @Router   /orders/{id} [get]
func getOrderHandler(store order.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		p, _ := httpx.CurrentPrincipal(c)
		o, err := store.GetOrder(ctx, c.Param("id"))
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		items, err := store.ItemsByOrder(ctx, o.ID)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		if p.Role != httpx.RoleAdmin && p.Role != httpx.RoleSystem && p.ID != o.BuyerID {
			// sellers only see their own items
			mine := items[:0]
			for _, it := range items {
				if it.SellerID == p.ID {
					mine = append(mine, it)
				}
			}
			if len(mine) == 0 {
				httpx.WriteError(c, apperr.ErrForbidden)
				return
			}
			items = mine
		}
		c.JSON(http.StatusOK, order.PlaceOrderResponse{Order: o, Items: items})
	}
}

// actorFor decides in which capacity p acts on the item.
func actorFor(ctx context.Context, store order.Store, p httpx.Principal, itemID string) (order.Actor, error) {
	switch p.Role {
	case httpx.RoleAdmin:
		return order.Actor{Kind: order.ActorAdmin, ID: p.ID}, nil
	case httpx.RoleSystem:
		return order.System, nil
	}
	it, err := store.GetItem(ctx, itemID)
	if err != nil {
		return order.Actor{}, err
	}
	if it.SellerID == p.ID {
		return order.Actor{Kind: order.ActorSeller, ID: p.ID}, nil
	}
	o, err := store.GetOrder(ctx, it.OrderID)
	if err != nil {
		return order.Actor{}, err
	}
	if o.BuyerID == p.ID {
		return order.Actor{Kind: order.ActorBuyer, ID: p.ID}, nil
	}
	return order.Actor{}, apperr.ErrForbidden
}

// @Summary  Move an order item to another status
// @Tags     orders
// @Security BearerAuth
// @Accept   json
// @Produce  json
// @Param    id   path string                  true "order item id"
// @Param    body body order.TransitionRequest true "transition"
// @Success  200 {object} order.Item
// @Failure  409 {object} httpx.HTTPError "INVALID_TRANSITION or STALE_WRITE"
// @Router   /order-items/{id}/transitions [post]
func transitionHandler(store order.Store, lc lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.TransitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badJSON(c)
			return
		}
		p, _ := httpx.CurrentPrincipal(c)
		actor, err := actorFor(c.Request.Context(), store, p, c.Param("id"))
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		refund, err := parseAmount("refund_amount", req.RefundAmount)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		cmd := order.Command{
			ItemID:         c.Param("id"),
			To:             order.Status(req.To),
			Actor:          actor,
			TrackingNumber: req.TrackingNumber,
			Carrier:        req.Carrier,
			Outcome:        order.Outcome(req.Outcome),
			Reason:         req.Reason,
		}
		if refund != nil {
			cmd.RefundAmount = *refund
		}
		it, err := lc.Apply(c.Request.Context(), cmd)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, it)
	}
}

// @Summary  Release escrowed funds to the seller
// @Tags     orders
// @Security BearerAuth
// @Produce  json
// @Param    id path string true "order item id"
// @Success  200 {object} ledger.Entry
// @Failure  409 {object} httpx.HTTPError "not eligible"
// @Router   /order-items/{id}/release [post]
func releaseHandler(lc lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := httpx.CurrentPrincipal(c)
		actor := order.System
		if p.Role == httpx.RoleAdmin {
			actor = order.Actor{Kind: order.ActorAdmin, ID: p.ID}
		}
		e, err := lc.ReleaseFunds(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

const maxWebhookBody = 1 << 16

// @Summary Payment processor webhook
// @Tags    webhooks
// @Accept  json
// @Produce json
// @Param   Stripe-Signature header string true "signature"
// @Success 200 {object} order.EventResult
// @Failure 401 {object} httpx.HTTPError
// @Router  /webhooks/payments [post]
func paymentWebhookHandler(v *payments.Verifier, lc lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			badJSON(c)
			return
		}
		ev, err := v.Verify(payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		out, ok, err := payments.Translate(ev)
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"ignored": true})
			return
		}
		res, err := lc.HandleEvent(c.Request.Context(), out)
		if errors.Is(err, apperr.ErrNotFound) {
			// not ours; acknowledging stops redelivery
			log.Printf("[payments] event=%s kind=%s references no known order: %v", out.ID, out.Kind, err)
			c.JSON(http.StatusOK, gin.H{"ignored": true})
			return
		}
		if err != nil {
			httpx.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
