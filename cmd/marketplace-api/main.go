// @title        Marketplace API
// @version      1.0
// @description  Listings with plan quotas, sale pricing, checkout fees and the order item lifecycle.
// @BasePath     /
// @securityDefinitions.apikey BearerAuth
// @in   header
// @name Authorization
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.temporal.io/sdk/client"

	"github.com/MikeMC777/marketplace-engine/internal/config"
	"github.com/MikeMC777/marketplace-engine/internal/fulfillment"
	"github.com/MikeMC777/marketplace-engine/internal/httpx"
	"github.com/MikeMC777/marketplace-engine/internal/ledger"
	"github.com/MikeMC777/marketplace-engine/internal/listing"
	"github.com/MikeMC777/marketplace-engine/internal/order"
	"github.com/MikeMC777/marketplace-engine/internal/payments"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
	"github.com/MikeMC777/marketplace-engine/internal/pricing"
	"github.com/MikeMC777/marketplace-engine/internal/ratelimit"
	"github.com/MikeMC777/marketplace-engine/internal/seller"
	"github.com/MikeMC777/marketplace-engine/internal/telemetry"
)

func loadPlans(cfg config.Config) *plan.Table {
	if cfg.PlansFile == "" {
		return plan.DefaultTable()
	}
	t, err := plan.LoadFile(cfg.PlansFile)
	if err != nil {
		log.Fatalf("plans: %v", err)
	}
	return t
}

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := telemetry.New(nil)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("ledger db: %v", err)
	}
	defer sqlDB.Close()
	book := ledger.NewSQLLedger(sqlDB)
	if err := book.Init(ctx); err != nil {
		log.Fatalf("ledger init: %v", err)
	}

	plans := plan.NewResolver(plan.NewPGStore(pool), loadPlans(cfg), cfg.DefaultFreeListings)
	profiles := seller.NewPGRepo(pool)
	listings := listing.NewPGStore(pool)
	orders := order.NewPGStore(pool)
	prices := pricing.NewResolver()

	gate := listing.NewGate(profiles, plans, listings)
	gate.Metrics = metrics
	createPolicy := ratelimit.Policy{PerMinute: cfg.ListingCreatePerMinute, Burst: cfg.ListingCreatePerMinute}
	if cfg.RedisAddr != "" {
		rdb := ratelimit.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()
		gate.Throttle = ratelimit.NewRedisLimiter(rdb, "marketplace", createPolicy)
	} else {
		local := ratelimit.NewLocalLimiter(createPolicy)
		go local.Run(ctx, time.Minute)
		gate.Throttle = local
	}

	lc := order.NewLifecycle(orders, book, cfg.Windows)
	lc.StaleRetries = cfg.StaleWriteRetries
	lc.Metrics = metrics
	if cfg.TemporalHost != "" {
		c, err := client.Dial(client.Options{HostPort: cfg.TemporalHost})
		if err != nil {
			log.Fatalf("temporal: %v", err)
		}
		defer c.Close()
		lc.Notifier = fulfillment.NewScheduler(c, cfg.TaskQueue, cfg.Windows)
	} else {
		log.Printf("[fulfillment] TEMPORAL_HOST not set, item timers disabled")
	}

	perIP := ratelimit.NewLocalLimiter(ratelimit.Policy{PerMinute: cfg.RateLimitRPS * 60, Burst: cfg.RateLimitBurst})
	go perIP.Run(ctx, time.Minute)

	a := &app{
		tokens:    httpx.NewTokenValidator(cfg.JWTSecret, cfg.JWTIssuer),
		limiter:   perIP,
		gate:      gate,
		listings:  listings,
		prices:    prices,
		checkout:  order.NewCheckout(orders, listings, entitlementLookup(profiles, plans), prices),
		orders:    orders,
		lifecycle: lc,
		webhooks:  payments.NewVerifier(cfg.StripeWebhookSecret),
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("marketplace-api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
