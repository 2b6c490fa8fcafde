package main

import (
	"context"
	"database/sql"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/MikeMC777/marketplace-engine/internal/config"
	"github.com/MikeMC777/marketplace-engine/internal/fulfillment"
	"github.com/MikeMC777/marketplace-engine/internal/ledger"
	"github.com/MikeMC777/marketplace-engine/internal/order"
	"github.com/MikeMC777/marketplace-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if cfg.TemporalHost == "" {
		log.Fatal("TEMPORAL_HOST is required")
	}
	ctx := context.Background()

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

	// Timer-driven transitions are not re-notified: the workflow that fired
	// them already knows.
	lc := order.NewLifecycle(order.NewPGStore(pool), book, cfg.Windows)
	lc.StaleRetries = cfg.StaleWriteRetries
	lc.Metrics = metrics

	c, err := client.Dial(client.Options{HostPort: cfg.TemporalHost})
	if err != nil {
		log.Fatalf("unable to create Temporal client: %v", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(fulfillment.ItemTimersWorkflow)
	w.RegisterActivity(&fulfillment.Activities{Orders: lc})

	log.Printf("fulfillment-worker polling queue %s on %s", cfg.TaskQueue, cfg.TemporalHost)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("unable to start worker: %v", err)
	}
}
