// Package telemetry exports the engine's business counters over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "marketplace-engine"

// Setup installs a global OTLP/gRPC meter provider. With an empty endpoint the
// global no-op provider stays in place and the returned shutdown does nothing.
func Setup(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		log.Printf("[telemetry] OTEL_EXPORTER_OTLP_ENDPOINT not set, metrics disabled")
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	log.Printf("[telemetry] exporting metrics to %s", endpoint)
	return mp.Shutdown, nil
}

// Metrics holds the counters. A nil *Metrics records nothing.
type Metrics struct {
	quotaRejections metric.Int64Counter
	transitions     metric.Int64Counter
	staleWrites     metric.Int64Counter
	eventReplays    metric.Int64Counter
	escrowReleases  metric.Int64Counter
}

// New registers the counters on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	var (
		out Metrics
		err error
	)
	if out.quotaRejections, err = m.Int64Counter("marketplace.listing.quota_rejections",
		metric.WithDescription("listing creations refused by the active-listing quota")); err != nil {
		return nil, err
	}
	if out.transitions, err = m.Int64Counter("marketplace.order.transitions",
		metric.WithDescription("committed order item status changes")); err != nil {
		return nil, err
	}
	if out.staleWrites, err = m.Int64Counter("marketplace.order.stale_writes",
		metric.WithDescription("order item writes that lost an optimistic version check")); err != nil {
		return nil, err
	}
	if out.eventReplays, err = m.Int64Counter("marketplace.payment.event_replays",
		metric.WithDescription("payment processor events delivered more than once")); err != nil {
		return nil, err
	}
	if out.escrowReleases, err = m.Int64Counter("marketplace.escrow.releases",
		metric.WithDescription("payouts released to sellers")); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Metrics) QuotaRejected(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

func (m *Metrics) StaleWrite(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleWrites.Add(ctx, 1)
}

func (m *Metrics) EventReplay(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.eventReplays.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) EscrowReleased(ctx context.Context) {
	if m == nil {
		return
	}
	m.escrowReleases.Add(ctx, 1)
}
