package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_Counts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.QuotaRejected(ctx, "free")
	m.Transition(ctx, "paid", "shipped")
	m.Transition(ctx, "shipped", "delivered")
	m.StaleWrite(ctx)
	m.EventReplay(ctx, "payment_succeeded")
	m.EscrowReleased(ctx)

	got := collect(t, reader)
	assert.Equal(t, int64(1), got["marketplace.listing.quota_rejections"])
	assert.Equal(t, int64(2), got["marketplace.order.transitions"])
	assert.Equal(t, int64(1), got["marketplace.order.stale_writes"])
	assert.Equal(t, int64(1), got["marketplace.payment.event_replays"])
	assert.Equal(t, int64(1), got["marketplace.escrow.releases"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.QuotaRejected(context.Background(), "free")
		m.EscrowReleased(context.Background())
	})
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
