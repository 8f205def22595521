package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingHandler(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	h := NewLoggingHandler(zap.New(core))

	tests := []struct {
		name  string
		event shared.DomainEvent
		level zapcore.Level
		field string
	}{
		{"reserved is info", reserved(), zap.InfoLevel, "metric_code"},
		{"limit exceeded is warn", billing.NewLimitExceededEvent(42, "api_calls", 120, 100), zap.WarnLevel, "limit"},
		{"divergence is warn", billing.NewReconciliationDivergenceDetectedEvent(42, "wallet", "all", billing.DivergenceWalletBalance, 700, 650, false), zap.WarnLevel, "divergence_type"},
		{"top-up is warn", billing.NewWalletTopupRequestedEvent(42, 5000, 90), zap.WarnLevel, "requested_amount_cents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.Handle(ctx, tt.event))
			entries := logs.TakeAll()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, "events", entries[0].LoggerName)
			assert.Contains(t, entries[0].ContextMap(), tt.field)
			assert.Equal(t, tt.event.EventType(), entries[0].ContextMap()["event_type"])
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.NewLimiterMetrics(provider.Meter("test"))
	require.NoError(t, err)

	h := NewMetricsHandler(metrics)
	require.NoError(t, h.Handle(ctx, reserved()))
	require.NoError(t, h.Handle(ctx, reserved()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ul_events_published_total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total)

	assert.NoError(t, NewMetricsHandler(nil).Handle(ctx, reserved()), "nil metrics records nothing")
}

func TestNewNotificationBus(t *testing.T) {
	ctx := context.Background()
	writer := &fakeKafkaWriter{}
	bus := NewNotificationBus(NotificationOptions{
		Logger:    zap.NewNop(),
		Publisher: NewKafkaPublisherWithWriter(writer, 0),
		Processed: newMemoryProcessedStore(),
		Dedup:     shared.DefaultDedupConfig(),
	})

	event := reserved()
	require.NoError(t, bus.Publish(ctx, event))
	require.NoError(t, bus.Publish(ctx, event))

	assert.Len(t, writer.msgs, 1, "redelivered event forwarded once")
	assert.Len(t, bus.registry.All(), 3)

	plain := NewNotificationBus(NotificationOptions{})
	assert.Len(t, plain.registry.All(), 2)
}
