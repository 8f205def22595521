package event

import (
	"context"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// LoggingHandler writes every notification to the log. Limit breaches,
// top-up requests and reconciliation divergences are logged at warn level.
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHandler{logger: logger.Named("events")}
}

// EventTypes subscribes to everything
func (h *LoggingHandler) EventTypes() []string { return nil }

// Handle logs the event
func (h *LoggingHandler) Handle(_ context.Context, event shared.DomainEvent) error {
	fields := append([]zap.Field{
		zap.String("event_type", event.EventType()),
		zap.String("event_id", event.EventID().String()),
		zap.Int64("billing_account_id", event.AccountID()),
		zap.String("aggregate_id", event.AggregateID()),
	}, eventFields(event)...)

	switch event.EventType() {
	case billing.EventTypeLimitExceeded,
		billing.EventTypeWalletTopupRequested,
		billing.EventTypeReconciliationDivergenceDetected:
		h.logger.Warn("Usage notification", fields...)
	default:
		h.logger.Info("Usage notification", fields...)
	}
	return nil
}

func eventFields(event shared.DomainEvent) []zap.Field {
	switch e := event.(type) {
	case *billing.UsageReservedEvent:
		return []zap.Field{zap.String("metric_code", e.MetricCode), zap.Int64("amount", e.Amount)}
	case *billing.UsageCommittedEvent:
		return []zap.Field{zap.String("metric_code", e.MetricCode), zap.Int64("amount", e.Amount), zap.Int64("charged_amount_cents", e.ChargedAmountCents)}
	case *billing.UsageReleasedEvent:
		return []zap.Field{zap.String("metric_code", e.MetricCode), zap.Int64("amount", e.Amount), zap.Int64("refunded_amount_cents", e.RefundedAmountCents)}
	case *billing.LimitApproachingEvent:
		return []zap.Field{zap.String("metric_code", e.MetricCode), zap.Int64("current_usage", e.CurrentUsage), zap.Int64("limit", e.Limit), zap.Float64("percent", e.Percent)}
	case *billing.LimitExceededEvent:
		return []zap.Field{zap.String("metric_code", e.MetricCode), zap.Int64("current_usage", e.CurrentUsage), zap.Int64("limit", e.Limit)}
	case *billing.OverageAccumulatedEvent:
		return []zap.Field{zap.String("metric_code", e.MetricCode)}
	case *billing.WalletTopupRequestedEvent:
		return []zap.Field{zap.Int64("requested_amount_cents", e.RequestedAmountCents), zap.Int64("current_balance_cents", e.CurrentBalanceCents)}
	case *billing.ReconciliationDivergenceDetectedEvent:
		return []zap.Field{
			zap.String("metric_code", e.MetricCode),
			zap.String("period_start", e.PeriodStart),
			zap.String("divergence_type", e.Type),
			zap.Int64("expected", e.Expected),
			zap.Int64("actual", e.Actual),
			zap.Bool("corrected", e.Corrected),
		}
	}
	return nil
}

// MetricsHandler counts notifications by type
type MetricsHandler struct {
	metrics *telemetry.LimiterMetrics
}

// NewMetricsHandler creates a MetricsHandler. A nil metrics records nothing.
func NewMetricsHandler(metrics *telemetry.LimiterMetrics) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// EventTypes subscribes to everything
func (h *MetricsHandler) EventTypes() []string { return nil }

// Handle increments the event counter
func (h *MetricsHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	h.metrics.RecordEvent(ctx, event.EventType())
	return nil
}
