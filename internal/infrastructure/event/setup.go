package event

import (
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// NotificationOptions configures the notification bus
type NotificationOptions struct {
	Logger    *zap.Logger
	Metrics   *telemetry.LimiterMetrics
	Publisher BrokerPublisher // nil disables broker forwarding
	// Processed deduplicates forwarded events by id; nil forwards every event
	Processed shared.ProcessedEventStore
	Dedup     shared.DedupConfig
}

// NewNotificationBus builds the bus the limiter publishes to, with the
// logging and metrics handlers and, when a publisher is given, the broker
// forwarder.
func NewNotificationBus(opts NotificationOptions) *InMemoryEventBus {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := NewInMemoryEventBus(logger)
	bus.Subscribe(NewLoggingHandler(logger))
	bus.Subscribe(NewMetricsHandler(opts.Metrics))

	if opts.Publisher != nil {
		var forwarder shared.EventHandler = NewBrokerForwarder(opts.Publisher, NewEventSerializer(), 0, logger)
		if opts.Processed != nil {
			forwarder = NewIdempotentHandler(forwarder, opts.Processed, opts.Dedup, logger)
		}
		bus.Subscribe(forwarder)
	}
	return bus
}
