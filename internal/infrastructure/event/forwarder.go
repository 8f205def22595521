package event

import (
	"context"
	"time"

	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// BrokerForwarder is an event handler that encodes notifications and
// publishes them to a broker. Failures are logged and swallowed: a broker
// outage must not fail a reserve or commit.
type BrokerForwarder struct {
	publisher  BrokerPublisher
	serializer *EventSerializer
	timeout    time.Duration
	logger     *zap.Logger
}

// NewBrokerForwarder creates a forwarder. timeout bounds each publish and
// defaults to five seconds.
func NewBrokerForwarder(publisher BrokerPublisher, serializer *EventSerializer, timeout time.Duration, logger *zap.Logger) *BrokerForwarder {
	if serializer == nil {
		serializer = NewEventSerializer()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerForwarder{
		publisher:  publisher,
		serializer: serializer,
		timeout:    timeout,
		logger:     logger,
	}
}

// EventTypes subscribes to everything
func (f *BrokerForwarder) EventTypes() []string { return nil }

// Handle publishes event. It always returns nil.
func (f *BrokerForwarder) Handle(ctx context.Context, event shared.DomainEvent) error {
	body, err := f.serializer.Marshal(event)
	if err != nil {
		f.logger.Error("Failed to encode event for broker",
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
		return nil
	}

	// the caller's request may finish before the broker answers
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	err = f.publisher.Publish(pubCtx, BrokerMessage{
		Key:       accountKey(event.AccountID()),
		EventType: event.EventType(),
		EventID:   event.EventID().String(),
		Body:      body,
	})
	if err != nil {
		f.logger.Warn("Failed to forward event to broker",
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID().String()),
			zap.Int64("billing_account_id", event.AccountID()),
			zap.Error(err),
		)
	}
	return nil
}

var _ shared.EventHandler = (*BrokerForwarder)(nil)
