package event

import (
	"context"

	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// IdempotentHandler skips events whose id the store has already recorded.
// Store failures are logged and the event is handled anyway.
type IdempotentHandler struct {
	handler shared.EventHandler
	store   shared.ProcessedEventStore
	config  shared.DedupConfig
	logger  *zap.Logger
}

// NewIdempotentHandler wraps handler with deduplication on store
func NewIdempotentHandler(handler shared.EventHandler, store shared.ProcessedEventStore, config shared.DedupConfig, logger *zap.Logger) *IdempotentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = shared.DefaultDedupConfig().TTL
	}
	return &IdempotentHandler{
		handler: handler,
		store:   store,
		config:  config,
		logger:  logger,
	}
}

// EventTypes returns the wrapped handler's event types
func (h *IdempotentHandler) EventTypes() []string {
	return h.handler.EventTypes()
}

// Handle marks the event processed, then hands it to the wrapped handler.
// The mark is kept on failure so a redelivery waits for the ttl.
func (h *IdempotentHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	if !h.config.Enabled || h.store == nil {
		return h.handler.Handle(ctx, event)
	}

	eventID := event.EventID().String()
	isNew, err := h.store.MarkProcessed(ctx, eventID, h.config.TTL)
	switch {
	case err != nil:
		h.logger.Warn("Failed to check processed events, handling anyway",
			zap.String("event_id", eventID),
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
	case !isNew:
		h.logger.Debug("Duplicate event skipped",
			zap.String("event_id", eventID),
			zap.String("event_type", event.EventType()),
		)
		return nil
	}

	return h.handler.Handle(ctx, event)
}

var _ shared.EventHandler = (*IdempotentHandler)(nil)
