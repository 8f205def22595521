package event

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

// Envelope is the wire form of a notification sent to a broker. Payload is
// the JSON encoding of the concrete event.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AccountID     int64           `json:"billing_account_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
}

// EventSerializer encodes events into envelopes and decodes them back into
// registered concrete types
type EventSerializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type
}

// NewEventSerializer creates a serializer with every billing event registered
func NewEventSerializer() *EventSerializer {
	s := &EventSerializer{registry: make(map[string]reflect.Type)}
	s.Register(billing.EventTypeUsageReserved, &billing.UsageReservedEvent{})
	s.Register(billing.EventTypeUsageCommitted, &billing.UsageCommittedEvent{})
	s.Register(billing.EventTypeUsageReleased, &billing.UsageReleasedEvent{})
	s.Register(billing.EventTypeLimitApproaching, &billing.LimitApproachingEvent{})
	s.Register(billing.EventTypeLimitExceeded, &billing.LimitExceededEvent{})
	s.Register(billing.EventTypeOverageAccumulated, &billing.OverageAccumulatedEvent{})
	s.Register(billing.EventTypeWalletTopupRequested, &billing.WalletTopupRequestedEvent{})
	s.Register(billing.EventTypeReconciliationDivergenceDetected, &billing.ReconciliationDivergenceDetectedEvent{})
	return s
}

// Register maps eventType to the concrete type of instance
func (s *EventSerializer) Register(eventType string, instance shared.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := reflect.TypeOf(instance)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.registry[eventType] = t
}

// Marshal wraps event in an Envelope and encodes it
func (s *EventSerializer) Marshal(event shared.DomainEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event.EventType(), err)
	}
	return json.Marshal(Envelope{
		ID:            event.EventID().String(),
		Type:          event.EventType(),
		OccurredAt:    event.OccurredAt(),
		AccountID:     event.AccountID(),
		AggregateType: event.AggregateType(),
		AggregateID:   event.AggregateID(),
		Payload:       payload,
	})
}

// Unmarshal decodes an envelope and its payload into the registered type
func (s *EventSerializer) Unmarshal(data []byte) (shared.DomainEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	s.mu.RLock()
	t, ok := s.registry[env.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", env.Type)
	}

	ptr := reflect.New(t).Interface()
	if err := json.Unmarshal(env.Payload, ptr); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	event, ok := ptr.(shared.DomainEvent)
	if !ok {
		return nil, fmt.Errorf("registered type for %s is not a domain event", env.Type)
	}
	return event, nil
}

// IsRegistered reports whether eventType can be decoded
func (s *EventSerializer) IsRegistered(eventType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registry[eventType]
	return ok
}
