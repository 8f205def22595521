package billing

import (
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/shared"
)

// Aggregate type constants
const (
	AggregateTypeReservation = "UsageReservation"
	AggregateTypeAggregate   = "UsagePeriodAggregate"
	AggregateTypeWallet      = "Wallet"
)

// Event type constants
const (
	EventTypeUsageReserved                    = "UsageReserved"
	EventTypeUsageCommitted                   = "UsageCommitted"
	EventTypeUsageReleased                    = "UsageReleased"
	EventTypeLimitApproaching                 = "LimitApproaching"
	EventTypeLimitExceeded                    = "LimitExceeded"
	EventTypeOverageAccumulated               = "OverageAccumulated"
	EventTypeWalletTopupRequested             = "WalletTopupRequested"
	EventTypeReconciliationDivergenceDetected = "ReconciliationDivergenceDetected"
)

// AllEventTypes lists every event this context publishes
func AllEventTypes() []string {
	return []string{
		EventTypeUsageReserved,
		EventTypeUsageCommitted,
		EventTypeUsageReleased,
		EventTypeLimitApproaching,
		EventTypeLimitExceeded,
		EventTypeOverageAccumulated,
		EventTypeWalletTopupRequested,
		EventTypeReconciliationDivergenceDetected,
	}
}

// UsageReservedEvent is raised when capacity is reserved
type UsageReservedEvent struct {
	shared.BaseDomainEvent
	MetricCode      string `json:"metric_code"`
	Amount          int64  `json:"amount"`
	ReservationULID string `json:"reservation_ulid"`
}

// NewUsageReservedEvent creates a new UsageReservedEvent
func NewUsageReservedEvent(accountID int64, metricCode string, amount int64, ulid string) *UsageReservedEvent {
	return &UsageReservedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageReserved, AggregateTypeReservation, ulid, accountID),
		MetricCode:      metricCode,
		Amount:          amount,
		ReservationULID: ulid,
	}
}

// UsageCommittedEvent is raised when a reservation is committed
type UsageCommittedEvent struct {
	shared.BaseDomainEvent
	MetricCode         string `json:"metric_code"`
	Amount             int64  `json:"amount"`
	ReservationULID    string `json:"reservation_ulid"`
	ChargedAmountCents int64  `json:"charged_amount_cents"`
}

// NewUsageCommittedEvent creates a new UsageCommittedEvent
func NewUsageCommittedEvent(accountID int64, metricCode string, amount int64, ulid string, chargedCents int64) *UsageCommittedEvent {
	return &UsageCommittedEvent{
		BaseDomainEvent:    shared.NewBaseDomainEvent(EventTypeUsageCommitted, AggregateTypeReservation, ulid, accountID),
		MetricCode:         metricCode,
		Amount:             amount,
		ReservationULID:    ulid,
		ChargedAmountCents: chargedCents,
	}
}

// UsageReleasedEvent is raised when a reservation is released
type UsageReleasedEvent struct {
	shared.BaseDomainEvent
	MetricCode          string `json:"metric_code"`
	Amount              int64  `json:"amount"`
	ReservationULID     string `json:"reservation_ulid"`
	RefundedAmountCents int64  `json:"refunded_amount_cents"`
}

// NewUsageReleasedEvent creates a new UsageReleasedEvent
func NewUsageReleasedEvent(accountID int64, metricCode string, amount int64, ulid string, refundedCents int64) *UsageReleasedEvent {
	return &UsageReleasedEvent{
		BaseDomainEvent:     shared.NewBaseDomainEvent(EventTypeUsageReleased, AggregateTypeReservation, ulid, accountID),
		MetricCode:          metricCode,
		Amount:              amount,
		ReservationULID:     ulid,
		RefundedAmountCents: refundedCents,
	}
}

// LimitApproachingEvent is raised when usage crosses the warning threshold
type LimitApproachingEvent struct {
	shared.BaseDomainEvent
	MetricCode   string  `json:"metric_code"`
	CurrentUsage int64   `json:"current_usage"`
	Limit        int64   `json:"limit"`
	Percent      float64 `json:"percent"`
}

// NewLimitApproachingEvent creates a new LimitApproachingEvent
func NewLimitApproachingEvent(accountID int64, metricCode string, current, limit int64, percent float64) *LimitApproachingEvent {
	return &LimitApproachingEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeLimitApproaching, AggregateTypeAggregate, aggregateKey(accountID, metricCode), accountID),
		MetricCode:      metricCode,
		CurrentUsage:    current,
		Limit:           limit,
		Percent:         percent,
	}
}

// LimitExceededEvent is raised when committed usage passes the included amount
type LimitExceededEvent struct {
	shared.BaseDomainEvent
	MetricCode   string `json:"metric_code"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
}

// NewLimitExceededEvent creates a new LimitExceededEvent
func NewLimitExceededEvent(accountID int64, metricCode string, current, limit int64) *LimitExceededEvent {
	return &LimitExceededEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeLimitExceeded, AggregateTypeAggregate, aggregateKey(accountID, metricCode), accountID),
		MetricCode:      metricCode,
		CurrentUsage:    current,
		Limit:           limit,
	}
}

// OverageAccumulatedEvent is raised when a commit records postpaid overage
type OverageAccumulatedEvent struct {
	shared.BaseDomainEvent
	MetricCode      string `json:"metric_code"`
	ReservationULID string `json:"reservation_ulid"`
}

// NewOverageAccumulatedEvent creates a new OverageAccumulatedEvent
func NewOverageAccumulatedEvent(accountID int64, metricCode, ulid string) *OverageAccumulatedEvent {
	return &OverageAccumulatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOverageAccumulated, AggregateTypeReservation, ulid, accountID),
		MetricCode:      metricCode,
		ReservationULID: ulid,
	}
}

// WalletTopupRequestedEvent is raised when a prepaid charge would drop the
// wallet below its auto-topup threshold.
type WalletTopupRequestedEvent struct {
	shared.BaseDomainEvent
	RequestedAmountCents int64 `json:"requested_amount_cents"`
	CurrentBalanceCents  int64 `json:"current_balance_cents"`
}

// NewWalletTopupRequestedEvent creates a new WalletTopupRequestedEvent
func NewWalletTopupRequestedEvent(accountID, requestedCents, balanceCents int64) *WalletTopupRequestedEvent {
	return &WalletTopupRequestedEvent{
		BaseDomainEvent:      shared.NewBaseDomainEvent(EventTypeWalletTopupRequested, AggregateTypeWallet, fmt.Sprintf("%d", accountID), accountID),
		RequestedAmountCents: requestedCents,
		CurrentBalanceCents:  balanceCents,
	}
}

// Divergence types reported by reconciliation
const (
	DivergenceCommittedUsage = "committed_usage"
	DivergenceReservedUsage  = "reserved_usage"
	DivergenceWalletBalance  = "wallet_balance"
)

// ReconciliationDivergenceDetectedEvent is raised when stored counters do not
// match what the source records imply.
type ReconciliationDivergenceDetectedEvent struct {
	shared.BaseDomainEvent
	MetricCode  string `json:"metric_code"`
	PeriodStart string `json:"period_start"`
	Type        string `json:"type"`
	Expected    int64  `json:"expected"`
	Actual      int64  `json:"actual"`
	Corrected   bool   `json:"corrected"`
}

// NewReconciliationDivergenceDetectedEvent creates a new ReconciliationDivergenceDetectedEvent
func NewReconciliationDivergenceDetectedEvent(accountID int64, metricCode, periodStart, divergenceType string, expected, actual int64, corrected bool) *ReconciliationDivergenceDetectedEvent {
	return &ReconciliationDivergenceDetectedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeReconciliationDivergenceDetected, AggregateTypeAggregate, aggregateKey(accountID, metricCode), accountID),
		MetricCode:      metricCode,
		PeriodStart:     periodStart,
		Type:            divergenceType,
		Expected:        expected,
		Actual:          actual,
		Corrected:       corrected,
	}
}

func aggregateKey(accountID int64, metricCode string) string {
	return fmt.Sprintf("%d:%s", accountID, metricCode)
}
