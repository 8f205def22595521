package billing

import (
	"fmt"
	"strings"

	"github.com/usagelimiter/backend/internal/domain/shared"
)

// MaxAttemptAmount bounds a single usage attempt
const MaxAttemptAmount int64 = 1_000_000_000

// UsageAttempt is a request to consume amount units of a metric
type UsageAttempt struct {
	AccountID      int64          `json:"billing_account_id"`
	MetricCode     string         `json:"metric_code"`
	Amount         int64          `json:"amount"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NewUsageAttempt creates and validates an attempt
func NewUsageAttempt(accountID int64, metricCode string, amount int64) (UsageAttempt, error) {
	a := UsageAttempt{AccountID: accountID, MetricCode: strings.TrimSpace(metricCode), Amount: amount}
	return a, a.Validate()
}

// WithIdempotencyKey sets a caller-provided key for replay protection
func (a UsageAttempt) WithIdempotencyKey(key string) UsageAttempt {
	if key = strings.TrimSpace(key); key != "" {
		a.IdempotencyKey = &key
	}
	return a
}

// WithMetadata attaches free-form metadata stored on the reservation
func (a UsageAttempt) WithMetadata(md map[string]any) UsageAttempt {
	a.Metadata = md
	return a
}

// Validate checks the attempt bounds
func (a UsageAttempt) Validate() error {
	if a.AccountID <= 0 {
		return shared.NewDomainError("INVALID_ACCOUNT", "Billing account id must be positive")
	}
	if strings.TrimSpace(a.MetricCode) == "" {
		return shared.NewDomainError("INVALID_METRIC", "Metric code cannot be empty")
	}
	if a.Amount <= 0 {
		return shared.NewDomainError("INVALID_AMOUNT", "Amount must be positive")
	}
	if a.Amount > MaxAttemptAmount {
		return shared.NewDomainError("INVALID_AMOUNT", fmt.Sprintf("Amount must not exceed %d", MaxAttemptAmount))
	}
	return nil
}

// EnforcementContext is the snapshot an enforcement policy decides on
type EnforcementContext struct {
	AccountID        int64
	MetricLimit      ResolvedMetricLimit
	RequestedAmount  int64
	CurrentCommitted int64
	CurrentReserved  int64
	EffectiveLimit   int64
	Period           Period
}

// NewEnforcementContext builds a context from an aggregate snapshot
func NewEnforcementContext(accountID int64, limit ResolvedMetricLimit, amount int64, agg *UsagePeriodAggregate, period Period) EnforcementContext {
	return EnforcementContext{
		AccountID:        accountID,
		MetricLimit:      limit,
		RequestedAmount:  amount,
		CurrentCommitted: agg.CommittedUsage,
		CurrentReserved:  agg.ReservedUsage,
		EffectiveLimit:   limit.EffectiveLimit(),
		Period:           period,
	}
}

// CurrentTotal returns committed plus reserved usage
func (c EnforcementContext) CurrentTotal() int64 {
	return c.CurrentCommitted + c.CurrentReserved
}

// ProjectedTotal returns the total if the request were admitted
func (c EnforcementContext) ProjectedTotal() int64 {
	return c.CurrentTotal() + c.RequestedAmount
}

// Remaining returns the capacity left under the effective limit
func (c EnforcementContext) Remaining() int64 {
	return max(0, c.EffectiveLimit-c.CurrentTotal())
}

// UsagePercent returns current usage as a percentage of the effective limit.
// A zero limit reads as 100% once anything is used.
func (c EnforcementContext) UsagePercent() float64 {
	if c.EffectiveLimit == 0 {
		if c.CurrentTotal() > 0 {
			return 100
		}
		return 0
	}
	return float64(c.CurrentTotal()) / float64(c.EffectiveLimit) * 100
}
