package dto

import (
	"github.com/usagelimiter/backend/internal/domain/billing"
)

// ReserveRequest asks to hold capacity for a metric
type ReserveRequest struct {
	BillingAccountID int64          `json:"billing_account_id" binding:"required,gt=0"`
	MetricCode       string         `json:"metric_code" binding:"required,max=100"`
	Amount           int64          `json:"amount" binding:"required,gt=0,lte=1000000000"`
	IdempotencyKey   string         `json:"idempotency_key" binding:"omitempty,max=255"`
	Metadata         map[string]any `json:"metadata"`
}

// Attempt converts the request to a usage attempt. headerKey is used when
// the body carries no idempotency key.
func (r ReserveRequest) Attempt(headerKey string) billing.UsageAttempt {
	key := r.IdempotencyKey
	if key == "" {
		key = headerKey
	}
	return billing.UsageAttempt{
		AccountID:  r.BillingAccountID,
		MetricCode: r.MetricCode,
		Amount:     r.Amount,
		Metadata:   r.Metadata,
	}.WithIdempotencyKey(key)
}

// IngestRequest records usage that has already happened
type IngestRequest = ReserveRequest

// BatchEvent is one event of a batch ingest
type BatchEvent struct {
	MetricCode     string         `json:"metric_code" binding:"required,max=100"`
	Amount         int64          `json:"amount" binding:"required,gt=0,lte=1000000000"`
	IdempotencyKey string         `json:"idempotency_key" binding:"omitempty,max=255"`
	Metadata       map[string]any `json:"metadata"`
}

// BatchIngestRequest records many events for one account
type BatchIngestRequest struct {
	BillingAccountID int64        `json:"billing_account_id" binding:"required,gt=0"`
	Events           []BatchEvent `json:"events" binding:"required,min=1,max=1000,dive"`
}

// BatchItemResponse is the outcome of one batch event
type BatchItemResponse struct {
	Index  int                   `json:"index"`
	Result *billing.CommitResult `json:"result,omitempty"`
	Error  *ErrorInfo            `json:"error,omitempty"`
}

// BatchIngestResponse summarizes a batch ingest
type BatchIngestResponse struct {
	Accepted int                 `json:"accepted"`
	Denied   int                 `json:"denied"`
	Results  []BatchItemResponse `json:"results"`
}

// CheckResponse is the outcome of an admission check that reserves nothing
type CheckResponse struct {
	BillingAccountID int64                       `json:"billing_account_id"`
	MetricCode       string                      `json:"metric_code"`
	Amount           int64                       `json:"amount"`
	Decision         billing.EnforcementDecision `json:"decision"`
	Allowed          bool                        `json:"allowed"`
}

// WalletResponse is the prepaid wallet of an account
type WalletResponse struct {
	BillingAccountID int64  `json:"billing_account_id"`
	BalanceCents     int64  `json:"balance_cents"`
	Currency         string `json:"currency"`
	AutoTopupEnabled bool   `json:"auto_topup_enabled"`
}

// HealthResponse reports liveness of the service and its dependencies
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// CheckQuery is the query of an admission check
type CheckQuery struct {
	Amount int64 `form:"amount" binding:"required,gt=0,lte=1000000000"`
}

// PlanCacheInvalidatedResponse acknowledges a plan cache invalidation
type PlanCacheInvalidatedResponse struct {
	BillingAccountID int64 `json:"billing_account_id"`
	Invalidated      bool  `json:"invalidated"`
}
