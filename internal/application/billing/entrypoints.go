package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"go.uber.org/zap"
)

// UsageLifecycle is the reserve, commit and release surface of UsageLimiter
type UsageLifecycle interface {
	Reserve(ctx context.Context, attempt billing.UsageAttempt) (billing.ReservationResult, error)
	Commit(ctx context.Context, ulid string) (billing.CommitResult, error)
	Release(ctx context.Context, ulid string) (billing.ReleaseResult, error)
}

var _ UsageLifecycle = (*UsageLimiter)(nil)

// EventIngestor meters usage that has no execution phase: every event is
// reserved and committed in one call.
type EventIngestor struct {
	limiter UsageLifecycle
}

// NewEventIngestor creates a new EventIngestor
func NewEventIngestor(limiter UsageLifecycle) *EventIngestor {
	return &EventIngestor{limiter: limiter}
}

// Ingest reserves and immediately commits attempt
func (i *EventIngestor) Ingest(ctx context.Context, attempt billing.UsageAttempt) (billing.CommitResult, error) {
	reservation, err := i.limiter.Reserve(ctx, attempt)
	if err != nil {
		return billing.CommitResult{}, err
	}
	return i.limiter.Commit(ctx, reservation.ULID)
}

// BatchItem is one event of a batch ingest
type BatchItem struct {
	MetricCode     string         `json:"metric_code"`
	Amount         int64          `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// BatchItemResult is the outcome of one batch item. Exactly one of Result
// and Err is meaningful.
type BatchItemResult struct {
	Index  int
	Result billing.CommitResult
	Err    error
}

// IngestBatch ingests each item independently for the account. Limit and
// balance denials are collected per item; any other error aborts the batch
// and is returned with the results gathered so far.
func (i *EventIngestor) IngestBatch(ctx context.Context, accountID int64, items []BatchItem) ([]BatchItemResult, error) {
	results := make([]BatchItemResult, 0, len(items))
	for idx, item := range items {
		attempt := billing.UsageAttempt{
			AccountID:  accountID,
			MetricCode: item.MetricCode,
			Amount:     item.Amount,
			Metadata:   item.Metadata,
		}.WithIdempotencyKey(item.IdempotencyKey)

		res, err := i.Ingest(ctx, attempt)
		if err != nil && !IsUsageDenial(err) {
			return results, fmt.Errorf("batch item %d: %w", idx, err)
		}
		results = append(results, BatchItemResult{Index: idx, Result: res, Err: err})
	}
	return results, nil
}

// IsUsageDenial reports whether err is a limit or balance denial rather than a failure
func IsUsageDenial(err error) bool {
	var limitErr *billing.UsageLimitExceededError
	var balanceErr *billing.InsufficientBalanceError
	return errors.As(err, &limitErr) || errors.As(err, &balanceErr)
}

// ExecutionGateway meters work with a distinct execution phase:
// reserve, run, then commit on success or release on failure.
type ExecutionGateway struct {
	limiter UsageLifecycle
	logger  *zap.Logger
}

// NewExecutionGateway creates a new ExecutionGateway
func NewExecutionGateway(limiter UsageLifecycle, logger *zap.Logger) *ExecutionGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionGateway{limiter: limiter, logger: logger.Named("execution_gateway")}
}

// Execute runs fn under a reservation for attempt. A denied reservation
// never runs fn. If the commit finds the reservation expired the work has
// already happened, so the error is returned without a release.
func (g *ExecutionGateway) Execute(ctx context.Context, attempt billing.UsageAttempt, fn func(ctx context.Context) error) error {
	reservation, err := g.limiter.Reserve(ctx, attempt)
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		g.release(ctx, reservation.ULID)
		return err
	}

	if _, err := g.limiter.Commit(ctx, reservation.ULID); err != nil {
		var expired *billing.ReservationExpiredError
		if errors.As(err, &expired) {
			g.logger.Error("Reservation expired during execution, usage not recorded",
				zap.String("reservation_ulid", reservation.ULID),
				zap.Int64("billing_account_id", attempt.AccountID),
				zap.String("metric_code", attempt.MetricCode),
				zap.Int64("amount", attempt.Amount),
			)
			return err
		}
		g.release(ctx, reservation.ULID)
		return err
	}
	return nil
}

func (g *ExecutionGateway) release(ctx context.Context, ulid string) {
	if _, err := g.limiter.Release(ctx, ulid); err != nil {
		g.logger.Error("Failed to release reservation after failure",
			zap.String("reservation_ulid", ulid),
			zap.Error(err),
		)
	}
}

// ExecuteValue is Execute for work that produces a value
func ExecuteValue[T any](ctx context.Context, g *ExecutionGateway, attempt billing.UsageAttempt, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Execute(ctx, attempt, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Job is a unit of background work
type Job interface {
	Handle(ctx context.Context) error
}

// JobHandler runs a job
type JobHandler func(ctx context.Context, job Job) error

// UsageAware is implemented by jobs that consume metered usage
type UsageAware interface {
	BillingAccountID() int64
	MetricCode() string
	UsageAmount() int64
	// UsageIdempotencyKey returns "" to reserve without replay protection
	UsageIdempotencyKey() string
}

// JobMiddlewareName is recorded in reservation metadata
const JobMiddlewareName = "usage_job_middleware"

// JobMiddleware meters UsageAware jobs around their handler. Other jobs
// pass through unmetered.
type JobMiddleware struct {
	limiter UsageLifecycle
	logger  *zap.Logger
}

// NewJobMiddleware creates a new JobMiddleware
func NewJobMiddleware(limiter UsageLifecycle, logger *zap.Logger) *JobMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobMiddleware{limiter: limiter, logger: logger.Named("job_middleware")}
}

// Wrap returns a handler that reserves before next, commits when it
// succeeds and releases when it or the commit fails.
func (m *JobMiddleware) Wrap(next JobHandler) JobHandler {
	return func(ctx context.Context, job Job) error {
		aware, ok := job.(UsageAware)
		if !ok {
			return next(ctx, job)
		}

		attempt := billing.UsageAttempt{
			AccountID:  aware.BillingAccountID(),
			MetricCode: aware.MetricCode(),
			Amount:     aware.UsageAmount(),
			Metadata: map[string]any{
				"job_class":  fmt.Sprintf("%T", job),
				"middleware": JobMiddlewareName,
			},
		}.WithIdempotencyKey(aware.UsageIdempotencyKey())

		reservation, err := m.limiter.Reserve(ctx, attempt)
		if err != nil {
			return err
		}

		err = next(ctx, job)
		if err == nil {
			_, err = m.limiter.Commit(ctx, reservation.ULID)
		}
		if err != nil {
			if _, releaseErr := m.limiter.Release(ctx, reservation.ULID); releaseErr != nil {
				m.logger.Error("Failed to release reservation after job failure",
					zap.String("reservation_ulid", reservation.ULID),
					zap.Error(releaseErr),
				)
			}
			return err
		}
		return nil
	}
}
