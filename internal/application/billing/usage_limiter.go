package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// DefaultWarningThresholdPercent is the usage share that raises LimitApproaching
const DefaultWarningThresholdPercent = 80.0

// MetricLimitResolver resolves the effective limit of a metric for an account
type MetricLimitResolver interface {
	// ResolveMetric returns nil when the account's plan does not meter the metric
	ResolveMetric(ctx context.Context, accountID int64, metricCode string) (*billing.ResolvedMetricLimit, error)
	InvalidateCache(ctx context.Context, accountID int64) error
}

var _ MetricLimitResolver = (*PlanResolver)(nil)

// UsageLimiterConfig contains configuration for UsageLimiter
type UsageLimiterConfig struct {
	WarningThresholdPercent float64
	Metrics                 *telemetry.LimiterMetrics
}

// DefaultUsageLimiterConfig returns the default configuration
func DefaultUsageLimiterConfig() UsageLimiterConfig {
	return UsageLimiterConfig{WarningThresholdPercent: DefaultWarningThresholdPercent}
}

// UsageLimiter is the entry point for metered usage. It resolves the account,
// limit and period of each call, drives the ReservationManager and publishes
// notifications. Notifications are fire and forget.
type UsageLimiter struct {
	accounts    billing.AccountRepository
	usageRepo   billing.UsageRepository
	plans       MetricLimitResolver
	periods     billing.PeriodResolver
	manager     *ReservationManager
	enforcement *EnforcementEngine
	events      shared.EventPublisher
	metrics     *telemetry.LimiterMetrics
	threshold   float64
	logger      *zap.Logger
}

// NewUsageLimiter creates a new UsageLimiter. events may be nil.
func NewUsageLimiter(
	accounts billing.AccountRepository,
	usageRepo billing.UsageRepository,
	plans MetricLimitResolver,
	periods billing.PeriodResolver,
	manager *ReservationManager,
	enforcement *EnforcementEngine,
	events shared.EventPublisher,
	logger *zap.Logger,
	config UsageLimiterConfig,
) *UsageLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WarningThresholdPercent <= 0 {
		config.WarningThresholdPercent = DefaultWarningThresholdPercent
	}
	return &UsageLimiter{
		accounts:    accounts,
		usageRepo:   usageRepo,
		plans:       plans,
		periods:     periods,
		manager:     manager,
		enforcement: enforcement,
		events:      events,
		metrics:     config.Metrics,
		threshold:   config.WarningThresholdPercent,
		logger:      logger.Named("usage_limiter"),
	}
}

// Reserve holds capacity for attempt.
//
// A denial is returned as *billing.UsageLimitExceededError or
// *billing.InsufficientBalanceError. An inactive account or an unmetered
// metric is also reported as UsageLimitExceededError.
func (l *UsageLimiter) Reserve(ctx context.Context, attempt billing.UsageAttempt) (billing.ReservationResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "usage_limiter", "reserve")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrAccountID, attempt.AccountID,
		telemetry.SpanAttrMetricCode, attempt.MetricCode,
		telemetry.SpanAttrAmount, attempt.Amount,
	)
	started := time.Now()

	result, err := l.reserve(ctx, attempt)
	l.metrics.RecordReserve(ctx, attempt.MetricCode, reserveOutcome(result, err), attempt.Amount, time.Since(started))
	if err != nil {
		telemetry.RecordError(span, err)
		return result, err
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrReservationULID, result.ULID,
		telemetry.SpanAttrDecision, string(result.Decision),
	)
	return result, nil
}

func (l *UsageLimiter) reserve(ctx context.Context, attempt billing.UsageAttempt) (billing.ReservationResult, error) {
	if err := attempt.Validate(); err != nil {
		return billing.ReservationResult{}, err
	}

	account, err := l.accounts.FindByID(ctx, attempt.AccountID)
	if err != nil {
		return billing.ReservationResult{}, fmt.Errorf("find billing account %d: %w", attempt.AccountID, err)
	}
	if !account.IsActive {
		return billing.ReservationResult{}, billing.NewUsageLimitExceededError(attempt.AccountID, attempt.MetricCode, nil,
			fmt.Sprintf("Billing account %d is inactive", attempt.AccountID))
	}

	limit, err := l.plans.ResolveMetric(ctx, attempt.AccountID, attempt.MetricCode)
	if err != nil {
		return billing.ReservationResult{}, fmt.Errorf("resolve metric limit: %w", err)
	}
	if limit == nil {
		return billing.ReservationResult{}, billing.NewUsageLimitExceededError(attempt.AccountID, attempt.MetricCode, nil,
			fmt.Sprintf("Metric '%s' is not configured for this account's plan", attempt.MetricCode))
	}

	period, err := l.periods.Current(ctx, attempt.AccountID)
	if err != nil {
		return billing.ReservationResult{}, fmt.Errorf("resolve period: %w", err)
	}

	outcome, err := l.manager.Reserve(ctx, attempt, account, *limit, period)
	if err != nil {
		return billing.ReservationResult{}, err
	}
	result := outcome.Result

	if !result.Allowed {
		if result.IsInsufficientBalance {
			return result, &billing.InsufficientBalanceError{AccountID: attempt.AccountID, Reason: result.Warning}
		}
		return result, billing.NewUsageLimitExceededError(attempt.AccountID, attempt.MetricCode, &result, "")
	}

	if result.Warning == billing.WarningIdempotentReplay {
		return result, nil
	}

	l.publish(ctx, billing.NewUsageReservedEvent(attempt.AccountID, attempt.MetricCode, attempt.Amount, result.ULID))

	effective := limit.EffectiveLimit()
	if effective > 0 && !limit.IsUnbounded() && outcome.Aggregate != nil {
		total := outcome.Aggregate.Total()
		percent := float64(total) / float64(effective) * 100
		if percent >= l.threshold {
			l.publish(ctx, billing.NewLimitApproachingEvent(attempt.AccountID, attempt.MetricCode, total, effective, percent))
		}
	}

	return result, nil
}

func reserveOutcome(result billing.ReservationResult, err error) string {
	var insufficient *billing.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		return telemetry.OutcomeInsufficientBalance
	case errors.Is(err, shared.ErrLimitExceeded):
		return telemetry.OutcomeLimitExceeded
	case err != nil:
		return telemetry.OutcomeError
	case result.Warning == billing.WarningIdempotentReplay:
		return telemetry.OutcomeReplay
	case result.Decision.HasWarning():
		return telemetry.OutcomeAllowedWithWarning
	default:
		return telemetry.OutcomeAllowed
	}
}

// lifecycleContext loads what Commit and Release need for an existing reservation.
// A metric removed from the plan resolves to the fallback limit so open
// reservations can still finish.
func (l *UsageLimiter) lifecycleContext(ctx context.Context, reservation *billing.UsageReservation) (*billing.BillingAccount, billing.ResolvedMetricLimit, billing.Period, error) {
	account, err := l.accounts.FindByID(ctx, reservation.AccountID)
	if err != nil {
		return nil, billing.ResolvedMetricLimit{}, billing.Period{}, fmt.Errorf("find billing account %d: %w", reservation.AccountID, err)
	}

	limit := billing.FallbackMetricLimit(reservation.MetricCode)
	resolved, err := l.plans.ResolveMetric(ctx, reservation.AccountID, reservation.MetricCode)
	if err != nil {
		return nil, billing.ResolvedMetricLimit{}, billing.Period{}, fmt.Errorf("resolve metric limit: %w", err)
	}
	if resolved != nil {
		limit = *resolved
	} else {
		l.logger.Warn("Metric no longer configured, using fallback limit",
			zap.Int64("billing_account_id", reservation.AccountID),
			zap.String("metric_code", reservation.MetricCode),
			zap.String("reservation_ulid", reservation.ULID),
		)
	}

	period, err := l.periods.ForDate(ctx, reservation.PeriodStart, reservation.AccountID)
	if err != nil {
		return nil, billing.ResolvedMetricLimit{}, billing.Period{}, fmt.Errorf("resolve period: %w", err)
	}
	return account, limit, period, nil
}

// Commit finalizes a reservation. Unknown ULIDs return
// *billing.ReservationNotFoundError; a released or expired reservation
// returns *billing.ReservationExpiredError. A *billing.ChargeFailedError
// comes back with a committed result; commit again to retry the charge.
func (l *UsageLimiter) Commit(ctx context.Context, ulid string) (billing.CommitResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "usage_limiter", "commit")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrReservationULID, ulid)

	reservation, err := l.usageRepo.FindReservationByULID(ctx, ulid)
	if errors.Is(err, shared.ErrNotFound) {
		err = &billing.ReservationNotFoundError{ULID: ulid}
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return billing.CommitResult{}, err
	}

	account, limit, period, err := l.lifecycleContext(ctx, reservation)
	if err != nil {
		telemetry.RecordError(span, err)
		return billing.CommitResult{}, err
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrAccountID, reservation.AccountID,
		telemetry.SpanAttrMetricCode, reservation.MetricCode,
		telemetry.SpanAttrPricingMode, string(limit.PricingMode),
	)

	result, err := l.manager.Commit(ctx, reservation, account, limit, period)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	if !result.Committed || result.Warning == billing.WarningAlreadyCommitted {
		return result, err
	}

	l.metrics.RecordCommit(ctx, reservation.MetricCode, string(limit.PricingMode), result.ChargedAmountCents)
	l.publish(ctx, billing.NewUsageCommittedEvent(reservation.AccountID, reservation.MetricCode, reservation.Amount, reservation.ULID, result.ChargedAmountCents))

	if !limit.IsUnbounded() {
		agg, err := l.usageRepo.FindAggregate(ctx, reservation.AccountID, reservation.MetricCode, period.StartDate())
		if err != nil {
			l.logger.Warn("Failed to read aggregate after commit",
				zap.String("reservation_ulid", reservation.ULID),
				zap.Error(err),
			)
		} else if agg != nil && agg.CommittedUsage > limit.IncludedAmount {
			l.publish(ctx, billing.NewLimitExceededEvent(reservation.AccountID, reservation.MetricCode, agg.CommittedUsage, limit.IncludedAmount))
		}
	}

	if result.OverageRecorded {
		l.publish(ctx, billing.NewOverageAccumulatedEvent(reservation.AccountID, reservation.MetricCode, reservation.ULID))
	}

	return result, err
}

// Release returns a reservation's hold. Unknown ULIDs are a no-op with
// Released false.
func (l *UsageLimiter) Release(ctx context.Context, ulid string) (billing.ReleaseResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "usage_limiter", "release")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrReservationULID, ulid)

	reservation, err := l.usageRepo.FindReservationByULID(ctx, ulid)
	if errors.Is(err, shared.ErrNotFound) {
		return billing.ReleaseResult{ULID: ulid}, nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return billing.ReleaseResult{}, err
	}

	account, limit, period, err := l.lifecycleContext(ctx, reservation)
	if err != nil {
		telemetry.RecordError(span, err)
		return billing.ReleaseResult{}, err
	}

	result, err := l.manager.Release(ctx, reservation, account, limit, period)
	if err != nil {
		telemetry.RecordError(span, err)
		return result, err
	}

	if result.Released {
		l.metrics.RecordRelease(ctx, reservation.MetricCode)
		l.publish(ctx, billing.NewUsageReleasedEvent(reservation.AccountID, reservation.MetricCode, reservation.Amount, reservation.ULID, result.RefundedAmountCents))
	}
	return result, nil
}

// Check evaluates whether amount could be admitted now without reserving it.
// Metrics outside the account's plan are denied.
func (l *UsageLimiter) Check(ctx context.Context, accountID int64, metricCode string, amount int64) (billing.EnforcementDecision, error) {
	limit, err := l.plans.ResolveMetric(ctx, accountID, metricCode)
	if err != nil {
		return billing.DecisionDeny, fmt.Errorf("resolve metric limit: %w", err)
	}
	if limit == nil {
		return billing.DecisionDeny, nil
	}

	period, agg, err := l.currentAggregate(ctx, accountID, metricCode)
	if err != nil {
		return billing.DecisionDeny, err
	}
	return l.enforcement.Evaluate(billing.NewEnforcementContext(accountID, *limit, amount, agg, period))
}

// CurrentUsage returns the counters of the metric in the current period.
// An unmetered metric reports a zero limit.
func (l *UsageLimiter) CurrentUsage(ctx context.Context, accountID int64, metricCode string) (billing.UsageSnapshot, error) {
	limit, err := l.plans.ResolveMetric(ctx, accountID, metricCode)
	if err != nil {
		return billing.UsageSnapshot{}, fmt.Errorf("resolve metric limit: %w", err)
	}

	period, agg, err := l.currentAggregate(ctx, accountID, metricCode)
	if err != nil {
		return billing.UsageSnapshot{}, err
	}

	var effective int64
	if limit != nil {
		effective = limit.EffectiveLimit()
	}
	return billing.UsageSnapshot{
		AccountID:  accountID,
		MetricCode: metricCode,
		PeriodKey:  period.Key,
		Committed:  agg.CommittedUsage,
		Reserved:   agg.ReservedUsage,
		Limit:      effective,
		Remaining:  max(0, effective-agg.Total()),
	}, nil
}

// currentAggregate reads the aggregate of the current period. A period with
// no usage yet reads as zero counters without creating a row.
func (l *UsageLimiter) currentAggregate(ctx context.Context, accountID int64, metricCode string) (billing.Period, *billing.UsagePeriodAggregate, error) {
	period, err := l.periods.Current(ctx, accountID)
	if err != nil {
		return billing.Period{}, nil, fmt.Errorf("resolve period: %w", err)
	}
	agg, err := l.usageRepo.FindAggregate(ctx, accountID, metricCode, period.StartDate())
	if err != nil {
		return billing.Period{}, nil, fmt.Errorf("find aggregate: %w", err)
	}
	if agg == nil {
		agg = &billing.UsagePeriodAggregate{
			AccountID:   accountID,
			MetricCode:  metricCode,
			PeriodStart: period.StartDate(),
			PeriodEnd:   period.EndDate(),
		}
	}
	return period, agg, nil
}

// InvalidatePlanCache drops the cached plan of the account
func (l *UsageLimiter) InvalidatePlanCache(ctx context.Context, accountID int64) error {
	return l.plans.InvalidateCache(ctx, accountID)
}

func (l *UsageLimiter) publish(ctx context.Context, event shared.DomainEvent) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(ctx, event); err != nil {
		l.logger.Warn("Failed to publish event",
			zap.String("event_type", event.EventType()),
			zap.Int64("billing_account_id", event.AccountID()),
			zap.Error(err),
		)
	}
}
