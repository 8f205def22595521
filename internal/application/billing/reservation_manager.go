package billing

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// DefaultReservationTTL is how long a pending reservation holds capacity
const DefaultReservationTTL = 15 * time.Minute

// ReasonCannotAfford is used when a pricing policy denies without a reason
const ReasonCannotAfford = "Cannot afford usage"

// ReservationManagerConfig contains configuration for ReservationManager
type ReservationManagerConfig struct {
	ReservationTTL time.Duration
	Failpoints     billing.Failpoint
	// Now overrides the clock, mostly for tests
	Now func() time.Time
	// NewULID overrides reservation id generation, mostly for tests
	NewULID func() string
}

// DefaultReservationManagerConfig returns the default configuration
func DefaultReservationManagerConfig() ReservationManagerConfig {
	return ReservationManagerConfig{
		ReservationTTL: DefaultReservationTTL,
		Failpoints:     billing.NoFailpoints{},
		Now:            func() time.Time { return time.Now().UTC() },
		NewULID:        func() string { return ulid.Make().String() },
	}
}

// ReserveOutcome is the result of a reserve together with the aggregate it left behind
type ReserveOutcome struct {
	Result    billing.ReservationResult
	Aggregate *billing.UsagePeriodAggregate
}

// ReservationManager runs the reserve, commit and release state machine.
// Every counter mutation happens inside one transaction of the scope; charge
// and refund settle after the transaction and rely on the reservation ULID
// for idempotency.
type ReservationManager struct {
	txScope      TransactionScope
	usageRepo    billing.UsageRepository
	pricingRepos billing.PricingRepositories
	enforcement  *EnforcementEngine
	pricing      *PricingEngine
	logger       *zap.Logger

	ttl        time.Duration
	failpoints billing.Failpoint
	now        func() time.Time
	newULID    func() string
}

// NewReservationManager creates a new ReservationManager. usageRepo and
// pricingRepos are used outside transactions for fast-path reads and settlement.
func NewReservationManager(
	txScope TransactionScope,
	usageRepo billing.UsageRepository,
	pricingRepos billing.PricingRepositories,
	enforcement *EnforcementEngine,
	pricing *PricingEngine,
	logger *zap.Logger,
	config ReservationManagerConfig,
) *ReservationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultReservationManagerConfig()
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = defaults.ReservationTTL
	}
	if config.Failpoints == nil {
		config.Failpoints = defaults.Failpoints
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.NewULID == nil {
		config.NewULID = defaults.NewULID
	}

	return &ReservationManager{
		txScope:      txScope,
		usageRepo:    usageRepo,
		pricingRepos: pricingRepos,
		enforcement:  enforcement,
		pricing:      pricing,
		logger:       logger.Named("reservation_manager"),
		ttl:          config.ReservationTTL,
		failpoints:   config.Failpoints,
		now:          config.Now,
		newULID:      config.NewULID,
	}
}

// Reserve holds capacity for attempt. A denied attempt is reported in the
// result, not as an error; errors are infrastructure failures.
func (m *ReservationManager) Reserve(
	ctx context.Context,
	attempt billing.UsageAttempt,
	account *billing.BillingAccount,
	limit billing.ResolvedMetricLimit,
	period billing.Period,
) (*ReserveOutcome, error) {
	var outcome *ReserveOutcome

	err := m.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		outcome = nil
		usage := repos.UsageRepo()

		if attempt.IdempotencyKey != nil {
			replay, err := m.replay(ctx, usage, attempt, period)
			if err != nil {
				return err
			}
			if replay != nil {
				outcome = replay
				return nil
			}
		}

		agg, err := usage.GetOrCreateAggregate(ctx, attempt.AccountID, attempt.MetricCode, period)
		if err != nil {
			return err
		}
		if err := m.failpoints.Check(billing.FailpointReserveAfterAggregate); err != nil {
			return err
		}

		ectx := billing.NewEnforcementContext(attempt.AccountID, limit, attempt.Amount, agg, period)
		decision, err := m.enforcement.ReserveWithEnforcement(ctx, usage, ectx, agg.ID)
		if err != nil {
			return err
		}
		if !decision.IsAllowed() {
			outcome = &ReserveOutcome{
				Result:    billing.DeniedReservation(billing.ReasonUsageLimitExceeded, false),
				Aggregate: agg,
			}
			return nil
		}
		if err := m.failpoints.Check(billing.FailpointReserveAfterEnforcement); err != nil {
			return err
		}

		held, err := usage.RefreshAggregate(ctx, agg.ID)
		if err != nil {
			return err
		}
		affordability, err := m.pricing.Authorize(ctx, repos, billing.AuthorizeRequest{
			Account:     account,
			MetricLimit: limit,
			Amount:      attempt.Amount,
			Period:      period,
			Aggregate:   held,
		})
		if err != nil {
			return err
		}
		if !affordability.Affordable {
			if err := usage.AtomicRelease(ctx, agg.ID, attempt.Amount); err != nil {
				return err
			}
			reason := affordability.Reason
			if reason == "" {
				reason = ReasonCannotAfford
			}
			outcome = &ReserveOutcome{
				Result:    billing.DeniedReservation(reason, affordability.IsInsufficientBalance),
				Aggregate: agg,
			}
			return nil
		}
		if err := m.failpoints.Check(billing.FailpointReserveAfterAuthorize); err != nil {
			return err
		}

		now := m.now()
		reservation := &billing.UsageReservation{
			ULID:           m.newULID(),
			AccountID:      attempt.AccountID,
			MetricCode:     attempt.MetricCode,
			PeriodStart:    period.StartDate(),
			Amount:         attempt.Amount,
			IdempotencyKey: attempt.IdempotencyKey,
			Status:         billing.ReservationStatusPending,
			ReservedAt:     now,
			ExpiresAt:      now.Add(m.ttl),
			Metadata:       attempt.Metadata,
		}
		if err := m.failpoints.Check(billing.FailpointReserveBeforeInsert); err != nil {
			return err
		}
		if err := usage.CreateReservation(ctx, reservation); err != nil {
			return err
		}

		final, err := usage.RefreshAggregate(ctx, agg.ID)
		if err != nil {
			return err
		}
		result := billing.ReservationResult{
			ULID:     reservation.ULID,
			Allowed:  true,
			Decision: decision,
			Metadata: attempt.Metadata,
		}
		if decision.HasWarning() {
			result.Warning = billing.WarningSoftEnforcement
		}
		outcome = &ReserveOutcome{Result: result, Aggregate: final}
		return nil
	})

	if err != nil {
		// A concurrent reserve with the same key won the insert; ours rolled back.
		if attempt.IdempotencyKey != nil && errors.Is(err, shared.ErrAlreadyExists) {
			replay, replayErr := m.replay(ctx, m.usageRepo, attempt, period)
			if replayErr == nil && replay != nil {
				m.logger.Debug("Idempotency key raced, replaying winner",
					zap.Int64("billing_account_id", attempt.AccountID),
					zap.String("reservation_ulid", replay.Result.ULID),
				)
				return replay, nil
			}
		}
		m.logger.Error("Reserve failed",
			zap.Int64("billing_account_id", attempt.AccountID),
			zap.String("metric_code", attempt.MetricCode),
			zap.Int64("amount", attempt.Amount),
			zap.Error(err),
		)
		return nil, err
	}

	return outcome, nil
}

// replay returns the reservation already stored under the attempt's key, or nil
func (m *ReservationManager) replay(ctx context.Context, usage billing.UsageRepository, attempt billing.UsageAttempt, period billing.Period) (*ReserveOutcome, error) {
	existing, err := usage.FindReservationByIdempotencyKey(ctx, *attempt.IdempotencyKey, attempt.AccountID)
	if err != nil || existing == nil {
		return nil, err
	}
	agg, err := usage.GetOrCreateAggregate(ctx, attempt.AccountID, attempt.MetricCode, period)
	if err != nil {
		return nil, err
	}
	return &ReserveOutcome{
		Result: billing.ReservationResult{
			ULID:     existing.ULID,
			Allowed:  existing.IsPending() || existing.IsCommitted(),
			Decision: billing.DecisionAllow,
			Warning:  billing.WarningIdempotentReplay,
			Metadata: existing.Metadata,
		},
		Aggregate: agg,
	}, nil
}

// Commit finalizes a pending reservation and settles its cost. Committing
// twice is an idempotent success; committing a released or expired
// reservation returns ReservationExpiredError. When usage is recorded but the
// charge fails, the committed result comes back with a *billing.ChargeFailedError
// and a repeated commit retries the charge.
func (m *ReservationManager) Commit(
	ctx context.Context,
	reservation *billing.UsageReservation,
	account *billing.BillingAccount,
	limit billing.ResolvedMetricLimit,
	period billing.Period,
) (billing.CommitResult, error) {
	fresh, err := m.usageRepo.FindReservationByULID(ctx, reservation.ULID)
	if err != nil {
		return billing.CommitResult{}, err
	}
	if fresh.IsCommitted() {
		return m.resettle(ctx, fresh, account, limit, period)
	}

	var committedBefore *int64
	err = m.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		committedBefore = nil
		usage := repos.UsageRepo()

		ok, err := usage.TransitionReservation(ctx, reservation.ID, billing.ReservationStatusPending, billing.ReservationStatusCommitted)
		if err != nil {
			return err
		}
		if !ok {
			current, err := usage.FindReservationByULID(ctx, reservation.ULID)
			if err != nil {
				return err
			}
			if current.IsCommitted() {
				return nil
			}
			return &billing.ReservationExpiredError{ULID: reservation.ULID}
		}
		if err := m.failpoints.Check(billing.FailpointCommitAfterTransition); err != nil {
			return err
		}

		agg, err := usage.GetOrCreateAggregate(ctx, reservation.AccountID, reservation.MetricCode, period)
		if err != nil {
			return err
		}
		before := agg.CommittedUsage
		if err := usage.AtomicCommit(ctx, agg.ID, reservation.Amount); err != nil {
			return err
		}
		if err := usage.RecordCommittedBefore(ctx, reservation.ID, before); err != nil {
			return err
		}
		if err := m.failpoints.Check(billing.FailpointCommitAfterAggregate); err != nil {
			return err
		}
		committedBefore = &before
		return nil
	})
	if err != nil {
		return billing.CommitResult{}, err
	}
	if committedBefore == nil {
		return alreadyCommitted(reservation.ULID), nil
	}

	result := billing.CommitResult{ULID: reservation.ULID, Committed: true}
	return m.settle(ctx, result, reservation, *committedBefore, account, limit, period)
}

// resettle answers a repeated commit. Charges are keyed by the reservation
// ULID, so charging again is a no-op unless the first attempt failed.
func (m *ReservationManager) resettle(
	ctx context.Context,
	reservation *billing.UsageReservation,
	account *billing.BillingAccount,
	limit billing.ResolvedMetricLimit,
	period billing.Period,
) (billing.CommitResult, error) {
	result := alreadyCommitted(reservation.ULID)
	if reservation.CommittedBefore == nil {
		return result, nil
	}
	return m.settle(ctx, result, reservation, *reservation.CommittedBefore, account, limit, period)
}

func (m *ReservationManager) settle(
	ctx context.Context,
	result billing.CommitResult,
	reservation *billing.UsageReservation,
	committedBefore int64,
	account *billing.BillingAccount,
	limit billing.ResolvedMetricLimit,
	period billing.Period,
) (billing.CommitResult, error) {
	charge, err := m.pricing.Charge(ctx, m.pricingRepos, billing.ChargeRequest{
		Account:         account,
		MetricLimit:     limit,
		Amount:          reservation.Amount,
		Period:          period,
		CommittedBefore: committedBefore,
		ReservationULID: reservation.ULID,
	})
	if err != nil {
		m.logger.Error("Charge failed after commit",
			zap.String("reservation_ulid", reservation.ULID),
			zap.Int64("billing_account_id", reservation.AccountID),
			zap.Int64("committed_before", committedBefore),
			zap.Error(err),
		)
		return result, &billing.ChargeFailedError{ULID: reservation.ULID, Err: err}
	}

	result.Charged = charge.Charged
	result.ChargedAmountCents = charge.AmountCents
	result.OverageRecorded = charge.OverageRecorded
	return result, nil
}

func alreadyCommitted(ulid string) billing.CommitResult {
	return billing.CommitResult{
		ULID:      ulid,
		Committed: true,
		Warning:   billing.WarningAlreadyCommitted,
	}
}

// Release returns a pending reservation's hold and refunds any charge.
// Releasing a released or expired reservation succeeds; a committed one
// reports Released false.
func (m *ReservationManager) Release(
	ctx context.Context,
	reservation *billing.UsageReservation,
	account *billing.BillingAccount,
	limit billing.ResolvedMetricLimit,
	period billing.Period,
) (billing.ReleaseResult, error) {
	fresh, err := m.usageRepo.FindReservationByULID(ctx, reservation.ULID)
	if err != nil {
		return billing.ReleaseResult{}, err
	}
	switch {
	case fresh.IsReleased(), fresh.IsExpired():
		return billing.ReleaseResult{ULID: reservation.ULID, Released: true}, nil
	case fresh.IsCommitted():
		return billing.ReleaseResult{ULID: reservation.ULID, Released: false}, nil
	}

	var transitioned, lostRace bool
	err = m.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		transitioned, lostRace = false, false
		usage := repos.UsageRepo()

		ok, err := usage.TransitionReservation(ctx, reservation.ID, billing.ReservationStatusPending, billing.ReservationStatusReleased)
		if err != nil {
			return err
		}
		if !ok {
			current, err := usage.FindReservationByULID(ctx, reservation.ULID)
			if err != nil {
				return err
			}
			lostRace = current.IsReleased() || current.IsExpired()
			return nil
		}
		if err := m.failpoints.Check(billing.FailpointReleaseAfterTransition); err != nil {
			return err
		}

		agg, err := usage.GetOrCreateAggregate(ctx, reservation.AccountID, reservation.MetricCode, period)
		if err != nil {
			return err
		}
		if err := usage.AtomicRelease(ctx, agg.ID, reservation.Amount); err != nil {
			return err
		}
		if err := m.failpoints.Check(billing.FailpointReleaseAfterAggregate); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return billing.ReleaseResult{}, err
	}
	if !transitioned {
		// Someone else finished the reservation first; only they refund.
		return billing.ReleaseResult{ULID: reservation.ULID, Released: lostRace}, nil
	}

	refund, err := m.pricing.Refund(ctx, m.pricingRepos, billing.RefundRequest{
		Account:         account,
		MetricLimit:     limit,
		Amount:          reservation.Amount,
		Period:          period,
		ReservationULID: reservation.ULID,
	})
	if err != nil {
		m.logger.Error("Refund failed after release",
			zap.String("reservation_ulid", reservation.ULID),
			zap.Int64("billing_account_id", reservation.AccountID),
			zap.Error(err),
		)
		return billing.ReleaseResult{ULID: reservation.ULID, Released: true}, nil
	}

	return billing.ReleaseResult{
		ULID:                reservation.ULID,
		Released:            true,
		Refunded:            refund.Refunded,
		RefundedAmountCents: refund.AmountCents,
	}, nil
}
