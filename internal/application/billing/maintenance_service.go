package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Maintenance job names, used in logs, metrics and the scheduler
const (
	JobExpireReservations  = "expire_reservations"
	JobReconcileUsage      = "reconcile_usage"
	JobReconcileWallets    = "reconcile_wallets"
	JobCleanupIdempotency  = "cleanup_idempotency"
	JobRecalculateOverages = "recalculate_overages"
)

const (
	maintenanceChunkSize = 100
	reconcileParallelism = 4
)

// Divergence is one counter that disagrees with its source records
type Divergence struct {
	AccountID   int64  `json:"billing_account_id"`
	MetricCode  string `json:"metric_code"`
	PeriodStart string `json:"period_start"`
	Type        string `json:"type"`
	Expected    int64  `json:"expected"`
	Actual      int64  `json:"actual"`
}

// ExpireReport summarizes an expiry sweep
type ExpireReport struct {
	Cutoff   time.Time     `json:"cutoff"`
	Expired  int           `json:"expired"`
	Duration time.Duration `json:"duration"`
}

// ReconcileOptions controls a reconciliation run
type ReconcileOptions struct {
	AutoCorrect bool
	// PeriodStart limits usage reconciliation to one period. When nil, periods
	// starting on or after the first of the previous month are scanned.
	PeriodStart *time.Time
}

// ReconcileReport summarizes a usage or wallet reconciliation
type ReconcileReport struct {
	Scanned     int           `json:"scanned"`
	Divergences []Divergence  `json:"divergences"`
	Corrected   int           `json:"corrected"`
	Skipped     int           `json:"skipped"`
	Duration    time.Duration `json:"duration"`
}

// HasDivergence reports whether anything disagreed
func (r ReconcileReport) HasDivergence() bool {
	return len(r.Divergences) > 0
}

// CleanupReport summarizes an idempotency cleanup
type CleanupReport struct {
	OlderThan time.Time     `json:"older_than"`
	Deleted   int64         `json:"deleted"`
	Duration  time.Duration `json:"duration"`
}

// OverageReport summarizes an overage recalculation
type OverageReport struct {
	Scanned   int           `json:"scanned"`
	Corrected int           `json:"corrected"`
	Duration  time.Duration `json:"duration"`
}

// MaintenanceService runs the housekeeping jobs that keep counters honest:
// expiry of abandoned reservations, reconciliation of aggregates and wallets
// against their source rows, idempotency cleanup and overage recalculation.
type MaintenanceService struct {
	usageRepo   billing.UsageRepository
	walletRepo  billing.WalletRepository
	accounts    billing.AccountRepository
	overages    billing.OverageRepository
	idempotency billing.IdempotencyStore
	plans       MetricLimitResolver
	events      shared.EventPublisher
	metrics     *telemetry.LimiterMetrics
	logger      *zap.Logger
	now         func() time.Time
}

// MaintenanceServiceConfig contains configuration for MaintenanceService
type MaintenanceServiceConfig struct {
	Metrics *telemetry.LimiterMetrics
	Now     func() time.Time
}

// NewMaintenanceService creates a new MaintenanceService. events may be nil.
func NewMaintenanceService(
	usageRepo billing.UsageRepository,
	walletRepo billing.WalletRepository,
	accounts billing.AccountRepository,
	overages billing.OverageRepository,
	idempotency billing.IdempotencyStore,
	plans MetricLimitResolver,
	events shared.EventPublisher,
	logger *zap.Logger,
	config MaintenanceServiceConfig,
) *MaintenanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MaintenanceService{
		usageRepo:   usageRepo,
		walletRepo:  walletRepo,
		accounts:    accounts,
		overages:    overages,
		idempotency: idempotency,
		plans:       plans,
		events:      events,
		metrics:     config.Metrics,
		logger:      logger.Named("maintenance"),
		now:         config.Now,
	}
}

// ExpireReservations expires pending reservations whose TTL passed before cutoff
func (s *MaintenanceService) ExpireReservations(ctx context.Context, cutoff time.Time) (ExpireReport, error) {
	started := time.Now()
	expired, err := s.usageRepo.ExpireStalePendingReservations(ctx, cutoff)
	report := ExpireReport{Cutoff: cutoff, Expired: expired, Duration: time.Since(started)}
	s.metrics.RecordMaintenance(ctx, JobExpireReservations, int64(expired), report.Duration)
	if err != nil {
		return report, fmt.Errorf("expire reservations: %w", err)
	}

	if expired > 0 {
		s.logger.Info("Expired stale reservations",
			zap.Int("expired", expired),
			zap.Time("cutoff", cutoff),
		)
	}
	return report, nil
}

// aggregateCheck is the outcome of comparing one aggregate to its reservations
type aggregateCheck struct {
	agg                 *billing.UsagePeriodAggregate
	committed, reserved int64
}

// ReconcileUsage compares each aggregate's counters with the sums of its
// committed and pending reservations. With AutoCorrect the counters are
// overwritten, but only if they have not moved since they were read.
func (s *MaintenanceService) ReconcileUsage(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	started := time.Now()
	report := ReconcileReport{Divergences: []Divergence{}}

	filter := billing.AggregateFilter{PeriodStart: opts.PeriodStart}
	if opts.PeriodStart == nil {
		now := s.now()
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		filter.PeriodStartFrom = &from
	}

	var afterID int64
	for {
		aggregates, err := s.usageRepo.ListAggregates(ctx, filter, afterID, maintenanceChunkSize)
		if err != nil {
			return report, fmt.Errorf("list aggregates: %w", err)
		}
		if len(aggregates) == 0 {
			break
		}
		afterID = aggregates[len(aggregates)-1].ID

		checks, err := s.sumReservations(ctx, aggregates)
		if err != nil {
			return report, err
		}
		for _, c := range checks {
			report.Scanned++
			s.reconcileAggregate(ctx, c, opts.AutoCorrect, &report)
		}

		if len(aggregates) < maintenanceChunkSize {
			break
		}
	}

	report.Duration = time.Since(started)
	s.finishReconcile(ctx, JobReconcileUsage, report)
	return report, nil
}

// sumReservations reads the reservation sums of a chunk of aggregates concurrently
func (s *MaintenanceService) sumReservations(ctx context.Context, aggregates []*billing.UsagePeriodAggregate) ([]aggregateCheck, error) {
	checks := make([]aggregateCheck, len(aggregates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)

	for i, agg := range aggregates {
		g.Go(func() error {
			committed, err := s.usageRepo.SumReservationsByStatus(gctx, agg.AccountID, agg.MetricCode, agg.PeriodStart, billing.ReservationStatusCommitted)
			if err != nil {
				return fmt.Errorf("sum committed reservations for aggregate %d: %w", agg.ID, err)
			}
			reserved, err := s.usageRepo.SumReservationsByStatus(gctx, agg.AccountID, agg.MetricCode, agg.PeriodStart, billing.ReservationStatusPending)
			if err != nil {
				return fmt.Errorf("sum pending reservations for aggregate %d: %w", agg.ID, err)
			}
			checks[i] = aggregateCheck{agg: agg, committed: committed, reserved: reserved}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return checks, nil
}

func (s *MaintenanceService) reconcileAggregate(ctx context.Context, c aggregateCheck, autoCorrect bool, report *ReconcileReport) {
	agg := c.agg
	if agg.CommittedUsage == c.committed && agg.ReservedUsage == c.reserved {
		return
	}
	period := agg.PeriodStart.Format(billing.DateLayout)

	s.logger.Warn("Usage aggregate diverges from reservations",
		zap.Int64("billing_account_id", agg.AccountID),
		zap.String("metric_code", agg.MetricCode),
		zap.String("period_start", period),
		zap.Int64("committed", agg.CommittedUsage),
		zap.Int64("committed_actual", c.committed),
		zap.Int64("reserved", agg.ReservedUsage),
		zap.Int64("reserved_actual", c.reserved),
	)

	if agg.CommittedUsage != c.committed {
		s.reportDivergence(ctx, report, Divergence{
			AccountID: agg.AccountID, MetricCode: agg.MetricCode, PeriodStart: period,
			Type: billing.DivergenceCommittedUsage, Expected: c.committed, Actual: agg.CommittedUsage,
		}, autoCorrect)
	}
	if agg.ReservedUsage != c.reserved {
		s.reportDivergence(ctx, report, Divergence{
			AccountID: agg.AccountID, MetricCode: agg.MetricCode, PeriodStart: period,
			Type: billing.DivergenceReservedUsage, Expected: c.reserved, Actual: agg.ReservedUsage,
		}, autoCorrect)
	}

	if !autoCorrect {
		return
	}
	ok, err := s.usageRepo.CorrectAggregate(ctx, agg.ID,
		billing.AggregateCounters{Committed: agg.CommittedUsage, Reserved: agg.ReservedUsage},
		billing.AggregateCounters{Committed: c.committed, Reserved: c.reserved},
	)
	switch {
	case err != nil:
		s.logger.Error("Failed to correct aggregate", zap.Int64("aggregate_id", agg.ID), zap.Error(err))
		report.Skipped++
	case !ok:
		s.logger.Warn("Skipped aggregate correction, counters changed concurrently", zap.Int64("aggregate_id", agg.ID))
		report.Skipped++
	default:
		s.logger.Info("Corrected aggregate", zap.Int64("aggregate_id", agg.ID))
		report.Corrected++
	}
}

// ReconcileWallets compares each wallet balance with the balance implied by
// its ledger. The opening balance is taken from the first ledger row, or
// the current balance when the ledger is empty.
func (s *MaintenanceService) ReconcileWallets(ctx context.Context, opts ReconcileOptions) (ReconcileReport, error) {
	started := time.Now()
	report := ReconcileReport{Divergences: []Divergence{}}

	var afterID int64
	for {
		accounts, err := s.accounts.List(ctx, afterID, maintenanceChunkSize)
		if err != nil {
			return report, fmt.Errorf("list accounts: %w", err)
		}
		if len(accounts) == 0 {
			break
		}
		afterID = accounts[len(accounts)-1].ID

		for _, account := range accounts {
			report.Scanned++
			if err := s.reconcileWallet(ctx, account, opts.AutoCorrect, &report); err != nil {
				return report, err
			}
		}

		if len(accounts) < maintenanceChunkSize {
			break
		}
	}

	report.Duration = time.Since(started)
	s.finishReconcile(ctx, JobReconcileWallets, report)
	return report, nil
}

func (s *MaintenanceService) reconcileWallet(ctx context.Context, account *billing.BillingAccount, autoCorrect bool, report *ReconcileReport) error {
	sum, first, err := s.walletRepo.LedgerSummary(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("ledger summary for account %d: %w", account.ID, err)
	}

	opening := account.WalletBalanceCents
	if first != nil {
		opening = first.OpeningBalance()
	}
	expected := opening + sum
	if account.WalletBalanceCents == expected {
		return nil
	}

	s.logger.Warn("Wallet balance diverges from ledger",
		zap.Int64("billing_account_id", account.ID),
		zap.Int64("balance", account.WalletBalanceCents),
		zap.Int64("expected", expected),
	)
	s.reportDivergence(ctx, report, Divergence{
		AccountID: account.ID, MetricCode: "wallet", PeriodStart: "all",
		Type: billing.DivergenceWalletBalance, Expected: expected, Actual: account.WalletBalanceCents,
	}, autoCorrect)

	if !autoCorrect {
		return nil
	}
	ok, err := s.walletRepo.CorrectBalance(ctx, account.ID, account.WalletBalanceCents, expected)
	switch {
	case err != nil:
		s.logger.Error("Failed to correct wallet balance", zap.Int64("billing_account_id", account.ID), zap.Error(err))
		report.Skipped++
	case !ok:
		s.logger.Warn("Skipped wallet correction, balance changed concurrently", zap.Int64("billing_account_id", account.ID))
		report.Skipped++
	default:
		s.logger.Info("Corrected wallet balance", zap.Int64("billing_account_id", account.ID))
		report.Corrected++
	}
	return nil
}

func (s *MaintenanceService) reportDivergence(ctx context.Context, report *ReconcileReport, d Divergence, corrected bool) {
	report.Divergences = append(report.Divergences, d)
	if s.events == nil {
		return
	}
	event := billing.NewReconciliationDivergenceDetectedEvent(d.AccountID, d.MetricCode, d.PeriodStart, d.Type, d.Expected, d.Actual, corrected)
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish divergence event", zap.Error(err))
	}
}

func (s *MaintenanceService) finishReconcile(ctx context.Context, job string, report ReconcileReport) {
	s.metrics.RecordMaintenance(ctx, job, int64(report.Scanned), report.Duration)
	s.metrics.RecordDivergences(ctx, job, int64(len(report.Divergences)))
	s.logger.Info("Reconciliation complete",
		zap.String("job", job),
		zap.Int("scanned", report.Scanned),
		zap.Int("divergences", len(report.Divergences)),
		zap.Int("corrected", report.Corrected),
		zap.Int("skipped", report.Skipped),
	)
}

// CleanupIdempotency deletes idempotency records that expired before olderThan
func (s *MaintenanceService) CleanupIdempotency(ctx context.Context, olderThan time.Time) (CleanupReport, error) {
	started := time.Now()
	deleted, err := s.idempotency.Cleanup(ctx, olderThan)
	report := CleanupReport{OlderThan: olderThan, Deleted: deleted, Duration: time.Since(started)}
	s.metrics.RecordMaintenance(ctx, JobCleanupIdempotency, deleted, report.Duration)
	if err != nil {
		return report, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	s.logger.Info("Idempotency records cleaned up", zap.Int64("deleted", deleted))
	return report, nil
}

// RecalculateOverages re-derives each overage row from committed usage and
// the current limit. Rows whose metric left the plan, or whose aggregate is
// gone, are left alone.
func (s *MaintenanceService) RecalculateOverages(ctx context.Context, periodStart *time.Time) (OverageReport, error) {
	started := time.Now()
	var report OverageReport

	var afterID int64
	for {
		overages, err := s.overages.List(ctx, periodStart, afterID, maintenanceChunkSize)
		if err != nil {
			return report, fmt.Errorf("list overages: %w", err)
		}
		if len(overages) == 0 {
			break
		}
		afterID = overages[len(overages)-1].ID

		for _, overage := range overages {
			report.Scanned++
			corrected, err := s.recalculateOverage(ctx, overage)
			if err != nil {
				return report, err
			}
			if corrected {
				report.Corrected++
			}
		}

		if len(overages) < maintenanceChunkSize {
			break
		}
	}

	report.Duration = time.Since(started)
	s.metrics.RecordMaintenance(ctx, JobRecalculateOverages, int64(report.Corrected), report.Duration)
	s.logger.Info("Overage recalculation complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("corrected", report.Corrected),
	)
	return report, nil
}

func (s *MaintenanceService) recalculateOverage(ctx context.Context, overage *billing.UsageOverage) (bool, error) {
	limit, err := s.plans.ResolveMetric(ctx, overage.AccountID, overage.MetricCode)
	if err != nil {
		return false, fmt.Errorf("resolve metric limit: %w", err)
	}
	if limit == nil {
		return false, nil
	}
	agg, err := s.usageRepo.FindAggregate(ctx, overage.AccountID, overage.MetricCode, overage.PeriodStart)
	if err != nil {
		return false, fmt.Errorf("find aggregate: %w", err)
	}
	if agg == nil {
		return false, nil
	}

	actual := limit.OverageFor(agg.CommittedUsage)
	price := limit.CalculateOverageCost(actual)
	if overage.OverageAmount == actual && overage.TotalPriceCents == price {
		return false, nil
	}

	if err := s.overages.UpdateAmounts(ctx, overage.ID, actual, price); err != nil {
		return false, fmt.Errorf("update overage %d: %w", overage.ID, err)
	}
	s.logger.Info("Corrected overage",
		zap.Int64("billing_account_id", overage.AccountID),
		zap.String("metric_code", overage.MetricCode),
		zap.String("period_start", overage.PeriodStart.Format(billing.DateLayout)),
		zap.Int64("overage_from", overage.OverageAmount),
		zap.Int64("overage_to", actual),
		zap.Int64("price_from", overage.TotalPriceCents),
		zap.Int64("price_to", price),
	)
	return true, nil
}
