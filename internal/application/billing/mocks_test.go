package billing

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

// Mock implementations

type mockAccountRepository struct {
	mock.Mock
}

func (m *mockAccountRepository) FindByID(ctx context.Context, id int64) (*billing.BillingAccount, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.BillingAccount), args.Error(1)
}

func (m *mockAccountRepository) FindByExternalID(ctx context.Context, externalID string) (*billing.BillingAccount, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.BillingAccount), args.Error(1)
}

func (m *mockAccountRepository) List(ctx context.Context, afterID int64, limit int) ([]*billing.BillingAccount, error) {
	args := m.Called(ctx, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.BillingAccount), args.Error(1)
}

func (m *mockAccountRepository) Save(ctx context.Context, account *billing.BillingAccount) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

type mockUsageRepository struct {
	mock.Mock
}

func (m *mockUsageRepository) GetOrCreateAggregate(ctx context.Context, accountID int64, metricCode string, period billing.Period) (*billing.UsagePeriodAggregate, error) {
	args := m.Called(ctx, accountID, metricCode, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsagePeriodAggregate), args.Error(1)
}

func (m *mockUsageRepository) FindAggregate(ctx context.Context, accountID int64, metricCode string, periodStart time.Time) (*billing.UsagePeriodAggregate, error) {
	args := m.Called(ctx, accountID, metricCode, periodStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsagePeriodAggregate), args.Error(1)
}

func (m *mockUsageRepository) RefreshAggregate(ctx context.Context, aggregateID int64) (*billing.UsagePeriodAggregate, error) {
	args := m.Called(ctx, aggregateID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsagePeriodAggregate), args.Error(1)
}

func (m *mockUsageRepository) AtomicConditionalReserve(ctx context.Context, aggregateID, amount, limit int64) (bool, error) {
	args := m.Called(ctx, aggregateID, amount, limit)
	return args.Bool(0), args.Error(1)
}

func (m *mockUsageRepository) AtomicUnconditionalReserve(ctx context.Context, aggregateID, amount int64) error {
	args := m.Called(ctx, aggregateID, amount)
	return args.Error(0)
}

func (m *mockUsageRepository) AtomicCommit(ctx context.Context, aggregateID, amount int64) error {
	args := m.Called(ctx, aggregateID, amount)
	return args.Error(0)
}

func (m *mockUsageRepository) AtomicRelease(ctx context.Context, aggregateID, amount int64) error {
	args := m.Called(ctx, aggregateID, amount)
	return args.Error(0)
}

func (m *mockUsageRepository) CreateReservation(ctx context.Context, reservation *billing.UsageReservation) error {
	args := m.Called(ctx, reservation)
	return args.Error(0)
}

func (m *mockUsageRepository) TransitionReservation(ctx context.Context, reservationID int64, from, to billing.ReservationStatus) (bool, error) {
	args := m.Called(ctx, reservationID, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *mockUsageRepository) RecordCommittedBefore(ctx context.Context, reservationID, committedBefore int64) error {
	args := m.Called(ctx, reservationID, committedBefore)
	return args.Error(0)
}

func (m *mockUsageRepository) FindReservationByULID(ctx context.Context, ulid string) (*billing.UsageReservation, error) {
	args := m.Called(ctx, ulid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsageReservation), args.Error(1)
}

func (m *mockUsageRepository) FindReservationByIdempotencyKey(ctx context.Context, key string, accountID int64) (*billing.UsageReservation, error) {
	args := m.Called(ctx, key, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsageReservation), args.Error(1)
}

func (m *mockUsageRepository) ExpireStalePendingReservations(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *mockUsageRepository) SumReservationsByStatus(ctx context.Context, accountID int64, metricCode string, periodStart time.Time, status billing.ReservationStatus) (int64, error) {
	args := m.Called(ctx, accountID, metricCode, periodStart, status)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockUsageRepository) ListAggregates(ctx context.Context, filter billing.AggregateFilter, afterID int64, limit int) ([]*billing.UsagePeriodAggregate, error) {
	args := m.Called(ctx, filter, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.UsagePeriodAggregate), args.Error(1)
}

func (m *mockUsageRepository) CorrectAggregate(ctx context.Context, aggregateID int64, observed, corrected billing.AggregateCounters) (bool, error) {
	args := m.Called(ctx, aggregateID, observed, corrected)
	return args.Bool(0), args.Error(1)
}

type mockWalletRepository struct {
	mock.Mock
}

func (m *mockWalletRepository) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockWalletRepository) AtomicDebit(ctx context.Context, entry billing.LedgerEntry) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *mockWalletRepository) AtomicCredit(ctx context.Context, entry billing.LedgerEntry) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *mockWalletRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*billing.BillingTransaction, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.BillingTransaction), args.Error(1)
}

func (m *mockWalletRepository) LedgerSummary(ctx context.Context, accountID int64) (int64, *billing.BillingTransaction, error) {
	args := m.Called(ctx, accountID)
	var first *billing.BillingTransaction
	if args.Get(1) != nil {
		first = args.Get(1).(*billing.BillingTransaction)
	}
	return args.Get(0).(int64), first, args.Error(2)
}

func (m *mockWalletRepository) CorrectBalance(ctx context.Context, accountID, observed, corrected int64) (bool, error) {
	args := m.Called(ctx, accountID, observed, corrected)
	return args.Bool(0), args.Error(1)
}

type mockOverageRepository struct {
	mock.Mock
}

func (m *mockOverageRepository) Upsert(ctx context.Context, overage *billing.UsageOverage) error {
	args := m.Called(ctx, overage)
	return args.Error(0)
}

func (m *mockOverageRepository) Find(ctx context.Context, accountID int64, metricCode string, periodStart time.Time) (*billing.UsageOverage, error) {
	args := m.Called(ctx, accountID, metricCode, periodStart)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.UsageOverage), args.Error(1)
}

func (m *mockOverageRepository) List(ctx context.Context, periodStart *time.Time, afterID int64, limit int) ([]*billing.UsageOverage, error) {
	args := m.Called(ctx, periodStart, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.UsageOverage), args.Error(1)
}

func (m *mockOverageRepository) UpdateAmounts(ctx context.Context, id, overageAmount, totalPriceCents int64) error {
	args := m.Called(ctx, id, overageAmount, totalPriceCents)
	return args.Error(0)
}

type mockIdempotencyStore struct {
	mock.Mock
}

func (m *mockIdempotencyStore) Check(ctx context.Context, key, scope string) (*billing.IdempotencyRecord, error) {
	args := m.Called(ctx, key, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.IdempotencyRecord), args.Error(1)
}

func (m *mockIdempotencyStore) Store(ctx context.Context, params billing.StoreIdempotencyParams) (*billing.IdempotencyRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.IdempotencyRecord), args.Error(1)
}

func (m *mockIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type mockPlanRepository struct {
	mock.Mock
}

func (m *mockPlanRepository) FindPlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Plan), args.Error(1)
}

func (m *mockPlanRepository) FindPlanByCode(ctx context.Context, code string) (*billing.Plan, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Plan), args.Error(1)
}

func (m *mockPlanRepository) ListMetricLimits(ctx context.Context, planID int64) ([]*billing.PlanMetricLimit, error) {
	args := m.Called(ctx, planID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.PlanMetricLimit), args.Error(1)
}

func (m *mockPlanRepository) FindActiveAssignment(ctx context.Context, accountID int64, at time.Time) (*billing.PlanAssignment, error) {
	args := m.Called(ctx, accountID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.PlanAssignment), args.Error(1)
}

func (m *mockPlanRepository) ListActiveOverrides(ctx context.Context, accountID int64, at time.Time) ([]*billing.MetricOverride, error) {
	args := m.Called(ctx, accountID, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*billing.MetricOverride), args.Error(1)
}

func (m *mockPlanRepository) SavePlan(ctx context.Context, plan *billing.Plan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *mockPlanRepository) SaveMetricLimit(ctx context.Context, limit *billing.PlanMetricLimit) error {
	args := m.Called(ctx, limit)
	return args.Error(0)
}

func (m *mockPlanRepository) SaveAssignment(ctx context.Context, assignment *billing.PlanAssignment) error {
	args := m.Called(ctx, assignment)
	return args.Error(0)
}

func (m *mockPlanRepository) SaveOverride(ctx context.Context, override *billing.MetricOverride) error {
	args := m.Called(ctx, override)
	return args.Error(0)
}

type mockMetricLimitResolver struct {
	mock.Mock
}

func (m *mockMetricLimitResolver) ResolveMetric(ctx context.Context, accountID int64, metricCode string) (*billing.ResolvedMetricLimit, error) {
	args := m.Called(ctx, accountID, metricCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ResolvedMetricLimit), args.Error(1)
}

func (m *mockMetricLimitResolver) InvalidateCache(ctx context.Context, accountID int64) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

type mockUsageLifecycle struct {
	mock.Mock
}

func (m *mockUsageLifecycle) Reserve(ctx context.Context, attempt billing.UsageAttempt) (billing.ReservationResult, error) {
	args := m.Called(ctx, attempt)
	return args.Get(0).(billing.ReservationResult), args.Error(1)
}

func (m *mockUsageLifecycle) Commit(ctx context.Context, ulid string) (billing.CommitResult, error) {
	args := m.Called(ctx, ulid)
	return args.Get(0).(billing.CommitResult), args.Error(1)
}

func (m *mockUsageLifecycle) Release(ctx context.Context, ulid string) (billing.ReleaseResult, error) {
	args := m.Called(ctx, ulid)
	return args.Get(0).(billing.ReleaseResult), args.Error(1)
}

// fixedPeriodResolver always resolves to the same period
type fixedPeriodResolver struct {
	period billing.Period
}

func (r fixedPeriodResolver) Current(context.Context, int64) (billing.Period, error) {
	return r.period, nil
}

func (r fixedPeriodResolver) ForDate(context.Context, time.Time, int64) (billing.Period, error) {
	return r.period, nil
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func october2026() billing.Period {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return billing.Period{
		Start: start,
		End:   time.Date(2026, 10, 31, 23, 59, 59, 999999999, time.UTC),
		Key:   "2026-10",
	}
}

func activeAccount(id int64) *billing.BillingAccount {
	return &billing.BillingAccount{ID: id, Name: "acme", WalletCurrency: "USD", IsActive: true}
}
