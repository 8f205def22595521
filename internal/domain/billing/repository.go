package billing

import (
	"context"
	"time"
)

// UsageRepository owns the atomic primitives over aggregates and reservations.
// Every counter mutation is a single conditional statement; callers never
// read a counter and write it back.
type UsageRepository interface {
	// GetOrCreateAggregate inserts the aggregate if absent (first writer wins) and reads it back
	GetOrCreateAggregate(ctx context.Context, accountID int64, metricCode string, period Period) (*UsagePeriodAggregate, error)
	// FindAggregate returns the aggregate for the key, or nil when none exists
	FindAggregate(ctx context.Context, accountID int64, metricCode string, periodStart time.Time) (*UsagePeriodAggregate, error)
	// RefreshAggregate re-reads an aggregate by id
	RefreshAggregate(ctx context.Context, aggregateID int64) (*UsagePeriodAggregate, error)

	// AtomicConditionalReserve adds amount to reserved usage only while
	// committed+reserved+amount stays within limit. It reports whether the row was updated.
	AtomicConditionalReserve(ctx context.Context, aggregateID, amount, limit int64) (bool, error)
	// AtomicUnconditionalReserve adds amount to reserved usage
	AtomicUnconditionalReserve(ctx context.Context, aggregateID, amount int64) error
	// AtomicCommit moves amount from reserved (floored at zero) to committed
	AtomicCommit(ctx context.Context, aggregateID, amount int64) error
	// AtomicRelease removes amount from reserved, floored at zero
	AtomicRelease(ctx context.Context, aggregateID, amount int64) error

	// CreateReservation inserts a reservation row
	CreateReservation(ctx context.Context, reservation *UsageReservation) error
	// TransitionReservation moves a reservation from one status to another if it
	// is still in from. Disallowed transitions report false without touching the row.
	TransitionReservation(ctx context.Context, reservationID int64, from, to ReservationStatus) (bool, error)
	// RecordCommittedBefore stores the committed usage a reservation was
	// settled against, so a later commit can retry the charge
	RecordCommittedBefore(ctx context.Context, reservationID, committedBefore int64) error
	// FindReservationByULID returns the reservation or ErrNotFound
	FindReservationByULID(ctx context.Context, ulid string) (*UsageReservation, error)
	// FindReservationByIdempotencyKey returns the reservation for the key, or nil
	FindReservationByIdempotencyKey(ctx context.Context, key string, accountID int64) (*UsageReservation, error)
	// ExpireStalePendingReservations expires pending reservations past cutoff
	// and releases their holds, each in its own transaction
	ExpireStalePendingReservations(ctx context.Context, cutoff time.Time) (int, error)
	// SumReservationsByStatus sums reservation amounts for one aggregate key
	SumReservationsByStatus(ctx context.Context, accountID int64, metricCode string, periodStart time.Time, status ReservationStatus) (int64, error)

	// ListAggregates returns up to limit aggregates with id > afterID matching the filter
	ListAggregates(ctx context.Context, filter AggregateFilter, afterID int64, limit int) ([]*UsagePeriodAggregate, error)
	// CorrectAggregate overwrites the counters only if they still hold the observed values
	CorrectAggregate(ctx context.Context, aggregateID int64, observed, corrected AggregateCounters) (bool, error)
}

// AggregateFilter scopes aggregate scans
type AggregateFilter struct {
	// PeriodStart matches a single period exactly
	PeriodStart *time.Time
	// PeriodStartFrom matches periods starting on or after the date
	PeriodStartFrom *time.Time
}

// AggregateCounters is a (committed, reserved) pair
type AggregateCounters struct {
	Committed int64
	Reserved  int64
}

// WalletRepository applies balance changes together with their ledger rows
type WalletRepository interface {
	// GetBalance returns the live wallet balance
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	// AtomicDebit decrements the balance only if it covers the amount and appends
	// a debit row. A repeated idempotency key reports success without a second debit.
	AtomicDebit(ctx context.Context, entry LedgerEntry) (bool, error)
	// AtomicCredit increments the balance and appends a credit row
	AtomicCredit(ctx context.Context, entry LedgerEntry) (bool, error)
	// GetTransactionByIdempotencyKey returns the ledger row for the key, or nil
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*BillingTransaction, error)
	// LedgerSummary returns the ledger sum and the first row for an account
	LedgerSummary(ctx context.Context, accountID int64) (sum int64, first *BillingTransaction, err error)
	// CorrectBalance overwrites the balance only if it still equals observed
	CorrectBalance(ctx context.Context, accountID, observed, corrected int64) (bool, error)
}

// AccountRepository reads and stores billing accounts
type AccountRepository interface {
	FindByID(ctx context.Context, id int64) (*BillingAccount, error)
	FindByExternalID(ctx context.Context, externalID string) (*BillingAccount, error)
	// List returns up to limit accounts with id > afterID, ordered by id
	List(ctx context.Context, afterID int64, limit int) ([]*BillingAccount, error)
	Save(ctx context.Context, account *BillingAccount) error
}

// PlanRepository reads and stores plans, assignments, and overrides
type PlanRepository interface {
	FindPlanByID(ctx context.Context, id int64) (*Plan, error)
	FindPlanByCode(ctx context.Context, code string) (*Plan, error)
	ListMetricLimits(ctx context.Context, planID int64) ([]*PlanMetricLimit, error)
	// FindActiveAssignment returns the latest open assignment started at or before at, or nil
	FindActiveAssignment(ctx context.Context, accountID int64, at time.Time) (*PlanAssignment, error)
	// ListActiveOverrides returns open overrides started at or before at
	ListActiveOverrides(ctx context.Context, accountID int64, at time.Time) ([]*MetricOverride, error)

	SavePlan(ctx context.Context, plan *Plan) error
	SaveMetricLimit(ctx context.Context, limit *PlanMetricLimit) error
	SaveAssignment(ctx context.Context, assignment *PlanAssignment) error
	SaveOverride(ctx context.Context, override *MetricOverride) error
}

// OverageRepository stores postpaid overage records
type OverageRepository interface {
	// Upsert writes the overage for its (account, metric, period), overwriting amounts
	Upsert(ctx context.Context, overage *UsageOverage) error
	// Find returns the overage for the key, or nil
	Find(ctx context.Context, accountID int64, metricCode string, periodStart time.Time) (*UsageOverage, error)
	// List returns up to limit overages with id > afterID, optionally for one period
	List(ctx context.Context, periodStart *time.Time, afterID int64, limit int) ([]*UsageOverage, error)
	// UpdateAmounts rewrites the overage amount and total price
	UpdateAmounts(ctx context.Context, id, overageAmount, totalPriceCents int64) error
}

// IdempotencyStore is a generic (key, scope) deduplication record with TTL
type IdempotencyStore interface {
	// Check returns the record for (key, scope), or nil
	Check(ctx context.Context, key, scope string) (*IdempotencyRecord, error)
	// Store records a result. On a duplicate (key, scope) the existing record is returned.
	Store(ctx context.Context, params StoreIdempotencyParams) (*IdempotencyRecord, error)
	// Cleanup deletes records that expired before olderThan
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// StoreIdempotencyParams describes a result to remember
type StoreIdempotencyParams struct {
	Key        string
	Scope      string
	ResultType string
	ResultID   *int64
	Payload    map[string]any
	// TTL defaults to the store's configured TTL, and is never shorter than an hour
	TTL time.Duration
}

// PricingRepositories gives pricing policies the repositories they settle against.
// Inside a transaction both are bound to it.
type PricingRepositories interface {
	WalletRepo() WalletRepository
	OverageRepo() OverageRepository
}
