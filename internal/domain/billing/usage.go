package billing

import "time"

// UsagePeriodAggregate holds the counters of one (account, metric, period).
// committed is usage that has happened; reserved is in-flight holds.
type UsagePeriodAggregate struct {
	ID             int64
	AccountID      int64
	MetricCode     string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CommittedUsage int64
	ReservedUsage  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Total returns committed plus reserved usage
func (a *UsagePeriodAggregate) Total() int64 {
	return a.CommittedUsage + a.ReservedUsage
}

// UsageReservation is a single hold on capacity, identified by a ULID
type UsageReservation struct {
	ID             int64
	ULID           string
	AccountID      int64
	MetricCode     string
	PeriodStart    time.Time
	Amount         int64
	IdempotencyKey *string
	Status         ReservationStatus
	ReservedAt     time.Time
	ExpiresAt      time.Time
	CommittedAt    *time.Time
	ReleasedAt     *time.Time
	// CommittedBefore is the period's committed usage just before this
	// reservation was committed; settlement prices the delta from it.
	CommittedBefore *int64
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsPending returns true if the reservation is still open
func (r *UsageReservation) IsPending() bool {
	return r.Status == ReservationStatusPending
}

// IsCommitted returns true if the reservation has been committed
func (r *UsageReservation) IsCommitted() bool {
	return r.Status == ReservationStatusCommitted
}

// IsReleased returns true if the reservation was explicitly released
func (r *UsageReservation) IsReleased() bool {
	return r.Status == ReservationStatusReleased
}

// IsExpired returns true if the sweep expired the reservation
func (r *UsageReservation) IsExpired() bool {
	return r.Status == ReservationStatusExpired
}

// IsStale reports whether a pending reservation is past its expiry at t
func (r *UsageReservation) IsStale(t time.Time) bool {
	return r.IsPending() && r.ExpiresAt.Before(t)
}

// UsageOverage accumulates postpaid overage for one (account, metric, period)
type UsageOverage struct {
	ID               int64
	AccountID        int64
	MetricCode       string
	PeriodStart      time.Time
	OverageAmount    int64
	OverageUnitSize  int64
	UnitPriceCents   int64
	TotalPriceCents  int64
	SettlementStatus OverageSettlementStatus
	InvoicedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BillingTransaction is an append-only wallet ledger row.
// AmountCents is signed: debits are negative.
type BillingTransaction struct {
	ID                int64
	AccountID         int64
	Type              TransactionType
	AmountCents       int64
	BalanceAfterCents int64
	ReferenceType     string
	ReferenceID       *int64
	IdempotencyKey    *string
	Description       string
	Metadata          map[string]any
	CreatedAt         time.Time
}

// OpeningBalance is the wallet balance before this entry was applied
func (t *BillingTransaction) OpeningBalance() int64 {
	return t.BalanceAfterCents - t.AmountCents
}

// LedgerEntry describes a wallet mutation to apply
type LedgerEntry struct {
	AccountID      int64
	AmountCents    int64
	IdempotencyKey string
	ReferenceType  string
	ReferenceID    *int64
	Description    string
	Metadata       map[string]any
}

// IdempotencyRecord remembers the outcome of a keyed operation within a scope
type IdempotencyRecord struct {
	ID            int64
	Key           string
	Scope         string
	ResultType    string
	ResultID      *int64
	ResultPayload map[string]any
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// IsExpired reports whether the record has passed its TTL at t
func (r *IdempotencyRecord) IsExpired(t time.Time) bool {
	return r.ExpiresAt.Before(t)
}
