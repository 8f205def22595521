package models

import (
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// UsagePeriodAggregateModel holds the counters of one (account, metric, period).
// Counters are only ever changed by single conditional UPDATE statements.
type UsagePeriodAggregateModel struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	BillingAccountID int64     `gorm:"not null;uniqueIndex:uq_ul_aggregate_key,priority:1"`
	MetricCode       string    `gorm:"type:varchar(100);not null;uniqueIndex:uq_ul_aggregate_key,priority:2"`
	PeriodStart      time.Time `gorm:"type:date;not null;uniqueIndex:uq_ul_aggregate_key,priority:3"`
	PeriodEnd        time.Time `gorm:"type:date;not null"`
	CommittedUsage   int64     `gorm:"not null;default:0"`
	ReservedUsage    int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName returns the table name for GORM
func (UsagePeriodAggregateModel) TableName() string {
	return "ul_usage_period_aggregates"
}

// ToDomain converts the persistence model to a domain aggregate
func (m *UsagePeriodAggregateModel) ToDomain() *billing.UsagePeriodAggregate {
	return &billing.UsagePeriodAggregate{
		ID:             m.ID,
		AccountID:      m.BillingAccountID,
		MetricCode:     m.MetricCode,
		PeriodStart:    billing.TruncateDay(m.PeriodStart),
		PeriodEnd:      billing.TruncateDay(m.PeriodEnd),
		CommittedUsage: m.CommittedUsage,
		ReservedUsage:  m.ReservedUsage,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// UsageReservationModel is the persistence model for reservations
type UsageReservationModel struct {
	ID               int64      `gorm:"primaryKey;autoIncrement"`
	ULID             string     `gorm:"column:ulid;type:char(26);not null;uniqueIndex"`
	BillingAccountID int64      `gorm:"not null;uniqueIndex:uq_ul_reservation_idem,priority:1;index:idx_ul_reservation_key,priority:1"`
	MetricCode       string     `gorm:"type:varchar(100);not null;index:idx_ul_reservation_key,priority:2"`
	PeriodStart      time.Time  `gorm:"type:date;not null;index:idx_ul_reservation_key,priority:3"`
	Amount           int64      `gorm:"not null"`
	IdempotencyKey   *string    `gorm:"type:varchar(191);uniqueIndex:uq_ul_reservation_idem,priority:2"`
	Status           string     `gorm:"type:varchar(20);not null;index:idx_ul_reservation_status,priority:1"`
	ReservedAt       time.Time  `gorm:"not null"`
	ExpiresAt        time.Time  `gorm:"not null;index:idx_ul_reservation_status,priority:2"`
	CommittedAt      *time.Time
	ReleasedAt       *time.Time
	CommittedBefore  *int64
	Metadata         JSONMap `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName returns the table name for GORM
func (UsageReservationModel) TableName() string {
	return "ul_usage_reservations"
}

// ToDomain converts the persistence model to a domain reservation
func (m *UsageReservationModel) ToDomain() *billing.UsageReservation {
	return &billing.UsageReservation{
		ID:              m.ID,
		ULID:            m.ULID,
		AccountID:       m.BillingAccountID,
		MetricCode:      m.MetricCode,
		PeriodStart:     billing.TruncateDay(m.PeriodStart),
		Amount:          m.Amount,
		IdempotencyKey:  m.IdempotencyKey,
		Status:          billing.ReservationStatus(m.Status),
		ReservedAt:      m.ReservedAt,
		ExpiresAt:       m.ExpiresAt,
		CommittedAt:     m.CommittedAt,
		ReleasedAt:      m.ReleasedAt,
		CommittedBefore: m.CommittedBefore,
		Metadata:        m.Metadata,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// UsageReservationModelFromDomain creates a persistence model from a domain reservation
func UsageReservationModelFromDomain(r *billing.UsageReservation) *UsageReservationModel {
	return &UsageReservationModel{
		ID:               r.ID,
		ULID:             r.ULID,
		BillingAccountID: r.AccountID,
		MetricCode:       r.MetricCode,
		PeriodStart:      billing.TruncateDay(r.PeriodStart),
		Amount:           r.Amount,
		IdempotencyKey:   r.IdempotencyKey,
		Status:           string(r.Status),
		ReservedAt:       r.ReservedAt.UTC(),
		ExpiresAt:        r.ExpiresAt.UTC(),
		CommittedAt:      r.CommittedAt,
		ReleasedAt:       r.ReleasedAt,
		CommittedBefore:  r.CommittedBefore,
		Metadata:         r.Metadata,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// UsageOverageModel accumulates postpaid overage per (account, metric, period)
type UsageOverageModel struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	BillingAccountID int64     `gorm:"not null;uniqueIndex:uq_ul_overage_key,priority:1"`
	MetricCode       string    `gorm:"type:varchar(100);not null;uniqueIndex:uq_ul_overage_key,priority:2"`
	PeriodStart      time.Time `gorm:"type:date;not null;uniqueIndex:uq_ul_overage_key,priority:3"`
	OverageAmount    int64     `gorm:"not null;default:0"`
	OverageUnitSize  int64     `gorm:"not null;default:1"`
	UnitPriceCents   int64     `gorm:"not null;default:0"`
	TotalPriceCents  int64     `gorm:"not null;default:0"`
	SettlementStatus string    `gorm:"type:varchar(20);not null;default:'pending'"`
	InvoicedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName returns the table name for GORM
func (UsageOverageModel) TableName() string {
	return "ul_usage_overages"
}

// ToDomain converts the persistence model to a domain overage
func (m *UsageOverageModel) ToDomain() *billing.UsageOverage {
	return &billing.UsageOverage{
		ID:               m.ID,
		AccountID:        m.BillingAccountID,
		MetricCode:       m.MetricCode,
		PeriodStart:      billing.TruncateDay(m.PeriodStart),
		OverageAmount:    m.OverageAmount,
		OverageUnitSize:  m.OverageUnitSize,
		UnitPriceCents:   m.UnitPriceCents,
		TotalPriceCents:  m.TotalPriceCents,
		SettlementStatus: billing.OverageSettlementStatus(m.SettlementStatus),
		InvoicedAt:       m.InvoicedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// UsageOverageModelFromDomain creates a persistence model from a domain overage
func UsageOverageModelFromDomain(o *billing.UsageOverage) *UsageOverageModel {
	status := o.SettlementStatus
	if status == "" {
		status = billing.OverageSettlementPending
	}
	return &UsageOverageModel{
		ID:               o.ID,
		BillingAccountID: o.AccountID,
		MetricCode:       o.MetricCode,
		PeriodStart:      billing.TruncateDay(o.PeriodStart),
		OverageAmount:    o.OverageAmount,
		OverageUnitSize:  o.OverageUnitSize,
		UnitPriceCents:   o.UnitPriceCents,
		TotalPriceCents:  o.TotalPriceCents,
		SettlementStatus: string(status),
		InvoicedAt:       o.InvoicedAt,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// BillingTransactionModel is an append-only wallet ledger row
type BillingTransactionModel struct {
	ID                int64   `gorm:"primaryKey;autoIncrement"`
	BillingAccountID  int64   `gorm:"not null;index"`
	Type              string  `gorm:"type:varchar(20);not null"`
	AmountCents       int64   `gorm:"not null"`
	BalanceAfterCents int64   `gorm:"not null"`
	ReferenceType     string  `gorm:"type:varchar(100)"`
	ReferenceID       *int64  `gorm:"index"`
	IdempotencyKey    *string `gorm:"type:varchar(191);uniqueIndex"`
	Description       string  `gorm:"type:text"`
	Metadata          JSONMap `gorm:"type:text"`
	CreatedAt         time.Time
}

// TableName returns the table name for GORM
func (BillingTransactionModel) TableName() string {
	return "ul_billing_transactions"
}

// ToDomain converts the persistence model to a domain ledger row
func (m *BillingTransactionModel) ToDomain() *billing.BillingTransaction {
	return &billing.BillingTransaction{
		ID:                m.ID,
		AccountID:         m.BillingAccountID,
		Type:              billing.TransactionType(m.Type),
		AmountCents:       m.AmountCents,
		BalanceAfterCents: m.BalanceAfterCents,
		ReferenceType:     m.ReferenceType,
		ReferenceID:       m.ReferenceID,
		IdempotencyKey:    m.IdempotencyKey,
		Description:       m.Description,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
	}
}

// IdempotencyKeyModel remembers the outcome of a keyed operation within a scope
type IdempotencyKeyModel struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	Key           string    `gorm:"column:idempotency_key;type:varchar(191);not null;uniqueIndex:uq_ul_idempotency,priority:1"`
	Scope         string    `gorm:"type:varchar(100);not null;uniqueIndex:uq_ul_idempotency,priority:2"`
	ResultType    string    `gorm:"type:varchar(100)"`
	ResultID      *int64    `gorm:"column:result_id"`
	ResultPayload JSONMap   `gorm:"type:text"`
	ExpiresAt     time.Time `gorm:"not null;index"`
	CreatedAt     time.Time
}

// TableName returns the table name for GORM
func (IdempotencyKeyModel) TableName() string {
	return "ul_idempotency_keys"
}

// ToDomain converts the persistence model to a domain idempotency record
func (m *IdempotencyKeyModel) ToDomain() *billing.IdempotencyRecord {
	return &billing.IdempotencyRecord{
		ID:            m.ID,
		Key:           m.Key,
		Scope:         m.Scope,
		ResultType:    m.ResultType,
		ResultID:      m.ResultID,
		ResultPayload: m.ResultPayload,
		ExpiresAt:     m.ExpiresAt,
		CreatedAt:     m.CreatedAt,
	}
}

// All returns every limiter model, in dependency order, for schema tooling and tests
func All() []any {
	return []any{
		&BillingAccountModel{},
		&PlanModel{},
		&PlanMetricLimitModel{},
		&PlanAssignmentModel{},
		&MetricOverrideModel{},
		&UsagePeriodAggregateModel{},
		&UsageReservationModel{},
		&UsageOverageModel{},
		&BillingTransactionModel{},
		&IdempotencyKeyModel{},
	}
}
