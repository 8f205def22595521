package models

import (
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// PlanModel is the persistence model for plans
type PlanModel struct {
	ID        int64   `gorm:"primaryKey;autoIncrement"`
	Code      string  `gorm:"type:varchar(100);not null;uniqueIndex"`
	Name      string  `gorm:"type:varchar(255);not null"`
	IsActive  bool    `gorm:"not null;default:true"`
	Metadata  JSONMap `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM
func (PlanModel) TableName() string {
	return "ul_plans"
}

// ToDomain converts the persistence model to a domain Plan
func (m *PlanModel) ToDomain() *billing.Plan {
	return &billing.Plan{
		ID:        m.ID,
		Code:      m.Code,
		Name:      m.Name,
		IsActive:  m.IsActive,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// PlanModelFromDomain creates a persistence model from a domain Plan
func PlanModelFromDomain(p *billing.Plan) *PlanModel {
	return &PlanModel{
		ID:        p.ID,
		Code:      p.Code,
		Name:      p.Name,
		IsActive:  p.IsActive,
		Metadata:  p.Metadata,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// PlanMetricLimitModel is the persistence model for per-plan metric limits
type PlanMetricLimitModel struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	PlanID             int64  `gorm:"not null;uniqueIndex:uq_ul_plan_metric,priority:1"`
	MetricCode         string `gorm:"type:varchar(100);not null;uniqueIndex:uq_ul_plan_metric,priority:2"`
	IncludedAmount     int64  `gorm:"not null;default:0"`
	OverageEnabled     bool   `gorm:"not null;default:false"`
	OverageUnitSize    *int64
	OveragePriceCents  *int64
	PricingMode        string `gorm:"type:varchar(20);not null;default:'postpaid'"`
	EnforcementMode    string `gorm:"type:varchar(20);not null;default:'hard'"`
	MaxOverageAmount   *int64
	HybridOverflowMode string  `gorm:"type:varchar(20)"`
	Metadata           JSONMap `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName returns the table name for GORM
func (PlanMetricLimitModel) TableName() string {
	return "ul_plan_metric_limits"
}

// ToDomain converts the persistence model to a domain PlanMetricLimit
func (m *PlanMetricLimitModel) ToDomain() *billing.PlanMetricLimit {
	return &billing.PlanMetricLimit{
		ID:                 m.ID,
		PlanID:             m.PlanID,
		MetricCode:         m.MetricCode,
		IncludedAmount:     m.IncludedAmount,
		OverageEnabled:     m.OverageEnabled,
		OverageUnitSize:    m.OverageUnitSize,
		OveragePriceCents:  m.OveragePriceCents,
		PricingMode:        billing.PricingMode(m.PricingMode),
		EnforcementMode:    billing.EnforcementMode(m.EnforcementMode),
		MaxOverageAmount:   m.MaxOverageAmount,
		HybridOverflowMode: billing.PricingMode(m.HybridOverflowMode),
		Metadata:           m.Metadata,
	}
}

// PlanMetricLimitModelFromDomain creates a persistence model from a domain PlanMetricLimit
func PlanMetricLimitModelFromDomain(l *billing.PlanMetricLimit) *PlanMetricLimitModel {
	return &PlanMetricLimitModel{
		ID:                 l.ID,
		PlanID:             l.PlanID,
		MetricCode:         l.MetricCode,
		IncludedAmount:     l.IncludedAmount,
		OverageEnabled:     l.OverageEnabled,
		OverageUnitSize:    l.OverageUnitSize,
		OveragePriceCents:  l.OveragePriceCents,
		PricingMode:        string(billing.ParsePricingMode(string(l.PricingMode), billing.PricingModePostpaid)),
		EnforcementMode:    string(billing.ParseEnforcementMode(string(l.EnforcementMode), billing.EnforcementModeHard)),
		MaxOverageAmount:   l.MaxOverageAmount,
		HybridOverflowMode: string(l.HybridOverflowMode),
		Metadata:           l.Metadata,
	}
}

// PlanAssignmentModel binds an account to a plan over time
type PlanAssignmentModel struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	BillingAccountID int64     `gorm:"not null;index:idx_ul_assignment_active,priority:1"`
	PlanID           int64     `gorm:"not null;index"`
	StartedAt        time.Time `gorm:"not null;index:idx_ul_assignment_active,priority:2"`
	EndedAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName returns the table name for GORM
func (PlanAssignmentModel) TableName() string {
	return "ul_billing_account_plan_assignments"
}

// ToDomain converts the persistence model to a domain PlanAssignment
func (m *PlanAssignmentModel) ToDomain() *billing.PlanAssignment {
	return &billing.PlanAssignment{
		ID:        m.ID,
		AccountID: m.BillingAccountID,
		PlanID:    m.PlanID,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
	}
}

// PlanAssignmentModelFromDomain creates a persistence model from a domain PlanAssignment
func PlanAssignmentModelFromDomain(a *billing.PlanAssignment) *PlanAssignmentModel {
	return &PlanAssignmentModel{
		ID:               a.ID,
		BillingAccountID: a.AccountID,
		PlanID:           a.PlanID,
		StartedAt:        a.StartedAt.UTC(),
		EndedAt:          a.EndedAt,
	}
}

// MetricOverrideModel is an account-specific replacement of plan limit fields.
// NULL columns leave the plan value in place.
type MetricOverrideModel struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement"`
	BillingAccountID   int64  `gorm:"not null;index:idx_ul_override_active,priority:1"`
	MetricCode         string `gorm:"type:varchar(100);not null;index:idx_ul_override_active,priority:2"`
	IncludedAmount     *int64
	OverageEnabled     *bool
	OverageUnitSize    *int64
	OveragePriceCents  *int64
	PricingMode        *string `gorm:"type:varchar(20)"`
	EnforcementMode    *string `gorm:"type:varchar(20)"`
	MaxOverageAmount   *int64
	HybridOverflowMode *string   `gorm:"type:varchar(20)"`
	Reason             string    `gorm:"type:text"`
	StartedAt          time.Time `gorm:"not null"`
	EndedAt            *time.Time
	Metadata           JSONMap `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName returns the table name for GORM
func (MetricOverrideModel) TableName() string {
	return "ul_billing_account_metric_overrides"
}

// ToDomain converts the persistence model to a domain MetricOverride
func (m *MetricOverrideModel) ToDomain() *billing.MetricOverride {
	o := &billing.MetricOverride{
		ID:                m.ID,
		AccountID:         m.BillingAccountID,
		MetricCode:        m.MetricCode,
		IncludedAmount:    m.IncludedAmount,
		OverageEnabled:    m.OverageEnabled,
		OverageUnitSize:   m.OverageUnitSize,
		OveragePriceCents: m.OveragePriceCents,
		MaxOverageAmount:  m.MaxOverageAmount,
		Reason:            m.Reason,
		StartedAt:         m.StartedAt,
		EndedAt:           m.EndedAt,
		Metadata:          m.Metadata,
	}
	if m.PricingMode != nil {
		mode := billing.PricingMode(*m.PricingMode)
		o.PricingMode = &mode
	}
	if m.EnforcementMode != nil {
		mode := billing.EnforcementMode(*m.EnforcementMode)
		o.EnforcementMode = &mode
	}
	if m.HybridOverflowMode != nil {
		mode := billing.PricingMode(*m.HybridOverflowMode)
		o.HybridOverflowMode = &mode
	}
	return o
}

// MetricOverrideModelFromDomain creates a persistence model from a domain MetricOverride
func MetricOverrideModelFromDomain(o *billing.MetricOverride) *MetricOverrideModel {
	m := &MetricOverrideModel{
		ID:                o.ID,
		BillingAccountID:  o.AccountID,
		MetricCode:        o.MetricCode,
		IncludedAmount:    o.IncludedAmount,
		OverageEnabled:    o.OverageEnabled,
		OverageUnitSize:   o.OverageUnitSize,
		OveragePriceCents: o.OveragePriceCents,
		MaxOverageAmount:  o.MaxOverageAmount,
		Reason:            o.Reason,
		StartedAt:         o.StartedAt.UTC(),
		EndedAt:           o.EndedAt,
		Metadata:          o.Metadata,
	}
	if o.PricingMode != nil {
		s := string(*o.PricingMode)
		m.PricingMode = &s
	}
	if o.EnforcementMode != nil {
		s := string(*o.EnforcementMode)
		m.EnforcementMode = &s
	}
	if o.HybridOverflowMode != nil {
		s := string(*o.HybridOverflowMode)
		m.HybridOverflowMode = &s
	}
	return m
}
