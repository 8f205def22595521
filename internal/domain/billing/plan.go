package billing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a named bundle of metric limits
type Plan struct {
	ID        int64
	Code      string
	Name      string
	IsActive  bool
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlanMetricLimit is the base limit configured on a plan for one metric.
// Nil pointer fields mean "not configured".
type PlanMetricLimit struct {
	ID                 int64
	PlanID             int64
	MetricCode         string
	IncludedAmount     int64
	OverageEnabled     bool
	OverageUnitSize    *int64
	OveragePriceCents  *int64
	PricingMode        PricingMode
	EnforcementMode    EnforcementMode
	MaxOverageAmount   *int64
	HybridOverflowMode PricingMode
	Metadata           map[string]any
}

// PlanAssignment binds an account to a plan for a time range
type PlanAssignment struct {
	ID        int64
	AccountID int64
	PlanID    int64
	StartedAt time.Time
	EndedAt   *time.Time
}

// IsActiveAt returns true when the assignment covers t
func (p *PlanAssignment) IsActiveAt(t time.Time) bool {
	return !p.StartedAt.After(t) && p.EndedAt == nil
}

// MetricOverride replaces plan limit fields for one account and metric.
// Only non-nil fields take effect.
type MetricOverride struct {
	ID                 int64
	AccountID          int64
	MetricCode         string
	IncludedAmount     *int64
	OverageEnabled     *bool
	OverageUnitSize    *int64
	OveragePriceCents  *int64
	PricingMode        *PricingMode
	EnforcementMode    *EnforcementMode
	MaxOverageAmount   *int64
	HybridOverflowMode *PricingMode
	Reason             string
	StartedAt          time.Time
	EndedAt            *time.Time
	Metadata           map[string]any
}

// ResolvedMetricLimit is the effective configuration for one metric of one account
type ResolvedMetricLimit struct {
	MetricCode         string          `json:"metric_code"`
	IncludedAmount     int64           `json:"included_amount"`
	OverageEnabled     bool            `json:"overage_enabled"`
	OverageUnitSize    int64           `json:"overage_unit_size,omitempty"`
	OveragePriceCents  int64           `json:"overage_price_cents,omitempty"`
	PricingMode        PricingMode     `json:"pricing_mode"`
	EnforcementMode    EnforcementMode `json:"enforcement_mode"`
	MaxOverageAmount   *int64          `json:"max_overage_amount,omitempty"`
	HybridOverflowMode PricingMode     `json:"hybrid_overflow_mode,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// Unbounded is the effective limit of a metric with uncapped overage
const Unbounded int64 = math.MaxInt64

// EffectiveLimit is the maximum usage admitted under hard enforcement:
// the included amount when overage is disabled, included plus the cap
// when overage is capped, and Unbounded otherwise.
func (l ResolvedMetricLimit) EffectiveLimit() int64 {
	if !l.OverageEnabled {
		return l.IncludedAmount
	}
	if l.MaxOverageAmount != nil {
		if l.IncludedAmount > Unbounded-*l.MaxOverageAmount {
			return Unbounded
		}
		return l.IncludedAmount + *l.MaxOverageAmount
	}
	return Unbounded
}

// IsUnbounded returns true when no effective limit applies
func (l ResolvedMetricLimit) IsUnbounded() bool {
	return l.EffectiveLimit() == Unbounded
}

// CalculateOverageCost returns ceil(units / unit size) * unit price in cents.
// It is zero when overage is disabled or not priced.
func (l ResolvedMetricLimit) CalculateOverageCost(overageUnits int64) int64 {
	if !l.OverageEnabled || overageUnits <= 0 {
		return 0
	}
	if l.OverageUnitSize <= 0 || l.OveragePriceCents <= 0 {
		return 0
	}
	chunks := decimal.NewFromInt(overageUnits).
		Div(decimal.NewFromInt(l.OverageUnitSize)).
		Ceil()
	return chunks.Mul(decimal.NewFromInt(l.OveragePriceCents)).IntPart()
}

// OverageFor returns the usage above the included amount
func (l ResolvedMetricLimit) OverageFor(committed int64) int64 {
	return max(0, committed-l.IncludedAmount)
}

// IncrementalCost is the cost of moving committed usage from before to
// before+amount. Billing by the delta of the cumulative cost keeps partial
// chunks from being charged twice.
func (l ResolvedMetricLimit) IncrementalCost(committedBefore, amount int64) int64 {
	overageBefore := l.OverageFor(committedBefore)
	overageAfter := l.OverageFor(committedBefore + amount)
	if overageAfter <= overageBefore {
		return 0
	}
	return l.CalculateOverageCost(overageAfter) - l.CalculateOverageCost(overageBefore)
}

// FallbackMetricLimit is used when a metric disappears from a plan while
// reservations against it are still open: nothing included, no overage,
// postpaid, hard.
func FallbackMetricLimit(metricCode string) ResolvedMetricLimit {
	return ResolvedMetricLimit{
		MetricCode:      metricCode,
		PricingMode:     PricingModePostpaid,
		EnforcementMode: EnforcementModeHard,
	}
}

// LimitDefaults supplies modes for limits that leave them unset
type LimitDefaults struct {
	EnforcementMode EnforcementMode
	PricingMode     PricingMode
}

// DefaultLimitDefaults returns hard enforcement with postpaid pricing
func DefaultLimitDefaults() LimitDefaults {
	return LimitDefaults{
		EnforcementMode: EnforcementModeHard,
		PricingMode:     PricingModePostpaid,
	}
}

// MergeMetricLimit overlays an optional account override on a plan limit.
// Each override field wins only when it is set; unset fields keep the plan value.
// A zero plan unit size, price, or overage cap is treated as unset.
func MergeMetricLimit(limit PlanMetricLimit, override *MetricOverride, defaults LimitDefaults) ResolvedMetricLimit {
	resolved := ResolvedMetricLimit{
		MetricCode:         limit.MetricCode,
		IncludedAmount:     limit.IncludedAmount,
		OverageEnabled:     limit.OverageEnabled,
		OverageUnitSize:    positiveOrZero(limit.OverageUnitSize),
		OveragePriceCents:  positiveOrZero(limit.OveragePriceCents),
		PricingMode:        firstPricingMode(limit.PricingMode, defaults.PricingMode),
		EnforcementMode:    firstEnforcementMode(limit.EnforcementMode, defaults.EnforcementMode),
		MaxOverageAmount:   positiveOrNil(limit.MaxOverageAmount),
		HybridOverflowMode: limit.HybridOverflowMode,
		Metadata:           mergeMetadata(limit.Metadata, nil),
	}
	if override == nil {
		return resolved
	}

	if override.IncludedAmount != nil {
		resolved.IncludedAmount = *override.IncludedAmount
	}
	if override.OverageEnabled != nil {
		resolved.OverageEnabled = *override.OverageEnabled
	}
	if override.OverageUnitSize != nil {
		resolved.OverageUnitSize = *override.OverageUnitSize
	}
	if override.OveragePriceCents != nil {
		resolved.OveragePriceCents = *override.OveragePriceCents
	}
	if override.PricingMode != nil && override.PricingMode.IsValid() {
		resolved.PricingMode = *override.PricingMode
	}
	if override.EnforcementMode != nil && override.EnforcementMode.IsValid() {
		resolved.EnforcementMode = *override.EnforcementMode
	}
	if override.MaxOverageAmount != nil {
		v := *override.MaxOverageAmount
		resolved.MaxOverageAmount = &v
	}
	if override.HybridOverflowMode != nil {
		resolved.HybridOverflowMode = *override.HybridOverflowMode
	}
	resolved.Metadata = mergeMetadata(limit.Metadata, override.Metadata)
	return resolved
}

// ResolvedPlan is the effective plan of an account, keyed by metric code
type ResolvedPlan struct {
	PlanID   int64                          `json:"plan_id"`
	PlanCode string                         `json:"plan_code"`
	Metrics  map[string]ResolvedMetricLimit `json:"metrics"`
}

// NoPlan is what an account without an active assignment resolves to
func NoPlan() *ResolvedPlan {
	return &ResolvedPlan{PlanCode: "none", Metrics: map[string]ResolvedMetricLimit{}}
}

// Metric returns the limit for code, or false when the plan does not meter it
func (p *ResolvedPlan) Metric(code string) (ResolvedMetricLimit, bool) {
	if p == nil {
		return ResolvedMetricLimit{}, false
	}
	l, ok := p.Metrics[code]
	return l, ok
}

func positiveOrZero(v *int64) int64 {
	if v == nil || *v <= 0 {
		return 0
	}
	return *v
}

func positiveOrNil(v *int64) *int64 {
	if v == nil || *v <= 0 {
		return nil
	}
	out := *v
	return &out
}

func firstPricingMode(modes ...PricingMode) PricingMode {
	for _, m := range modes {
		if m.IsValid() {
			return m
		}
	}
	return PricingModePostpaid
}

func firstEnforcementMode(modes ...EnforcementMode) EnforcementMode {
	for _, m := range modes {
		if m.IsValid() {
			return m
		}
	}
	return EnforcementModeHard
}

func mergeMetadata(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
