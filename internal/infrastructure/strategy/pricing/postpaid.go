package pricing

import (
	"context"
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// PostpaidPolicy records overage for later invoicing instead of charging
type PostpaidPolicy struct{}

// NewPostpaidPolicy creates a postpaid policy
func NewPostpaidPolicy() *PostpaidPolicy {
	return &PostpaidPolicy{}
}

// Mode returns the pricing mode
func (p *PostpaidPolicy) Mode() billing.PricingMode {
	return billing.PricingModePostpaid
}

// Authorize always succeeds. The overage cap is the enforcement policy's job.
func (p *PostpaidPolicy) Authorize(context.Context, billing.PricingRepositories, billing.AuthorizeRequest) (billing.AffordabilityResult, error) {
	return billing.CanAfford(0), nil
}

// Charge rewrites the period's overage row from the cumulative committed usage.
// Overwriting rather than incrementing makes a repeated charge harmless, and
// a row already past this charge's cumulative usage is left alone.
func (p *PostpaidPolicy) Charge(ctx context.Context, repos billing.PricingRepositories, req billing.ChargeRequest) (billing.ChargeResult, error) {
	limit := req.MetricLimit
	overage := limit.OverageFor(req.CommittedBefore + req.Amount)
	if overage <= 0 || !limit.OverageEnabled {
		return billing.ChargeResult{}, nil
	}
	total := limit.CalculateOverageCost(overage)
	if total == 0 {
		return billing.ChargeResult{}, nil
	}

	existing, err := repos.OverageRepo().Find(ctx, req.Account.ID, limit.MetricCode, req.Period.StartDate())
	if err != nil {
		return billing.ChargeResult{}, fmt.Errorf("find overage: %w", err)
	}
	if existing != nil && existing.OverageAmount >= overage {
		return billing.ChargeResult{AmountCents: existing.TotalPriceCents, OverageRecorded: true}, nil
	}

	err = repos.OverageRepo().Upsert(ctx, &billing.UsageOverage{
		AccountID:        req.Account.ID,
		MetricCode:       limit.MetricCode,
		PeriodStart:      req.Period.StartDate(),
		OverageAmount:    overage,
		OverageUnitSize:  max(limit.OverageUnitSize, 1),
		UnitPriceCents:   limit.OveragePriceCents,
		TotalPriceCents:  total,
		SettlementStatus: billing.OverageSettlementPending,
	})
	if err != nil {
		return billing.ChargeResult{}, fmt.Errorf("record overage: %w", err)
	}
	return billing.ChargeResult{AmountCents: total, OverageRecorded: true}, nil
}

// Refund is a no-op; reconciliation recalculates overage rows
func (p *PostpaidPolicy) Refund(context.Context, billing.PricingRepositories, billing.RefundRequest) (billing.RefundResult, error) {
	return billing.RefundResult{}, nil
}
