package pricing

import (
	"context"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// HybridPolicy is free within the included amount. Usage beyond it is settled
// by the prepaid or postpaid policy named by the limit's overflow mode.
type HybridPolicy struct {
	prepaid  billing.PricingPolicy
	postpaid billing.PricingPolicy
}

// NewHybridPolicy creates a hybrid policy delegating overflow to prepaid or postpaid
func NewHybridPolicy(prepaid, postpaid billing.PricingPolicy) *HybridPolicy {
	return &HybridPolicy{prepaid: prepaid, postpaid: postpaid}
}

// Mode returns the pricing mode
func (p *HybridPolicy) Mode() billing.PricingMode {
	return billing.PricingModeHybrid
}

// Authorize is free while committed usage plus the request stays included
func (p *HybridPolicy) Authorize(ctx context.Context, repos billing.PricingRepositories, req billing.AuthorizeRequest) (billing.AffordabilityResult, error) {
	if req.Aggregate.CommittedUsage+req.Amount <= req.MetricLimit.IncludedAmount {
		return billing.Free(), nil
	}
	return p.overflow(req.MetricLimit).Authorize(ctx, repos, req)
}

// Charge is free while the commit stays within the included amount
func (p *HybridPolicy) Charge(ctx context.Context, repos billing.PricingRepositories, req billing.ChargeRequest) (billing.ChargeResult, error) {
	if req.CommittedBefore+req.Amount <= req.MetricLimit.IncludedAmount {
		return billing.ChargeResult{}, nil
	}
	return p.overflow(req.MetricLimit).Charge(ctx, repos, req)
}

// Refund always delegates; the overflow policy knows whether anything was charged
func (p *HybridPolicy) Refund(ctx context.Context, repos billing.PricingRepositories, req billing.RefundRequest) (billing.RefundResult, error) {
	return p.overflow(req.MetricLimit).Refund(ctx, repos, req)
}

func (p *HybridPolicy) overflow(limit billing.ResolvedMetricLimit) billing.PricingPolicy {
	if limit.HybridOverflowMode == billing.PricingModePrepaid {
		return p.prepaid
	}
	return p.postpaid
}
