package billing

import (
	"context"
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// EnforcementPolicies looks up enforcement policies by mode
type EnforcementPolicies interface {
	EnforcementPolicy(mode billing.EnforcementMode) (billing.EnforcementPolicy, error)
}

// PricingPolicies looks up pricing policies by mode
type PricingPolicies interface {
	PricingPolicy(mode billing.PricingMode) (billing.PricingPolicy, error)
}

// EnforcementEngine dispatches admission decisions to the policy selected by
// the metric's enforcement mode.
type EnforcementEngine struct {
	policies EnforcementPolicies
}

// NewEnforcementEngine creates an engine over the given policy registry
func NewEnforcementEngine(policies EnforcementPolicies) *EnforcementEngine {
	return &EnforcementEngine{policies: policies}
}

// Evaluate decides on the snapshot in ectx without mutating anything
func (e *EnforcementEngine) Evaluate(ectx billing.EnforcementContext) (billing.EnforcementDecision, error) {
	policy, err := e.policies.EnforcementPolicy(ectx.MetricLimit.EnforcementMode)
	if err != nil {
		return billing.DecisionDeny, err
	}
	return policy.Evaluate(ectx), nil
}

// ReserveWithEnforcement performs the policy's check-and-reserve against the aggregate
func (e *EnforcementEngine) ReserveWithEnforcement(ctx context.Context, repo billing.UsageRepository, ectx billing.EnforcementContext, aggregateID int64) (billing.EnforcementDecision, error) {
	policy, err := e.policies.EnforcementPolicy(ectx.MetricLimit.EnforcementMode)
	if err != nil {
		return billing.DecisionDeny, err
	}
	return policy.ReserveAtomic(ctx, repo, ectx, aggregateID)
}

// PricingEngine dispatches authorization, charge and refund to the policy
// selected by the metric's pricing mode.
type PricingEngine struct {
	policies PricingPolicies
}

// NewPricingEngine creates an engine over the given policy registry
func NewPricingEngine(policies PricingPolicies) *PricingEngine {
	return &PricingEngine{policies: policies}
}

func (e *PricingEngine) policy(limit billing.ResolvedMetricLimit) (billing.PricingPolicy, error) {
	p, err := e.policies.PricingPolicy(limit.PricingMode)
	if err != nil {
		return nil, fmt.Errorf("metric '%s': %w", limit.MetricCode, err)
	}
	return p, nil
}

// Authorize asks the pricing policy whether the account can pay for the request
func (e *PricingEngine) Authorize(ctx context.Context, repos billing.PricingRepositories, req billing.AuthorizeRequest) (billing.AffordabilityResult, error) {
	p, err := e.policy(req.MetricLimit)
	if err != nil {
		return billing.AffordabilityResult{}, err
	}
	return p.Authorize(ctx, repos, req)
}

// Charge settles a committed reservation
func (e *PricingEngine) Charge(ctx context.Context, repos billing.PricingRepositories, req billing.ChargeRequest) (billing.ChargeResult, error) {
	p, err := e.policy(req.MetricLimit)
	if err != nil {
		return billing.ChargeResult{}, err
	}
	return p.Charge(ctx, repos, req)
}

// Refund reverses the charge of a released reservation
func (e *PricingEngine) Refund(ctx context.Context, repos billing.PricingRepositories, req billing.RefundRequest) (billing.RefundResult, error) {
	p, err := e.policy(req.MetricLimit)
	if err != nil {
		return billing.RefundResult{}, err
	}
	return p.Refund(ctx, repos, req)
}
