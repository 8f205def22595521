// Package enforcement contains the admission policies that decide whether
// usage may be reserved against a metric limit.
package enforcement

import (
	"context"
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// HardPolicy denies any reservation that would take committed plus reserved
// usage past the effective limit.
type HardPolicy struct{}

// NewHardPolicy creates a hard enforcement policy
func NewHardPolicy() *HardPolicy {
	return &HardPolicy{}
}

// Mode returns the enforcement mode
func (p *HardPolicy) Mode() billing.EnforcementMode {
	return billing.EnforcementModeHard
}

// Evaluate denies when the projected total would exceed the effective limit
func (p *HardPolicy) Evaluate(ectx billing.EnforcementContext) billing.EnforcementDecision {
	if exceeds(ectx) {
		return billing.DecisionDeny
	}
	return billing.DecisionAllow
}

// ReserveAtomic issues the conditional reserve. The decision comes only from
// whether the row was updated; the snapshot in ectx may already be stale.
func (p *HardPolicy) ReserveAtomic(ctx context.Context, repo billing.UsageRepository, ectx billing.EnforcementContext, aggregateID int64) (billing.EnforcementDecision, error) {
	ok, err := repo.AtomicConditionalReserve(ctx, aggregateID, ectx.RequestedAmount, ectx.EffectiveLimit)
	if err != nil {
		return billing.DecisionDeny, fmt.Errorf("conditional reserve: %w", err)
	}
	if !ok {
		return billing.DecisionDeny, nil
	}
	return billing.DecisionAllow, nil
}

// exceeds compares without computing current+requested, which could overflow
// against an unbounded limit.
func exceeds(ectx billing.EnforcementContext) bool {
	return ectx.RequestedAmount > ectx.EffectiveLimit-ectx.CurrentTotal()
}
