package enforcement

import (
	"context"
	"fmt"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// SoftPolicy admits every reservation and flags the ones that go past the
// effective limit.
type SoftPolicy struct{}

// NewSoftPolicy creates a soft enforcement policy
func NewSoftPolicy() *SoftPolicy {
	return &SoftPolicy{}
}

// Mode returns the enforcement mode
func (p *SoftPolicy) Mode() billing.EnforcementMode {
	return billing.EnforcementModeSoft
}

// Evaluate never denies
func (p *SoftPolicy) Evaluate(ectx billing.EnforcementContext) billing.EnforcementDecision {
	if exceeds(ectx) {
		return billing.DecisionAllowWithWarning
	}
	return billing.DecisionAllow
}

// ReserveAtomic increments unconditionally, then classifies against the snapshot
func (p *SoftPolicy) ReserveAtomic(ctx context.Context, repo billing.UsageRepository, ectx billing.EnforcementContext, aggregateID int64) (billing.EnforcementDecision, error) {
	if err := repo.AtomicUnconditionalReserve(ctx, aggregateID, ectx.RequestedAmount); err != nil {
		return billing.DecisionDeny, fmt.Errorf("unconditional reserve: %w", err)
	}
	return p.Evaluate(ectx), nil
}
