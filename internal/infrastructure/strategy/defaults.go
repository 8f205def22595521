package strategy

import (
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy/enforcement"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy/period"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy/pricing"
	"go.uber.org/zap"
)

// Dependencies are the collaborators the built-in policies need.
// All fields are optional.
type Dependencies struct {
	// Events receives wallet topup requests from the prepaid policy
	Events shared.EventPublisher
	// Accounts anchors rolling periods on account creation
	Accounts period.AccountFinder
	// Clock overrides the current time used by period resolvers
	Clock period.Clock
	// DefaultPeriodResolver names the resolver returned for an empty name
	DefaultPeriodResolver string
	Logger                *zap.Logger
}

// NewRegistryWithDefaults creates a registry holding the hard and soft
// enforcement policies, the prepaid, postpaid and hybrid pricing policies,
// and the calendar month, weekly and rolling period resolvers.
func NewRegistryWithDefaults(deps Dependencies) (*PolicyRegistry, error) {
	r := NewPolicyRegistry()

	if err := r.RegisterEnforcementPolicy(enforcement.NewHardPolicy()); err != nil {
		return nil, err
	}
	if err := r.RegisterEnforcementPolicy(enforcement.NewSoftPolicy()); err != nil {
		return nil, err
	}

	prepaid := pricing.NewPrepaidPolicy(deps.Events, deps.Logger)
	postpaid := pricing.NewPostpaidPolicy()
	if err := r.RegisterPricingPolicy(prepaid); err != nil {
		return nil, err
	}
	if err := r.RegisterPricingPolicy(postpaid); err != nil {
		return nil, err
	}
	if err := r.RegisterPricingPolicy(pricing.NewHybridPolicy(prepaid, postpaid)); err != nil {
		return nil, err
	}

	if err := r.RegisterPeriodResolver(period.NameCalendarMonth, period.NewCalendarMonthResolver(deps.Clock)); err != nil {
		return nil, err
	}
	if err := r.RegisterPeriodResolver(period.NameWeekly, period.NewWeeklyResolver(deps.Clock)); err != nil {
		return nil, err
	}
	if err := r.RegisterPeriodResolver(period.NameRolling30, period.NewRollingResolver(deps.Accounts, deps.Clock)); err != nil {
		return nil, err
	}
	if deps.DefaultPeriodResolver != "" {
		if err := r.SetDefaultPeriodResolver(deps.DefaultPeriodResolver); err != nil {
			return nil, err
		}
	}

	return r, nil
}
