package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

// PolicyRegistry maps enforcement modes, pricing modes, and period resolver
// names to their implementations.
type PolicyRegistry struct {
	mu                  sync.RWMutex
	enforcementPolicies map[billing.EnforcementMode]billing.EnforcementPolicy
	pricingPolicies     map[billing.PricingMode]billing.PricingPolicy
	periodResolvers     map[string]billing.PeriodResolver
	defaultResolver     string
}

// NewPolicyRegistry creates an empty registry
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		enforcementPolicies: make(map[billing.EnforcementMode]billing.EnforcementPolicy),
		pricingPolicies:     make(map[billing.PricingMode]billing.PricingPolicy),
		periodResolvers:     make(map[string]billing.PeriodResolver),
	}
}

// RegisterEnforcementPolicy registers a policy under its mode
func (r *PolicyRegistry) RegisterEnforcementPolicy(p billing.EnforcementPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode := p.Mode()
	if _, exists := r.enforcementPolicies[mode]; exists {
		return fmt.Errorf("%w: enforcement policy '%s' already registered", shared.ErrAlreadyExists, mode)
	}
	r.enforcementPolicies[mode] = p
	return nil
}

// EnforcementPolicy returns the policy for mode
func (r *PolicyRegistry) EnforcementPolicy(mode billing.EnforcementMode) (billing.EnforcementPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.enforcementPolicies[mode]
	if !exists {
		return nil, fmt.Errorf("%w: no enforcement policy registered for mode '%s'", shared.ErrNotFound, mode)
	}
	return p, nil
}

// ListEnforcementModes returns the registered enforcement modes, sorted
func (r *PolicyRegistry) ListEnforcementModes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.enforcementPolicies))
	for mode := range r.enforcementPolicies {
		names = append(names, mode.String())
	}
	sort.Strings(names)
	return names
}

// RegisterPricingPolicy registers a policy under its mode
func (r *PolicyRegistry) RegisterPricingPolicy(p billing.PricingPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode := p.Mode()
	if _, exists := r.pricingPolicies[mode]; exists {
		return fmt.Errorf("%w: pricing policy '%s' already registered", shared.ErrAlreadyExists, mode)
	}
	r.pricingPolicies[mode] = p
	return nil
}

// PricingPolicy returns the policy for mode
func (r *PolicyRegistry) PricingPolicy(mode billing.PricingMode) (billing.PricingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.pricingPolicies[mode]
	if !exists {
		return nil, fmt.Errorf("%w: no pricing policy registered for mode '%s'", shared.ErrNotFound, mode)
	}
	return p, nil
}

// ListPricingModes returns the registered pricing modes, sorted
func (r *PolicyRegistry) ListPricingModes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pricingPolicies))
	for mode := range r.pricingPolicies {
		names = append(names, mode.String())
	}
	sort.Strings(names)
	return names
}

// RegisterPeriodResolver registers a resolver under name. The first resolver
// registered becomes the default.
func (r *PolicyRegistry) RegisterPeriodResolver(name string, resolver billing.PeriodResolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.periodResolvers[name]; exists {
		return fmt.Errorf("%w: period resolver '%s' already registered", shared.ErrAlreadyExists, name)
	}
	r.periodResolvers[name] = resolver
	if r.defaultResolver == "" {
		r.defaultResolver = name
	}
	return nil
}

// SetDefaultPeriodResolver selects the resolver returned for an empty name
func (r *PolicyRegistry) SetDefaultPeriodResolver(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.periodResolvers[name]; !exists {
		return fmt.Errorf("%w: period resolver '%s' not found", shared.ErrNotFound, name)
	}
	r.defaultResolver = name
	return nil
}

// PeriodResolver returns a resolver by name, or the default if name is empty
func (r *PolicyRegistry) PeriodResolver(name string) (billing.PeriodResolver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultResolver
		if name == "" {
			return nil, fmt.Errorf("%w: no default period resolver set", shared.ErrNotFound)
		}
	}
	resolver, exists := r.periodResolvers[name]
	if !exists {
		return nil, fmt.Errorf("%w: period resolver '%s' not found", shared.ErrNotFound, name)
	}
	return resolver, nil
}

// ListPeriodResolvers returns the registered resolver names, sorted
func (r *PolicyRegistry) ListPeriodResolvers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.periodResolvers))
	for name := range r.periodResolvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
