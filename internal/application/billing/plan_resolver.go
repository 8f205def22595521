package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PlanCache stores resolved plans by key. Get returns nil, nil on a miss.
type PlanCache interface {
	Get(ctx context.Context, key string) (*billing.ResolvedPlan, error)
	Set(ctx context.Context, key string, plan *billing.ResolvedPlan, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PlanResolverConfig contains configuration for PlanResolver
type PlanResolverConfig struct {
	CacheTTL    time.Duration
	CachePrefix string
	Defaults    billing.LimitDefaults
	Now         func() time.Time
}

// DefaultPlanResolverConfig returns the default configuration
func DefaultPlanResolverConfig() PlanResolverConfig {
	return PlanResolverConfig{
		CacheTTL:    60 * time.Second,
		CachePrefix: "ul_plan:",
		Defaults:    billing.DefaultLimitDefaults(),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// PlanResolver computes the effective metric limits of an account from its
// active plan assignment and metric overrides.
type PlanResolver struct {
	planRepo billing.PlanRepository
	cache    PlanCache
	group    singleflight.Group
	config   PlanResolverConfig
	logger   *zap.Logger
}

// NewPlanResolver creates a new PlanResolver. cache may be nil to disable caching.
func NewPlanResolver(planRepo billing.PlanRepository, cache PlanCache, logger *zap.Logger, config PlanResolverConfig) *PlanResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultPlanResolverConfig()
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.CachePrefix == "" {
		config.CachePrefix = defaults.CachePrefix
	}
	if !config.Defaults.EnforcementMode.IsValid() {
		config.Defaults.EnforcementMode = defaults.Defaults.EnforcementMode
	}
	if !config.Defaults.PricingMode.IsValid() {
		config.Defaults.PricingMode = defaults.Defaults.PricingMode
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &PlanResolver{
		planRepo: planRepo,
		cache:    cache,
		config:   config,
		logger:   logger.Named("plan_resolver"),
	}
}

func (r *PlanResolver) cacheKey(accountID int64) string {
	return r.config.CachePrefix + strconv.FormatInt(accountID, 10)
}

// Resolve returns the effective plan of the account. Concurrent misses for
// the same account share one database load.
func (r *PlanResolver) Resolve(ctx context.Context, accountID int64) (*billing.ResolvedPlan, error) {
	key := r.cacheKey(accountID)

	if r.cache != nil {
		plan, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("Plan cache read failed, loading from database",
				zap.Int64("billing_account_id", accountID),
				zap.Error(err),
			)
		} else if plan != nil {
			return plan, nil
		}
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		plan, err := r.load(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.Set(ctx, key, plan, r.config.CacheTTL); err != nil {
				r.logger.Warn("Plan cache write failed",
					zap.Int64("billing_account_id", accountID),
					zap.Error(err),
				)
			}
		}
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*billing.ResolvedPlan), nil
}

// ResolveMetric returns the effective limit of one metric, or nil when the
// account's plan does not meter it.
func (r *PlanResolver) ResolveMetric(ctx context.Context, accountID int64, metricCode string) (*billing.ResolvedMetricLimit, error) {
	plan, err := r.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	limit, ok := plan.Metric(metricCode)
	if !ok {
		return nil, nil
	}
	return &limit, nil
}

// InvalidateCache drops the cached plan of the account
func (r *PlanResolver) InvalidateCache(ctx context.Context, accountID int64) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Delete(ctx, r.cacheKey(accountID)); err != nil {
		return fmt.Errorf("invalidate plan cache for account %d: %w", accountID, err)
	}
	r.logger.Debug("Plan cache invalidated", zap.Int64("billing_account_id", accountID))
	return nil
}

func (r *PlanResolver) load(ctx context.Context, accountID int64) (*billing.ResolvedPlan, error) {
	now := r.config.Now()

	assignment, err := r.planRepo.FindActiveAssignment(ctx, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("find plan assignment: %w", err)
	}
	if assignment == nil {
		return billing.NoPlan(), nil
	}

	plan, err := r.planRepo.FindPlanByID(ctx, assignment.PlanID)
	if errors.Is(err, shared.ErrNotFound) {
		return billing.NoPlan(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find plan %d: %w", assignment.PlanID, err)
	}

	limits, err := r.planRepo.ListMetricLimits(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("list metric limits: %w", err)
	}
	overrides, err := r.planRepo.ListActiveOverrides(ctx, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	byMetric := make(map[string]*billing.MetricOverride, len(overrides))
	for _, o := range overrides {
		byMetric[o.MetricCode] = o
	}

	resolved := &billing.ResolvedPlan{
		PlanID:   plan.ID,
		PlanCode: plan.Code,
		Metrics:  make(map[string]billing.ResolvedMetricLimit, len(limits)),
	}
	for _, limit := range limits {
		resolved.Metrics[limit.MetricCode] = billing.MergeMetricLimit(*limit, byMetric[limit.MetricCode], r.config.Defaults)
	}
	return resolved, nil
}
