package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"go.uber.org/zap/zaptest"
)

type mapPlanCache struct {
	mu      sync.Mutex
	entries map[string]*billing.ResolvedPlan
	getErr  error
}

func newMapPlanCache() *mapPlanCache {
	return &mapPlanCache{entries: make(map[string]*billing.ResolvedPlan)}
}

func (c *mapPlanCache) Get(_ context.Context, key string) (*billing.ResolvedPlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[key], nil
}

func (c *mapPlanCache) Set(_ context.Context, key string, plan *billing.ResolvedPlan, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = plan
	return nil
}

func (c *mapPlanCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func ptr[T any](v T) *T { return &v }

func resolverConfig() PlanResolverConfig {
	cfg := DefaultPlanResolverConfig()
	cfg.Now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return cfg
}

func stubPlan(repo *mockPlanRepository, accountID int64, overrides []*billing.MetricOverride) {
	repo.On("FindActiveAssignment", mock.Anything, accountID, mock.Anything).
		Return(&billing.PlanAssignment{ID: 1, AccountID: accountID, PlanID: 10}, nil)
	repo.On("FindPlanByID", mock.Anything, int64(10)).
		Return(&billing.Plan{ID: 10, Code: "pro", Name: "Pro", IsActive: true}, nil)
	repo.On("ListMetricLimits", mock.Anything, int64(10)).Return([]*billing.PlanMetricLimit{
		{PlanID: 10, MetricCode: "api_calls", IncludedAmount: 1000, OverageEnabled: true, OverageUnitSize: ptr(int64(100)), OveragePriceCents: ptr(int64(25))},
		{PlanID: 10, MetricCode: "seats", IncludedAmount: 5, EnforcementMode: billing.EnforcementModeSoft},
	}, nil)
	repo.On("ListActiveOverrides", mock.Anything, accountID, mock.Anything).Return(overrides, nil)
}

func TestPlanResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("merges plan limits with overrides", func(t *testing.T) {
		repo := new(mockPlanRepository)
		stubPlan(repo, 1, []*billing.MetricOverride{
			{AccountID: 1, MetricCode: "api_calls", IncludedAmount: ptr(int64(5000)), PricingMode: ptr(billing.PricingModePrepaid)},
		})
		resolver := NewPlanResolver(repo, nil, zaptest.NewLogger(t), resolverConfig())

		plan, err := resolver.Resolve(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "pro", plan.PlanCode)

		api, ok := plan.Metric("api_calls")
		require.True(t, ok)
		assert.Equal(t, int64(5000), api.IncludedAmount)
		assert.Equal(t, billing.PricingModePrepaid, api.PricingMode)
		assert.Equal(t, billing.EnforcementModeHard, api.EnforcementMode)
		assert.Equal(t, int64(100), api.OverageUnitSize)

		seats, ok := plan.Metric("seats")
		require.True(t, ok)
		assert.Equal(t, billing.EnforcementModeSoft, seats.EnforcementMode)
		assert.Equal(t, billing.PricingModePostpaid, seats.PricingMode)
	})

	t.Run("no assignment resolves to an empty plan", func(t *testing.T) {
		repo := new(mockPlanRepository)
		repo.On("FindActiveAssignment", mock.Anything, int64(2), mock.Anything).Return(nil, nil)
		resolver := NewPlanResolver(repo, nil, nil, resolverConfig())

		limit, err := resolver.ResolveMetric(ctx, 2, "api_calls")
		require.NoError(t, err)
		assert.Nil(t, limit)
	})

	t.Run("deleted plan resolves to an empty plan", func(t *testing.T) {
		repo := new(mockPlanRepository)
		repo.On("FindActiveAssignment", mock.Anything, int64(2), mock.Anything).
			Return(&billing.PlanAssignment{AccountID: 2, PlanID: 99}, nil)
		repo.On("FindPlanByID", mock.Anything, int64(99)).Return(nil, shared.ErrNotFound)
		resolver := NewPlanResolver(repo, nil, nil, resolverConfig())

		plan, err := resolver.Resolve(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, plan.Metrics)
	})

	t.Run("repository failure is returned", func(t *testing.T) {
		repo := new(mockPlanRepository)
		repo.On("FindActiveAssignment", mock.Anything, int64(2), mock.Anything).Return(nil, errors.New("connection refused"))
		resolver := NewPlanResolver(repo, nil, nil, resolverConfig())

		_, err := resolver.Resolve(ctx, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "find plan assignment")
	})
}

func TestPlanResolver_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("second resolve is served from cache", func(t *testing.T) {
		repo := new(mockPlanRepository)
		stubPlan(repo, 1, nil)
		cache := newMapPlanCache()
		resolver := NewPlanResolver(repo, cache, nil, resolverConfig())

		_, err := resolver.Resolve(ctx, 1)
		require.NoError(t, err)
		_, err = resolver.Resolve(ctx, 1)
		require.NoError(t, err)

		repo.AssertNumberOfCalls(t, "FindActiveAssignment", 1)
		assert.Contains(t, cache.entries, "ul_plan:1")
	})

	t.Run("invalidate forces a reload", func(t *testing.T) {
		repo := new(mockPlanRepository)
		stubPlan(repo, 1, nil)
		cache := newMapPlanCache()
		resolver := NewPlanResolver(repo, cache, nil, resolverConfig())

		_, err := resolver.Resolve(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, resolver.InvalidateCache(ctx, 1))
		assert.NotContains(t, cache.entries, "ul_plan:1")

		_, err = resolver.Resolve(ctx, 1)
		require.NoError(t, err)
		repo.AssertNumberOfCalls(t, "FindActiveAssignment", 2)
	})

	t.Run("cache read failure falls back to the database", func(t *testing.T) {
		repo := new(mockPlanRepository)
		stubPlan(repo, 1, nil)
		cache := newMapPlanCache()
		cache.getErr = errors.New("redis: connection pool timeout")
		resolver := NewPlanResolver(repo, cache, nil, resolverConfig())

		limit, err := resolver.ResolveMetric(ctx, 1, "api_calls")
		require.NoError(t, err)
		require.NotNil(t, limit)
		assert.Equal(t, int64(1000), limit.IncludedAmount)
	})

	t.Run("nil cache invalidation is a no-op", func(t *testing.T) {
		resolver := NewPlanResolver(new(mockPlanRepository), nil, nil, resolverConfig())
		assert.NoError(t, resolver.InvalidateCache(ctx, 1))
	})
}

// blockingPlanRepository counts assignment lookups and holds them until released
type blockingPlanRepository struct {
	mockPlanRepository
	loads   atomic.Int32
	release chan struct{}
}

func (r *blockingPlanRepository) FindActiveAssignment(ctx context.Context, accountID int64, at time.Time) (*billing.PlanAssignment, error) {
	r.loads.Add(1)
	<-r.release
	return nil, nil
}

func TestPlanResolver_ConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	repo := &blockingPlanRepository{release: make(chan struct{})}
	resolver := NewPlanResolver(repo, newMapPlanCache(), nil, resolverConfig())

	const callers = 8
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			plan, err := resolver.Resolve(ctx, 3)
			assert.NoError(t, err)
			assert.NotNil(t, plan)
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	assert.Equal(t, int32(1), repo.loads.Load())
}
