package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy/enforcement"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy/period"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy/pricing"
)

func TestPolicyRegistry_Enforcement(t *testing.T) {
	r := NewPolicyRegistry()

	_, err := r.EnforcementPolicy(billing.EnforcementModeHard)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, r.RegisterEnforcementPolicy(enforcement.NewHardPolicy()))
	err = r.RegisterEnforcementPolicy(enforcement.NewHardPolicy())
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	p, err := r.EnforcementPolicy(billing.EnforcementModeHard)
	require.NoError(t, err)
	assert.Equal(t, billing.EnforcementModeHard, p.Mode())
	assert.Equal(t, []string{"hard"}, r.ListEnforcementModes())
}

func TestPolicyRegistry_Pricing(t *testing.T) {
	r := NewPolicyRegistry()
	require.NoError(t, r.RegisterPricingPolicy(pricing.NewPostpaidPolicy()))

	err := r.RegisterPricingPolicy(pricing.NewPostpaidPolicy())
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	_, err = r.PricingPolicy(billing.PricingModePrepaid)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	p, err := r.PricingPolicy(billing.PricingModePostpaid)
	require.NoError(t, err)
	assert.Equal(t, billing.PricingModePostpaid, p.Mode())
}

func TestPolicyRegistry_PeriodResolvers(t *testing.T) {
	r := NewPolicyRegistry()

	_, err := r.PeriodResolver("")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, r.RegisterPeriodResolver(period.NameWeekly, period.NewWeeklyResolver(nil)))
	require.NoError(t, r.RegisterPeriodResolver(period.NameCalendarMonth, period.NewCalendarMonthResolver(nil)))

	t.Run("first registered is the default", func(t *testing.T) {
		res, err := r.PeriodResolver("")
		require.NoError(t, err)
		assert.IsType(t, &period.WeeklyResolver{}, res)
	})

	t.Run("default can be changed", func(t *testing.T) {
		require.NoError(t, r.SetDefaultPeriodResolver(period.NameCalendarMonth))
		res, err := r.PeriodResolver("")
		require.NoError(t, err)
		assert.IsType(t, &period.CalendarMonthResolver{}, res)
	})

	t.Run("unknown default is rejected", func(t *testing.T) {
		assert.ErrorIs(t, r.SetDefaultPeriodResolver("fortnightly"), shared.ErrNotFound)
	})

	assert.Equal(t, []string{"calendar_month", "weekly"}, r.ListPeriodResolvers())
}

func TestNewRegistryWithDefaults(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) }
	r, err := NewRegistryWithDefaults(Dependencies{Clock: clock, DefaultPeriodResolver: period.NameWeekly})
	require.NoError(t, err)

	assert.Equal(t, []string{"hard", "soft"}, r.ListEnforcementModes())
	assert.Equal(t, []string{"hybrid", "postpaid", "prepaid"}, r.ListPricingModes())
	assert.Equal(t, []string{"calendar_month", "rolling_30", "weekly"}, r.ListPeriodResolvers())

	res, err := r.PeriodResolver("")
	require.NoError(t, err)
	p, err := res.Current(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2026-W43", p.Key)

	_, err = NewRegistryWithDefaults(Dependencies{DefaultPeriodResolver: "quarterly"})
	assert.Error(t, err)
}

func TestPolicyRegistry_ConcurrentAccess(t *testing.T) {
	r, err := NewRegistryWithDefaults(Dependencies{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.EnforcementPolicy(billing.EnforcementModeSoft)
			_, _ = r.PricingPolicy(billing.PricingModeHybrid)
			_, _ = r.PeriodResolver(period.NameRolling30)
			_ = r.ListPricingModes()
		}()
	}
	wg.Wait()
}
