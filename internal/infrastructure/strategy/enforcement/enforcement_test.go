package enforcement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/usagelimiter/backend/internal/domain/billing"
)

// mockUsageRepo implements only the reserve primitives; any other call panics
type mockUsageRepo struct {
	billing.UsageRepository
	mock.Mock
}

func (m *mockUsageRepo) AtomicConditionalReserve(ctx context.Context, aggregateID, amount, limit int64) (bool, error) {
	args := m.Called(ctx, aggregateID, amount, limit)
	return args.Bool(0), args.Error(1)
}

func (m *mockUsageRepo) AtomicUnconditionalReserve(ctx context.Context, aggregateID, amount int64) error {
	args := m.Called(ctx, aggregateID, amount)
	return args.Error(0)
}

func contextFor(limit billing.ResolvedMetricLimit, committed, reserved, requested int64) billing.EnforcementContext {
	return billing.EnforcementContext{
		AccountID:        1,
		MetricLimit:      limit,
		RequestedAmount:  requested,
		CurrentCommitted: committed,
		CurrentReserved:  reserved,
		EffectiveLimit:   limit.EffectiveLimit(),
	}
}

func TestHardPolicy_Evaluate(t *testing.T) {
	limit := billing.ResolvedMetricLimit{MetricCode: "api_calls", IncludedAmount: 100}
	unbounded := billing.ResolvedMetricLimit{MetricCode: "api_calls", IncludedAmount: 100, OverageEnabled: true}

	tests := []struct {
		name      string
		limit     billing.ResolvedMetricLimit
		committed int64
		reserved  int64
		requested int64
		expected  billing.EnforcementDecision
	}{
		{"well under limit", limit, 10, 10, 10, billing.DecisionAllow},
		{"exactly at limit", limit, 60, 30, 10, billing.DecisionAllow},
		{"one past limit", limit, 60, 30, 11, billing.DecisionDeny},
		{"already over limit", limit, 120, 0, 1, billing.DecisionDeny},
		{"unbounded never overflows", unbounded, 1 << 60, 1 << 60, 1_000_000_000, billing.DecisionAllow},
	}

	p := NewHardPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.Evaluate(contextFor(tt.limit, tt.committed, tt.reserved, tt.requested)))
		})
	}
}

func TestHardPolicy_ReserveAtomic(t *testing.T) {
	ctx := context.Background()
	limit := billing.ResolvedMetricLimit{MetricCode: "api_calls", IncludedAmount: 100}

	t.Run("row updated allows", func(t *testing.T) {
		repo := &mockUsageRepo{}
		repo.On("AtomicConditionalReserve", ctx, int64(7), int64(5), int64(100)).Return(true, nil)

		decision, err := NewHardPolicy().ReserveAtomic(ctx, repo, contextFor(limit, 0, 0, 5), 7)
		require.NoError(t, err)
		assert.Equal(t, billing.DecisionAllow, decision)
		repo.AssertExpectations(t)
	})

	t.Run("no row updated denies even when the snapshot looked fine", func(t *testing.T) {
		repo := &mockUsageRepo{}
		repo.On("AtomicConditionalReserve", ctx, int64(7), int64(5), int64(100)).Return(false, nil)

		decision, err := NewHardPolicy().ReserveAtomic(ctx, repo, contextFor(limit, 0, 0, 5), 7)
		require.NoError(t, err)
		assert.Equal(t, billing.DecisionDeny, decision)
	})

	t.Run("repository error propagates", func(t *testing.T) {
		repo := &mockUsageRepo{}
		repo.On("AtomicConditionalReserve", ctx, int64(7), int64(5), int64(100)).Return(false, errors.New("deadlock"))

		decision, err := NewHardPolicy().ReserveAtomic(ctx, repo, contextFor(limit, 0, 0, 5), 7)
		require.Error(t, err)
		assert.Equal(t, billing.DecisionDeny, decision)
	})
}

func TestSoftPolicy(t *testing.T) {
	ctx := context.Background()
	limit := billing.ResolvedMetricLimit{MetricCode: "storage_gb", IncludedAmount: 10, EnforcementMode: billing.EnforcementModeSoft}

	t.Run("under limit allows", func(t *testing.T) {
		repo := &mockUsageRepo{}
		repo.On("AtomicUnconditionalReserve", ctx, int64(3), int64(4)).Return(nil)

		decision, err := NewSoftPolicy().ReserveAtomic(ctx, repo, contextFor(limit, 2, 2, 4), 3)
		require.NoError(t, err)
		assert.Equal(t, billing.DecisionAllow, decision)
		repo.AssertExpectations(t)
	})

	t.Run("over limit warns but still reserves", func(t *testing.T) {
		repo := &mockUsageRepo{}
		repo.On("AtomicUnconditionalReserve", ctx, int64(3), int64(50)).Return(nil)

		decision, err := NewSoftPolicy().ReserveAtomic(ctx, repo, contextFor(limit, 8, 0, 50), 3)
		require.NoError(t, err)
		assert.Equal(t, billing.DecisionAllowWithWarning, decision)
		assert.True(t, decision.IsAllowed())
		repo.AssertExpectations(t)
	})

	t.Run("evaluate never denies", func(t *testing.T) {
		assert.Equal(t, billing.DecisionAllowWithWarning, NewSoftPolicy().Evaluate(contextFor(limit, 1000, 0, 1)))
	})

	t.Run("repository error propagates", func(t *testing.T) {
		repo := &mockUsageRepo{}
		repo.On("AtomicUnconditionalReserve", ctx, int64(3), int64(1)).Return(errors.New("boom"))

		_, err := NewSoftPolicy().ReserveAtomic(ctx, repo, contextFor(limit, 0, 0, 1), 3)
		assert.Error(t, err)
	})
}
