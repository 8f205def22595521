package billing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

const sampleCatalog = `
plans:
  - code: starter
    name: Starter
    metrics:
      - metric_code: api_calls
        included_amount: 1000
        overage_enabled: true
        overage_unit_size: 100
        overage_price_cents: 50
        pricing_mode: postpaid
      - metric_code: seats
        included_amount: 3
        enforcement_mode: soft
accounts:
  - external_id: acme
    name: Acme
    wallet_balance_cents: 10000
    plan: starter
`

func TestParseCatalog(t *testing.T) {
	t.Run("valid catalog", func(t *testing.T) {
		catalog, err := ParseCatalog(strings.NewReader(sampleCatalog))
		require.NoError(t, err)
		require.Len(t, catalog.Plans, 1)
		require.Len(t, catalog.Plans[0].Metrics, 2)

		api := catalog.Plans[0].Metrics[0]
		assert.Equal(t, "api_calls", api.MetricCode)
		require.NotNil(t, api.OverageUnitSize)
		assert.Equal(t, int64(100), *api.OverageUnitSize)
		assert.Nil(t, api.MaxOverageAmount)
		assert.Equal(t, "starter", catalog.Accounts[0].Plan)
	})

	t.Run("empty document", func(t *testing.T) {
		catalog, err := ParseCatalog(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, catalog.Plans)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseCatalog(strings.NewReader("plans:\n  - code: x\n    colour: red\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode catalog")
	})

	invalid := []struct {
		name string
		doc  string
		want string
	}{
		{"duplicate plan", "plans:\n  - code: a\n  - code: a\n", `duplicate plan code "a"`},
		{"empty plan code", "plans:\n  - name: nameless\n", "plan code cannot be empty"},
		{"duplicate metric", "plans:\n  - code: a\n    metrics:\n      - metric_code: m\n      - metric_code: m\n", `duplicate metric "m"`},
		{"negative included", "plans:\n  - code: a\n    metrics:\n      - metric_code: m\n        included_amount: -1\n", "cannot be negative"},
		{"unknown pricing mode", "plans:\n  - code: a\n    metrics:\n      - metric_code: m\n        pricing_mode: barter\n", `unknown pricing mode "barter"`},
		{"unknown enforcement mode", "plans:\n  - code: a\n    metrics:\n      - metric_code: m\n        enforcement_mode: strict\n", `unknown enforcement mode "strict"`},
		{"unknown plan reference", "accounts:\n  - external_id: acme\n    plan: gold\n", `unknown plan "gold"`},
		{"duplicate account", "accounts:\n  - external_id: acme\n  - external_id: acme\n", `duplicate account "acme"`},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrInvalidInput))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalogFile_Missing(t *testing.T) {
	_, err := LoadCatalogFile(t.TempDir() + "/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open catalog")
}

func TestCatalogSeeder_Seed(t *testing.T) {
	ctx := context.Background()
	catalog, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	t.Run("creates plans, accounts and assignments", func(t *testing.T) {
		plans := new(mockPlanRepository)
		accounts := new(mockAccountRepository)
		resolver := new(mockMetricLimitResolver)

		plans.On("SavePlan", ctx, mock.MatchedBy(func(p *billing.Plan) bool { return p.Code == "starter" && p.IsActive })).
			Run(func(args mock.Arguments) { args.Get(1).(*billing.Plan).ID = 10 }).
			Return(nil)
		plans.On("SaveMetricLimit", ctx, mock.MatchedBy(func(l *billing.PlanMetricLimit) bool { return l.PlanID == 10 })).Return(nil)
		accounts.On("FindByExternalID", ctx, "acme").Return(nil, shared.ErrNotFound)
		accounts.On("Save", ctx, mock.MatchedBy(func(a *billing.BillingAccount) bool {
			return a.Name == "Acme" && a.WalletBalanceCents == 10000 && a.ExternalID != nil && *a.ExternalID == "acme"
		})).Run(func(args mock.Arguments) { args.Get(1).(*billing.BillingAccount).ID = 77 }).Return(nil)
		plans.On("FindActiveAssignment", ctx, int64(77), mock.Anything).Return(nil, nil)
		plans.On("SaveAssignment", ctx, mock.MatchedBy(func(a *billing.PlanAssignment) bool {
			return a.AccountID == 77 && a.PlanID == 10 && a.EndedAt == nil
		})).Return(nil)
		resolver.On("InvalidateCache", ctx, int64(77)).Return(nil)

		report, err := NewCatalogSeeder(plans, accounts, resolver, nil).Seed(ctx, catalog)
		require.NoError(t, err)
		assert.Equal(t, SeedReport{Plans: 1, MetricLimits: 2, AccountsCreated: 1, Assignments: 1}, report)
		plans.AssertNumberOfCalls(t, "SaveMetricLimit", 2)
		resolver.AssertExpectations(t)
	})

	t.Run("existing assignment to the same plan is kept", func(t *testing.T) {
		plans := new(mockPlanRepository)
		accounts := new(mockAccountRepository)

		plans.On("SavePlan", ctx, mock.Anything).Run(func(args mock.Arguments) { args.Get(1).(*billing.Plan).ID = 10 }).Return(nil)
		plans.On("SaveMetricLimit", ctx, mock.Anything).Return(nil)
		externalID := "acme"
		existing := &billing.BillingAccount{ID: 77, ExternalID: &externalID, Name: "Old", WalletBalanceCents: 123, IsActive: true}
		accounts.On("FindByExternalID", ctx, "acme").Return(existing, nil)
		accounts.On("Save", ctx, existing).Return(nil)
		plans.On("FindActiveAssignment", ctx, int64(77), mock.Anything).Return(&billing.PlanAssignment{ID: 5, AccountID: 77, PlanID: 10}, nil)

		report, err := NewCatalogSeeder(plans, accounts, nil, nil).Seed(ctx, catalog)
		require.NoError(t, err)
		assert.Equal(t, 1, report.AccountsUpdated)
		assert.Zero(t, report.Assignments)
		assert.Equal(t, "Acme", existing.Name)
		assert.Equal(t, int64(123), existing.WalletBalanceCents, "seeding never rewrites a live balance")
		plans.AssertNotCalled(t, "SaveAssignment", mock.Anything, mock.Anything)
	})

	t.Run("reassignment ends the previous plan", func(t *testing.T) {
		plans := new(mockPlanRepository)
		accounts := new(mockAccountRepository)

		plans.On("SavePlan", ctx, mock.Anything).Run(func(args mock.Arguments) { args.Get(1).(*billing.Plan).ID = 10 }).Return(nil)
		plans.On("SaveMetricLimit", ctx, mock.Anything).Return(nil)
		accounts.On("FindByExternalID", ctx, "acme").Return(&billing.BillingAccount{ID: 77, IsActive: true}, nil)
		accounts.On("Save", ctx, mock.Anything).Return(nil)
		previous := &billing.PlanAssignment{ID: 5, AccountID: 77, PlanID: 3}
		plans.On("FindActiveAssignment", ctx, int64(77), mock.Anything).Return(previous, nil)
		plans.On("SaveAssignment", ctx, previous).Return(nil)
		plans.On("SaveAssignment", ctx, mock.MatchedBy(func(a *billing.PlanAssignment) bool { return a.ID == 0 && a.PlanID == 10 })).Return(nil)

		report, err := NewCatalogSeeder(plans, accounts, nil, nil).Seed(ctx, catalog)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Assignments)
		require.NotNil(t, previous.EndedAt)
	})

	t.Run("plan save failure stops the seed", func(t *testing.T) {
		plans := new(mockPlanRepository)
		plans.On("SavePlan", ctx, mock.Anything).Return(errors.New("constraint failed"))

		_, err := NewCatalogSeeder(plans, new(mockAccountRepository), nil, nil).Seed(ctx, catalog)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `save plan "starter"`)
	})
}
