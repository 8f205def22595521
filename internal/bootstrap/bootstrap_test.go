package bootstrap

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
	"go.uber.org/zap/zaptest"
)

const testCatalog = `
plans:
  - code: starter
    name: Starter
    metrics:
      - metric_code: api_calls
        included_amount: 10
        enforcement_mode: hard
        pricing_mode: postpaid
accounts:
  - external_id: acme
    name: Acme
    wallet_balance_cents: 500
    plan: starter
`

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: config.DriverSQLite,
			Path:   filepath.Join(t.TempDir(), "limiter.db"),
		},
		Log: config.LogConfig{Level: "warn"},
		Limiter: config.LimiterConfig{
			ReservationTTL:          15 * time.Minute,
			WarningThresholdPercent: 80,
			IdempotencyTTL:          48 * time.Hour,
			PeriodResolver:          "calendar_month",
			PlanCacheTTL:            time.Minute,
			PlanCachePrefix:         "ul_plan:",
		},
		Events:    config.EventsConfig{Broker: config.BrokerNone},
		Telemetry: config.TelemetryConfig{DBSlowQueryThresh: 200 * time.Millisecond},
	}
}

func TestBuild_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, err := Build(ctx, sqliteConfig(t), zaptest.NewLogger(t), Options{ForwardEvents: true})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close(context.Background())) })

	assert.Nil(t, c.Stores.Redis)
	assert.ElementsMatch(t, []string{"hard", "soft"}, c.Registry.ListEnforcementModes())

	catalog, err := appbilling.ParseCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	report, err := c.Seeder.Seed(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsCreated)

	account, err := c.Accounts.FindByExternalID(ctx, "acme")
	require.NoError(t, err)

	attempt := billing.UsageAttempt{AccountID: account.ID, MetricCode: "api_calls", Amount: 6}
	committed, err := c.Ingestor.Ingest(ctx, attempt)
	require.NoError(t, err)
	assert.True(t, committed.Committed)

	_, err = c.Ingestor.Ingest(ctx, attempt)
	var limitErr *billing.UsageLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.ErrorIs(t, err, shared.ErrLimitExceeded)

	snapshot, err := c.Limiter.CurrentUsage(ctx, account.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(6), snapshot.Committed)
	assert.Equal(t, int64(0), snapshot.Reserved)

	delivered, failed := c.Bus.Stats()
	assert.Positive(t, delivered)
	assert.Zero(t, failed)
}

func TestBuild_RejectsUnknownPeriodResolver(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Limiter.PeriodResolver = "fortnightly"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), Options{})
	assert.Error(t, err)
}
