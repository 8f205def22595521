package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) ExpireReservations(ctx context.Context, cutoff time.Time) (appbilling.ExpireReport, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(appbilling.ExpireReport), args.Error(1)
}

func (m *mockRunner) ReconcileUsage(ctx context.Context, opts appbilling.ReconcileOptions) (appbilling.ReconcileReport, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(appbilling.ReconcileReport), args.Error(1)
}

func (m *mockRunner) ReconcileWallets(ctx context.Context, opts appbilling.ReconcileOptions) (appbilling.ReconcileReport, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(appbilling.ReconcileReport), args.Error(1)
}

func (m *mockRunner) CleanupIdempotency(ctx context.Context, olderThan time.Time) (appbilling.CleanupReport, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(appbilling.CleanupReport), args.Error(1)
}

var schedulerNow = time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, runner MaintenanceRunner, cfg MaintenanceSchedulerConfig) *MaintenanceScheduler {
	s := NewMaintenanceScheduler(runner, zaptest.NewLogger(t), cfg)
	s.now = func() time.Time { return schedulerNow }
	return s
}

func TestMaintenanceScheduler_Trigger(t *testing.T) {
	ctx := context.Background()
	runner := new(mockRunner)
	cfg := DefaultMaintenanceSchedulerConfig()
	cfg.AutoCorrect = true
	s := newTestScheduler(t, runner, cfg)

	assert.ErrorIs(t, s.Trigger(ctx, appbilling.JobExpireReservations), ErrSchedulerNotRunning)

	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	t.Run("expiry uses now as cutoff", func(t *testing.T) {
		runner.On("ExpireReservations", mock.Anything, schedulerNow).Return(appbilling.ExpireReport{Expired: 3}, nil).Once()
		require.NoError(t, s.Trigger(ctx, appbilling.JobExpireReservations))

		run, ok := s.LastRun(appbilling.JobExpireReservations)
		require.True(t, ok)
		assert.NoError(t, run.Err)
		assert.Equal(t, schedulerNow, run.StartedAt)
	})

	t.Run("reconciliation passes auto-correct", func(t *testing.T) {
		runner.On("ReconcileUsage", mock.Anything, appbilling.ReconcileOptions{AutoCorrect: true}).
			Return(appbilling.ReconcileReport{Scanned: 4}, nil).Once()
		runner.On("ReconcileWallets", mock.Anything, appbilling.ReconcileOptions{AutoCorrect: true}).
			Return(appbilling.ReconcileReport{}, errors.New("db gone")).Once()

		require.NoError(t, s.Trigger(ctx, appbilling.JobReconcileUsage))
		assert.ErrorContains(t, s.Trigger(ctx, appbilling.JobReconcileWallets), "db gone")

		run, _ := s.LastRun(appbilling.JobReconcileWallets)
		assert.Error(t, run.Err)
	})

	t.Run("cleanup", func(t *testing.T) {
		runner.On("CleanupIdempotency", mock.Anything, schedulerNow).Return(appbilling.CleanupReport{Deleted: 9}, nil).Once()
		require.NoError(t, s.Trigger(ctx, appbilling.JobCleanupIdempotency))
	})

	t.Run("unknown job", func(t *testing.T) {
		assert.ErrorIs(t, s.Trigger(ctx, "vacuum"), ErrUnknownJob)
	})

	t.Run("job already running", func(t *testing.T) {
		require.True(t, s.acquire(appbilling.JobReconcileUsage))
		defer s.releaseJob(appbilling.JobReconcileUsage)
		assert.ErrorIs(t, s.Trigger(ctx, appbilling.JobReconcileUsage), ErrJobAlreadyRunning)
	})

	runner.AssertExpectations(t)
}

func TestMaintenanceScheduler_DivergenceIsLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	runner := new(mockRunner)
	runner.On("ReconcileUsage", mock.Anything, mock.Anything).Return(appbilling.ReconcileReport{
		Divergences: []appbilling.Divergence{{AccountID: 1, MetricCode: "api_calls", Expected: 10, Actual: 12}},
	}, nil)

	s := NewMaintenanceScheduler(runner, zap.New(core), DefaultMaintenanceSchedulerConfig())
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	require.NoError(t, s.Trigger(ctx, appbilling.JobReconcileUsage))
	entries := logs.FilterMessage("Reconciliation found divergences").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["divergences"])
}

func TestMaintenanceScheduler_TickerRunsExpiry(t *testing.T) {
	ctx := context.Background()
	runner := new(mockRunner)
	ran := make(chan struct{}, 1)
	runner.On("ExpireReservations", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case ran <- struct{}{}:
			default:
			}
		}).
		Return(appbilling.ExpireReport{}, nil)

	cfg := DefaultMaintenanceSchedulerConfig()
	cfg.ExpirySweepInterval = 10 * time.Millisecond
	s := newTestScheduler(t, runner, cfg)
	require.NoError(t, s.Start(ctx))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry sweep did not run")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.IsRunning())
}

func TestMaintenanceScheduler_Disabled(t *testing.T) {
	s := newTestScheduler(t, new(mockRunner), MaintenanceSchedulerConfig{Enabled: false})
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop(context.Background()))
}
