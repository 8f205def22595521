package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"gorm.io/gorm"
)

func TestGormTransactionScope_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("commits all repository writes together", func(t *testing.T) {
		db := newTestDB(t)
		scope := NewGormTransactionScope(db)

		var aggID int64
		err := scope.Execute(ctx, func(repos appbilling.TransactionalRepositories) error {
			agg, err := repos.UsageRepo().GetOrCreateAggregate(ctx, 1, "api_calls", testPeriod())
			if err != nil {
				return err
			}
			aggID = agg.ID
			return repos.UsageRepo().AtomicUnconditionalReserve(ctx, agg.ID, 4)
		})
		require.NoError(t, err)

		agg, err := NewGormUsageRepository(db).RefreshAggregate(ctx, aggID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), agg.ReservedUsage)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := newTestDB(t)
		scope := NewGormTransactionScope(db)
		boom := errors.New("boom")

		err := scope.Execute(ctx, func(repos appbilling.TransactionalRepositories) error {
			agg, err := repos.UsageRepo().GetOrCreateAggregate(ctx, 1, "api_calls", testPeriod())
			if err != nil {
				return err
			}
			if err := repos.UsageRepo().AtomicUnconditionalReserve(ctx, agg.ID, 4); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		agg, err := NewGormUsageRepository(db).FindAggregate(ctx, 1, "api_calls", testPeriod().StartDate())
		require.NoError(t, err)
		assert.Nil(t, agg)
	})
}

func TestRunInTransaction_Retries(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	retryBackoff = 0

	t.Run("retries deadlocks up to the bound", func(t *testing.T) {
		calls := 0
		err := RunInTransaction(ctx, db, DeadlockRetries, func(tx *gorm.DB) error {
			calls++
			return &pgconn.PgError{Code: "40P01"}
		})
		require.Error(t, err)
		assert.Equal(t, DeadlockRetries, calls)
	})

	t.Run("succeeds after a transient deadlock", func(t *testing.T) {
		calls := 0
		err := RunInTransaction(ctx, db, DeadlockRetries, func(tx *gorm.DB) error {
			calls++
			if calls == 1 {
				return &pgconn.PgError{Code: "40001"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		err := RunInTransaction(ctx, db, DeadlockRetries, func(tx *gorm.DB) error {
			calls++
			return errors.New("constraint")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
