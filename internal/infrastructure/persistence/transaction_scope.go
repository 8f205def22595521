package persistence

import (
	"context"

	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"gorm.io/gorm"
)

// GormTransactionScope implements TransactionScope using GORM transactions.
// It provides atomic execution of multiple repository operations and re-runs
// the whole unit of work on deadlock.
type GormTransactionScope struct {
	db       *gorm.DB
	attempts int
}

// NewGormTransactionScope creates a new GormTransactionScope retrying DeadlockRetries times.
func NewGormTransactionScope(db *gorm.DB) *GormTransactionScope {
	return &GormTransactionScope{db: db, attempts: DeadlockRetries}
}

// Execute runs the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
func (s *GormTransactionScope) Execute(ctx context.Context, fn func(repos appbilling.TransactionalRepositories) error) error {
	return RunInTransaction(ctx, s.db, s.attempts, func(tx *gorm.DB) error {
		return fn(&gormTransactionalRepositories{tx: tx})
	})
}

// gormTransactionalRepositories provides access to all repositories within a transaction.
type gormTransactionalRepositories struct {
	tx *gorm.DB
}

// UsageRepo returns the usage repository scoped to the current transaction.
func (r *gormTransactionalRepositories) UsageRepo() billing.UsageRepository {
	return NewGormUsageRepository(r.tx)
}

// WalletRepo returns the wallet repository scoped to the current transaction.
func (r *gormTransactionalRepositories) WalletRepo() billing.WalletRepository {
	return NewGormWalletRepository(r.tx)
}

// OverageRepo returns the overage repository scoped to the current transaction.
func (r *gormTransactionalRepositories) OverageRepo() billing.OverageRepository {
	return NewGormOverageRepository(r.tx)
}

// AccountRepo returns the account repository scoped to the current transaction.
func (r *gormTransactionalRepositories) AccountRepo() billing.AccountRepository {
	return NewGormAccountRepository(r.tx)
}

// Ensure GormTransactionScope implements TransactionScope
var _ appbilling.TransactionScope = (*GormTransactionScope)(nil)

// Ensure gormTransactionalRepositories implements TransactionalRepositories
var _ appbilling.TransactionalRepositories = (*gormTransactionalRepositories)(nil)
