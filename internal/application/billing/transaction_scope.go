package billing

import (
	"context"

	"github.com/usagelimiter/backend/internal/domain/billing"
)

// TransactionScope provides transactional access to the limiter repositories.
// All repository operations inside Execute belong to one database transaction
// and are committed or rolled back together.
type TransactionScope interface {
	// Execute runs fn within a database transaction. If fn returns an error the
	// transaction is rolled back. Deadlocks and serialization failures re-run
	// fn from the start, up to a bounded number of attempts.
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories provides access to the limiter repositories within a transaction.
// All repositories returned share the same underlying database transaction.
//
// TransactionalRepositories also satisfies billing.PricingRepositories, so a
// pricing policy called inside Execute settles within the same transaction.
type TransactionalRepositories interface {
	// UsageRepo returns the usage repository scoped to the current transaction
	UsageRepo() billing.UsageRepository
	// WalletRepo returns the wallet repository scoped to the current transaction
	WalletRepo() billing.WalletRepository
	// OverageRepo returns the overage repository scoped to the current transaction
	OverageRepo() billing.OverageRepository
	// AccountRepo returns the account repository scoped to the current transaction
	AccountRepo() billing.AccountRepository
}

// NoOpTransactionScope is a transaction scope that doesn't actually use transactions.
// This is useful for testing or when transaction support is not required.
type NoOpTransactionScope struct {
	usageRepo   billing.UsageRepository
	walletRepo  billing.WalletRepository
	overageRepo billing.OverageRepository
	accountRepo billing.AccountRepository
}

// NewNoOpTransactionScope creates a NoOpTransactionScope with the given repositories.
func NewNoOpTransactionScope(
	usageRepo billing.UsageRepository,
	walletRepo billing.WalletRepository,
	overageRepo billing.OverageRepository,
	accountRepo billing.AccountRepository,
) *NoOpTransactionScope {
	return &NoOpTransactionScope{
		usageRepo:   usageRepo,
		walletRepo:  walletRepo,
		overageRepo: overageRepo,
		accountRepo: accountRepo,
	}
}

// Execute runs the function without a real transaction (for testing/compatibility).
func (s *NoOpTransactionScope) Execute(_ context.Context, fn func(repos TransactionalRepositories) error) error {
	return fn(s)
}

// UsageRepo returns the usage repository.
func (s *NoOpTransactionScope) UsageRepo() billing.UsageRepository {
	return s.usageRepo
}

// WalletRepo returns the wallet repository.
func (s *NoOpTransactionScope) WalletRepo() billing.WalletRepository {
	return s.walletRepo
}

// OverageRepo returns the overage repository.
func (s *NoOpTransactionScope) OverageRepo() billing.OverageRepository {
	return s.overageRepo
}

// AccountRepo returns the account repository.
func (s *NoOpTransactionScope) AccountRepo() billing.AccountRepository {
	return s.accountRepo
}

// Ensure NoOpTransactionScope implements both interfaces
var _ TransactionScope = (*NoOpTransactionScope)(nil)
var _ TransactionalRepositories = (*NoOpTransactionScope)(nil)
var _ billing.PricingRepositories = (TransactionalRepositories)(nil)
