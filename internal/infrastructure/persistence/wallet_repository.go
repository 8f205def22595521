package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormWalletRepository implements billing.WalletRepository using GORM.
// Every balance change and its ledger row are written in one transaction.
type GormWalletRepository struct {
	db *gorm.DB
}

// NewGormWalletRepository creates a new GormWalletRepository
func NewGormWalletRepository(db *gorm.DB) *GormWalletRepository {
	return &GormWalletRepository{db: db}
}

// GetBalance returns the live wallet balance in cents
func (r *GormWalletRepository) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	var model models.BillingAccountModel
	err := r.db.WithContext(ctx).
		Select("id", "wallet_balance_cents").
		First(&model, "id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, shared.ErrNotFound
		}
		return 0, err
	}
	return model.WalletBalanceCents, nil
}

// AtomicDebit decrements the balance by entry.AmountCents only if it is covered,
// then appends a negative ledger row. It returns false on insufficient funds.
// A key that was already applied, before or concurrently, reports true.
func (r *GormWalletRepository) AtomicDebit(ctx context.Context, entry billing.LedgerEntry) (bool, error) {
	return r.apply(ctx, entry, billing.TransactionTypeDebit)
}

// AtomicCredit increments the balance and appends a positive ledger row.
// It returns false when the account does not exist.
func (r *GormWalletRepository) AtomicCredit(ctx context.Context, entry billing.LedgerEntry) (bool, error) {
	return r.apply(ctx, entry, billing.TransactionTypeCredit)
}

func (r *GormWalletRepository) apply(ctx context.Context, entry billing.LedgerEntry, txType billing.TransactionType) (bool, error) {
	if entry.AmountCents <= 0 {
		return false, shared.NewDomainError("INVALID_AMOUNT", "Ledger amount must be positive")
	}
	if entry.IdempotencyKey == "" {
		return false, shared.NewDomainError("INVALID_IDEMPOTENCY_KEY", "Ledger entries require an idempotency key")
	}

	existing, err := r.GetTransactionByIdempotencyKey(ctx, entry.IdempotencyKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, nil
	}

	signed := entry.AmountCents
	balanceExpr := gorm.Expr("wallet_balance_cents + ?", entry.AmountCents)
	if txType == billing.TransactionTypeDebit {
		signed = -entry.AmountCents
		balanceExpr = gorm.Expr("wallet_balance_cents - ?", entry.AmountCents)
	}

	applied := false
	err = RunInTransaction(ctx, r.db, DeadlockRetries, func(tx *gorm.DB) error {
		query := tx.Model(&models.BillingAccountModel{}).Where("id = ?", entry.AccountID)
		if txType == billing.TransactionTypeDebit {
			query = query.Where("wallet_balance_cents >= ?", entry.AmountCents)
		}
		result := query.Updates(map[string]any{
			"wallet_balance_cents": balanceExpr,
			"updated_at":           time.Now().UTC(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			applied = false
			return nil
		}

		var account models.BillingAccountModel
		if err := tx.Select("id", "wallet_balance_cents").First(&account, "id = ?", entry.AccountID).Error; err != nil {
			return err
		}

		description := entry.Description
		if description == "" {
			description = fmt.Sprintf("%s of %d cents", describeType(txType), entry.AmountCents)
		}
		key := entry.IdempotencyKey
		row := &models.BillingTransactionModel{
			BillingAccountID:  entry.AccountID,
			Type:              string(txType),
			AmountCents:       signed,
			BalanceAfterCents: account.WalletBalanceCents,
			ReferenceType:     entry.ReferenceType,
			ReferenceID:       entry.ReferenceID,
			IdempotencyKey:    &key,
			Description:       description,
			Metadata:          entry.Metadata,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		// The concurrent winner already applied this key; our change rolled back.
		if IsDuplicateKey(err) {
			return true, nil
		}
		return false, err
	}
	return applied, nil
}

func describeType(t billing.TransactionType) string {
	switch t {
	case billing.TransactionTypeDebit:
		return "Debit"
	case billing.TransactionTypeCredit:
		return "Credit"
	default:
		return "Transaction"
	}
}

// GetTransactionByIdempotencyKey returns the ledger row for key, or nil
func (r *GormWalletRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*billing.BillingTransaction, error) {
	var model models.BillingTransactionModel
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// LedgerSummary returns the sum of an account's ledger and its first row by id.
// first is nil when the account has no ledger.
func (r *GormWalletRepository) LedgerSummary(ctx context.Context, accountID int64) (int64, *billing.BillingTransaction, error) {
	var firstRow models.BillingTransactionModel
	err := r.db.WithContext(ctx).
		Where("billing_account_id = ?", accountID).
		Order("id ASC").
		First(&firstRow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil, nil
		}
		return 0, nil, err
	}

	var sum int64
	err = r.db.WithContext(ctx).
		Model(&models.BillingTransactionModel{}).
		Select("COALESCE(SUM(amount_cents), 0)").
		Where("billing_account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, nil, err
	}
	return sum, firstRow.ToDomain(), nil
}

// CorrectBalance overwrites the balance only while it still equals observed
func (r *GormWalletRepository) CorrectBalance(ctx context.Context, accountID, observed, corrected int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.BillingAccountModel{}).
		Where("id = ? AND wallet_balance_cents = ?", accountID, observed).
		Updates(map[string]any{
			"wallet_balance_cents": corrected,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Ensure GormWalletRepository implements billing.WalletRepository
var _ billing.WalletRepository = (*GormWalletRepository)(nil)
