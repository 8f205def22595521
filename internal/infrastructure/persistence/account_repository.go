package persistence

import (
	"context"
	"errors"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormAccountRepository implements billing.AccountRepository using GORM
type GormAccountRepository struct {
	db *gorm.DB
}

// NewGormAccountRepository creates a new GormAccountRepository
func NewGormAccountRepository(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

// FindByID finds a billing account by its ID
func (r *GormAccountRepository) FindByID(ctx context.Context, id int64) (*billing.BillingAccount, error) {
	var model models.BillingAccountModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByExternalID finds a billing account by the caller's own identifier
func (r *GormAccountRepository) FindByExternalID(ctx context.Context, externalID string) (*billing.BillingAccount, error) {
	var model models.BillingAccountModel
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// List returns up to limit accounts with id > afterID, ordered by id
func (r *GormAccountRepository) List(ctx context.Context, afterID int64, limit int) ([]*billing.BillingAccount, error) {
	var rows []models.BillingAccountModel
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	accounts := make([]*billing.BillingAccount, len(rows))
	for i := range rows {
		accounts[i] = rows[i].ToDomain()
	}
	return accounts, nil
}

// Save creates or updates a billing account. The wallet balance is only
// written on insert; afterwards it changes through the wallet repository.
func (r *GormAccountRepository) Save(ctx context.Context, account *billing.BillingAccount) error {
	model := models.BillingAccountModelFromDomain(account)
	db := r.db.WithContext(ctx)

	if model.ID == 0 {
		if err := db.Create(model).Error; err != nil {
			if IsDuplicateKey(err) {
				return shared.ErrAlreadyExists
			}
			return err
		}
		account.ID = model.ID
		account.CreatedAt = model.CreatedAt
		account.UpdatedAt = model.UpdatedAt
		return nil
	}

	return db.Model(model).
		Select("external_id", "name", "wallet_currency", "auto_topup_enabled",
			"auto_topup_threshold_cents", "auto_topup_amount_cents", "is_active", "metadata", "updated_at").
		Updates(model).Error
}

// Ensure GormAccountRepository implements billing.AccountRepository
var _ billing.AccountRepository = (*GormAccountRepository)(nil)
