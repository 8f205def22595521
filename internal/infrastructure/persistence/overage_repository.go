package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormOverageRepository implements billing.OverageRepository using GORM
type GormOverageRepository struct {
	db *gorm.DB
}

// NewGormOverageRepository creates a new GormOverageRepository
func NewGormOverageRepository(db *gorm.DB) *GormOverageRepository {
	return &GormOverageRepository{db: db}
}

// Upsert writes the overage for its (account, metric, period) key. The amounts
// are cumulative, so a conflicting row is overwritten rather than incremented.
func (r *GormOverageRepository) Upsert(ctx context.Context, overage *billing.UsageOverage) error {
	model := models.UsageOverageModelFromDomain(overage)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "billing_account_id"}, {Name: "metric_code"}, {Name: "period_start"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"overage_amount", "overage_unit_size", "unit_price_cents", "total_price_cents", "updated_at",
			}),
		}).
		Create(model).Error
}

// Find returns the overage for the key, or nil
func (r *GormOverageRepository) Find(ctx context.Context, accountID int64, metricCode string, periodStart time.Time) (*billing.UsageOverage, error) {
	var model models.UsageOverageModel
	err := r.db.WithContext(ctx).
		Where("billing_account_id = ? AND metric_code = ? AND period_start = ?",
			accountID, metricCode, billing.TruncateDay(periodStart)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// List returns up to limit overages with id > afterID, optionally for one period
func (r *GormOverageRepository) List(ctx context.Context, periodStart *time.Time, afterID int64, limit int) ([]*billing.UsageOverage, error) {
	query := r.db.WithContext(ctx).Where("id > ?", afterID)
	if periodStart != nil {
		query = query.Where("period_start = ?", billing.TruncateDay(*periodStart))
	}

	var rows []models.UsageOverageModel
	if err := query.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	overages := make([]*billing.UsageOverage, len(rows))
	for i := range rows {
		overages[i] = rows[i].ToDomain()
	}
	return overages, nil
}

// UpdateAmounts rewrites the overage amount and total price
func (r *GormOverageRepository) UpdateAmounts(ctx context.Context, id, overageAmount, totalPriceCents int64) error {
	return r.db.WithContext(ctx).
		Model(&models.UsageOverageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"overage_amount":    overageAmount,
			"total_price_cents": totalPriceCents,
			"updated_at":        time.Now().UTC(),
		}).Error
}

// Ensure GormOverageRepository implements billing.OverageRepository
var _ billing.OverageRepository = (*GormOverageRepository)(nil)
