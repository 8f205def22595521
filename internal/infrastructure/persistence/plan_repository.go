package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPlanRepository implements billing.PlanRepository using GORM
type GormPlanRepository struct {
	db *gorm.DB
}

// NewGormPlanRepository creates a new GormPlanRepository
func NewGormPlanRepository(db *gorm.DB) *GormPlanRepository {
	return &GormPlanRepository{db: db}
}

// FindPlanByID finds a plan by its ID
func (r *GormPlanRepository) FindPlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	var model models.PlanModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindPlanByCode finds a plan by its unique code
func (r *GormPlanRepository) FindPlanByCode(ctx context.Context, code string) (*billing.Plan, error) {
	var model models.PlanModel
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListMetricLimits returns the metric limits of a plan
func (r *GormPlanRepository) ListMetricLimits(ctx context.Context, planID int64) ([]*billing.PlanMetricLimit, error) {
	var rows []models.PlanMetricLimitModel
	err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("metric_code ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	limits := make([]*billing.PlanMetricLimit, len(rows))
	for i := range rows {
		limits[i] = rows[i].ToDomain()
	}
	return limits, nil
}

// FindActiveAssignment returns the most recently started open assignment, or nil
func (r *GormPlanRepository) FindActiveAssignment(ctx context.Context, accountID int64, at time.Time) (*billing.PlanAssignment, error) {
	var model models.PlanAssignmentModel
	err := r.db.WithContext(ctx).
		Where("billing_account_id = ? AND started_at <= ? AND ended_at IS NULL", accountID, at.UTC()).
		Order("started_at DESC").
		Order("id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListActiveOverrides returns open overrides started at or before at.
// When several cover one metric the latest started comes last.
func (r *GormPlanRepository) ListActiveOverrides(ctx context.Context, accountID int64, at time.Time) ([]*billing.MetricOverride, error) {
	var rows []models.MetricOverrideModel
	err := r.db.WithContext(ctx).
		Where("billing_account_id = ? AND started_at <= ? AND ended_at IS NULL", accountID, at.UTC()).
		Order("started_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	overrides := make([]*billing.MetricOverride, len(rows))
	for i := range rows {
		overrides[i] = rows[i].ToDomain()
	}
	return overrides, nil
}

// SavePlan inserts a plan or updates it by code
func (r *GormPlanRepository) SavePlan(ctx context.Context, plan *billing.Plan) error {
	model := models.PlanModelFromDomain(plan)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "is_active", "metadata", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		return err
	}
	return r.reloadPlanID(ctx, plan)
}

func (r *GormPlanRepository) reloadPlanID(ctx context.Context, plan *billing.Plan) error {
	stored, err := r.FindPlanByCode(ctx, plan.Code)
	if err != nil {
		return err
	}
	plan.ID = stored.ID
	plan.CreatedAt = stored.CreatedAt
	plan.UpdatedAt = stored.UpdatedAt
	return nil
}

// SaveMetricLimit inserts a metric limit or updates it by (plan, metric)
func (r *GormPlanRepository) SaveMetricLimit(ctx context.Context, limit *billing.PlanMetricLimit) error {
	model := models.PlanMetricLimitModelFromDomain(limit)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "plan_id"}, {Name: "metric_code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"included_amount", "overage_enabled", "overage_unit_size", "overage_price_cents",
				"pricing_mode", "enforcement_mode", "max_overage_amount", "hybrid_overflow_mode",
				"metadata", "updated_at",
			}),
		}).
		Create(model).Error
	if err != nil {
		return err
	}

	var stored models.PlanMetricLimitModel
	if err := r.db.WithContext(ctx).
		Where("plan_id = ? AND metric_code = ?", limit.PlanID, limit.MetricCode).
		First(&stored).Error; err != nil {
		return err
	}
	limit.ID = stored.ID
	return nil
}

// SaveAssignment creates or updates a plan assignment
func (r *GormPlanRepository) SaveAssignment(ctx context.Context, assignment *billing.PlanAssignment) error {
	model := models.PlanAssignmentModelFromDomain(assignment)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return err
	}
	assignment.ID = model.ID
	return nil
}

// SaveOverride creates or updates a metric override
func (r *GormPlanRepository) SaveOverride(ctx context.Context, override *billing.MetricOverride) error {
	model := models.MetricOverrideModelFromDomain(override)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return err
	}
	override.ID = model.ID
	return nil
}

// Ensure GormPlanRepository implements billing.PlanRepository
var _ billing.PlanRepository = (*GormPlanRepository)(nil)
