package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// expireBatchSize bounds how many stale reservations one sweep query loads
const expireBatchSize = 100

// GormUsageRepository implements billing.UsageRepository using GORM.
// Counter mutations are single UPDATE statements guarded by their WHERE clause.
type GormUsageRepository struct {
	db *gorm.DB
}

// NewGormUsageRepository creates a new GormUsageRepository
func NewGormUsageRepository(db *gorm.DB) *GormUsageRepository {
	return &GormUsageRepository{db: db}
}

// WithTx returns a new repository instance bound to the given transaction
func (r *GormUsageRepository) WithTx(tx *gorm.DB) *GormUsageRepository {
	return &GormUsageRepository{db: tx}
}

// GetOrCreateAggregate inserts the aggregate row if it does not exist and reads it back.
// Concurrent first writers race on the unique key; the loser's insert is ignored.
func (r *GormUsageRepository) GetOrCreateAggregate(ctx context.Context, accountID int64, metricCode string, period billing.Period) (*billing.UsagePeriodAggregate, error) {
	model := models.UsagePeriodAggregateModel{
		BillingAccountID: accountID,
		MetricCode:       metricCode,
		PeriodStart:      period.StartDate(),
		PeriodEnd:        period.EndDate(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert usage aggregate: %w", err)
	}

	agg, err := r.FindAggregate(ctx, accountID, metricCode, period.StartDate())
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return nil, fmt.Errorf("usage aggregate for account %d metric %s missing after upsert", accountID, metricCode)
	}
	return agg, nil
}

// FindAggregate returns the aggregate for the key, or nil when none exists
func (r *GormUsageRepository) FindAggregate(ctx context.Context, accountID int64, metricCode string, periodStart time.Time) (*billing.UsagePeriodAggregate, error) {
	var model models.UsagePeriodAggregateModel
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

// RefreshAggregate re-reads an aggregate by id
func (r *GormUsageRepository) RefreshAggregate(ctx context.Context, aggregateID int64) (*billing.UsagePeriodAggregate, error) {
	var model models.UsagePeriodAggregateModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", aggregateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// AtomicConditionalReserve increments reserved usage only if the new total stays
// within limit. The headroom is computed as limit-amount so an unbounded limit
// never overflows inside the database.
func (r *GormUsageRepository) AtomicConditionalReserve(ctx context.Context, aggregateID, amount, limit int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.UsagePeriodAggregateModel{}).
		Where("id = ? AND committed_usage + reserved_usage <= ?", aggregateID, limit-amount).
		Updates(map[string]any{
			"reserved_usage": gorm.Expr("reserved_usage + ?", amount),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AtomicUnconditionalReserve increments reserved usage
func (r *GormUsageRepository) AtomicUnconditionalReserve(ctx context.Context, aggregateID, amount int64) error {
	return r.db.WithContext(ctx).
		Model(&models.UsagePeriodAggregateModel{}).
		Where("id = ?", aggregateID).
		Updates(map[string]any{
			"reserved_usage": gorm.Expr("reserved_usage + ?", amount),
			"updated_at":     time.Now().UTC(),
		}).Error
}

// AtomicCommit moves amount from reserved (floored at zero) to committed
func (r *GormUsageRepository) AtomicCommit(ctx context.Context, aggregateID, amount int64) error {
	return r.db.WithContext(ctx).
		Model(&models.UsagePeriodAggregateModel{}).
		Where("id = ?", aggregateID).
		Updates(map[string]any{
			"committed_usage": gorm.Expr("committed_usage + ?", amount),
			"reserved_usage":  gorm.Expr("CASE WHEN reserved_usage >= ? THEN reserved_usage - ? ELSE 0 END", amount, amount),
			"updated_at":      time.Now().UTC(),
		}).Error
}

// AtomicRelease removes amount from reserved usage, floored at zero
func (r *GormUsageRepository) AtomicRelease(ctx context.Context, aggregateID, amount int64) error {
	return r.db.WithContext(ctx).
		Model(&models.UsagePeriodAggregateModel{}).
		Where("id = ?", aggregateID).
		Updates(map[string]any{
			"reserved_usage": gorm.Expr("CASE WHEN reserved_usage >= ? THEN reserved_usage - ? ELSE 0 END", amount, amount),
			"updated_at":     time.Now().UTC(),
		}).Error
}

// CreateReservation inserts a reservation row and sets its ID
func (r *GormUsageRepository) CreateReservation(ctx context.Context, reservation *billing.UsageReservation) error {
	model := models.UsageReservationModelFromDomain(reservation)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("reservation %s: %w", reservation.ULID, shared.ErrAlreadyExists)
		}
		return err
	}
	reservation.ID = model.ID
	reservation.CreatedAt = model.CreatedAt
	reservation.UpdatedAt = model.UpdatedAt
	return nil
}

// TransitionReservation is a compare-and-set on the reservation status.
// Entering committed stamps committed_at; entering released or expired stamps released_at.
func (r *GormUsageRepository) TransitionReservation(ctx context.Context, reservationID int64, from, to billing.ReservationStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     string(to),
		"updated_at": now,
	}
	switch to {
	case billing.ReservationStatusCommitted:
		updates["committed_at"] = now
	case billing.ReservationStatusReleased, billing.ReservationStatusExpired:
		updates["released_at"] = now
	}

	result := r.db.WithContext(ctx).
		Model(&models.UsageReservationModel{}).
		Where("id = ? AND status = ?", reservationID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RecordCommittedBefore stamps committed_before on a committed reservation
func (r *GormUsageRepository) RecordCommittedBefore(ctx context.Context, reservationID, committedBefore int64) error {
	result := r.db.WithContext(ctx).
		Model(&models.UsageReservationModel{}).
		Where("id = ? AND status = ?", reservationID, string(billing.ReservationStatusCommitted)).
		Updates(map[string]any{
			"committed_before": committedBefore,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindReservationByULID returns the reservation or shared.ErrNotFound
func (r *GormUsageRepository) FindReservationByULID(ctx context.Context, ulid string) (*billing.UsageReservation, error) {
	var model models.UsageReservationModel
	if err := r.db.WithContext(ctx).Where("ulid = ?", ulid).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindReservationByIdempotencyKey returns the account's reservation for key, or nil
func (r *GormUsageRepository) FindReservationByIdempotencyKey(ctx context.Context, key string, accountID int64) (*billing.UsageReservation, error) {
	var model models.UsageReservationModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ? AND billing_account_id = ?", key, accountID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ExpireStalePendingReservations expires pending reservations whose expires_at
// is before cutoff. Each reservation is expired and its hold released in its own
// short transaction; a failure is logged and the sweep moves on.
func (r *GormUsageRepository) ExpireStalePendingReservations(ctx context.Context, cutoff time.Time) (int, error) {
	log := zap.L().Named("persistence.usage")
	count := 0
	var afterID int64

	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		var batch []models.UsageReservationModel
		err := r.db.WithContext(ctx).
			Where("status = ? AND expires_at < ? AND id > ?", string(billing.ReservationStatusPending), cutoff.UTC(), afterID).
			Order("id ASC").
			Limit(expireBatchSize).
			Find(&batch).Error
		if err != nil {
			return count, fmt.Errorf("failed to load stale reservations: %w", err)
		}
		if len(batch) == 0 {
			return count, nil
		}

		for i := range batch {
			res := batch[i]
			afterID = res.ID

			var expired bool
			err := RunInTransaction(ctx, r.db, DeadlockRetries, func(tx *gorm.DB) error {
				repo := r.WithTx(tx)
				ok, err := repo.TransitionReservation(ctx, res.ID, billing.ReservationStatusPending, billing.ReservationStatusExpired)
				if err != nil || !ok {
					expired = false
					return err
				}
				agg, err := repo.FindAggregate(ctx, res.BillingAccountID, res.MetricCode, res.PeriodStart)
				if err != nil {
					return err
				}
				if agg != nil {
					if err := repo.AtomicRelease(ctx, agg.ID, res.Amount); err != nil {
						return err
					}
				}
				expired = true
				return nil
			})
			if err != nil {
				log.Warn("Failed to expire reservation",
					zap.String("reservation_ulid", res.ULID),
					zap.Int64("billing_account_id", res.BillingAccountID),
					zap.Error(err))
				continue
			}
			if expired {
				count++
			}
		}

		if len(batch) < expireBatchSize {
			return count, nil
		}
	}
}

// SumReservationsByStatus sums reservation amounts for one aggregate key and status
func (r *GormUsageRepository) SumReservationsByStatus(ctx context.Context, accountID int64, metricCode string, periodStart time.Time, status billing.ReservationStatus) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.UsageReservationModel{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("billing_account_id = ? AND metric_code = ? AND period_start = ? AND status = ?",
			accountID, metricCode, billing.TruncateDay(periodStart), string(status)).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}

// ListAggregates returns up to limit aggregates with id > afterID, ordered by id
func (r *GormUsageRepository) ListAggregates(ctx context.Context, filter billing.AggregateFilter, afterID int64, limit int) ([]*billing.UsagePeriodAggregate, error) {
	query := r.db.WithContext(ctx).Where("id > ?", afterID)
	if filter.PeriodStart != nil {
		query = query.Where("period_start = ?", billing.TruncateDay(*filter.PeriodStart))
	}
	if filter.PeriodStartFrom != nil {
		query = query.Where("period_start >= ?", billing.TruncateDay(*filter.PeriodStartFrom))
	}

	var rows []models.UsagePeriodAggregateModel
	if err := query.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	aggregates := make([]*billing.UsagePeriodAggregate, len(rows))
	for i := range rows {
		aggregates[i] = rows[i].ToDomain()
	}
	return aggregates, nil
}

// CorrectAggregate overwrites both counters only while they still hold the observed values
func (r *GormUsageRepository) CorrectAggregate(ctx context.Context, aggregateID int64, observed, corrected billing.AggregateCounters) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.UsagePeriodAggregateModel{}).
		Where("id = ? AND committed_usage = ? AND reserved_usage = ?", aggregateID, observed.Committed, observed.Reserved).
		Updates(map[string]any{
			"committed_usage": corrected.Committed,
			"reserved_usage":  corrected.Reserved,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Ensure GormUsageRepository implements billing.UsageRepository
var _ billing.UsageRepository = (*GormUsageRepository)(nil)
