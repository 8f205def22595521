package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// Idempotency record lifetimes
const (
	DefaultIdempotencyTTL = 48 * time.Hour
	MinIdempotencyTTL     = time.Hour
)

// GormIdempotencyStore implements billing.IdempotencyStore on the ul_idempotency_keys table
type GormIdempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewGormIdempotencyStore creates a store whose records live for ttl unless a
// call overrides it. A zero ttl uses DefaultIdempotencyTTL.
func NewGormIdempotencyStore(db *gorm.DB, ttl time.Duration) *GormIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &GormIdempotencyStore{db: db, ttl: ttl}
}

// Check returns the record for (key, scope), or nil
func (s *GormIdempotencyStore) Check(ctx context.Context, key, scope string) (*billing.IdempotencyRecord, error) {
	var model models.IdempotencyKeyModel
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND scope = ?", key, scope).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Store records a result. When a concurrent caller stored the same (key, scope)
// first, that record is returned instead.
func (s *GormIdempotencyStore) Store(ctx context.Context, params billing.StoreIdempotencyParams) (*billing.IdempotencyRecord, error) {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	if ttl < MinIdempotencyTTL {
		ttl = MinIdempotencyTTL
	}

	model := &models.IdempotencyKeyModel{
		Key:           params.Key,
		Scope:         params.Scope,
		ResultType:    params.ResultType,
		ResultID:      params.ResultID,
		ResultPayload: params.Payload,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}
	// A savepoint keeps an enclosing Postgres transaction usable after a duplicate.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(model).Error
	})
	if err != nil {
		if IsDuplicateKey(err) {
			existing, findErr := s.Check(ctx, params.Key, params.Scope)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return model.ToDomain(), nil
}

// Cleanup deletes records that expired before olderThan
func (s *GormIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", olderThan.UTC()).
		Delete(&models.IdempotencyKeyModel{})
	return result.RowsAffected, result.Error
}

// Ensure GormIdempotencyStore implements billing.IdempotencyStore
var _ billing.IdempotencyStore = (*GormIdempotencyStore)(nil)
