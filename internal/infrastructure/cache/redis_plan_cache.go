package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
)

// NewRedisClient creates a Redis client and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// RedisPlanCache stores resolved plans as JSON strings in Redis, shared by
// every process of the deployment.
type RedisPlanCache struct {
	client redis.Cmdable
}

// NewRedisPlanCache creates a plan cache on an existing client
func NewRedisPlanCache(client redis.Cmdable) *RedisPlanCache {
	return &RedisPlanCache{client: client}
}

// Get returns the cached plan, or nil on a miss
func (c *RedisPlanCache) Get(ctx context.Context, key string) (*billing.ResolvedPlan, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", key, err)
	}
	return decodePlan(raw)
}

// Set stores plan under key for ttl
func (c *RedisPlanCache) Set(ctx context.Context, key string, plan *billing.ResolvedPlan, ttl time.Duration) error {
	raw, err := encodePlan(plan)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write plan %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (c *RedisPlanCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete plan %s: %w", key, err)
	}
	return nil
}

func encodePlan(plan *billing.ResolvedPlan) ([]byte, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	return raw, nil
}

func decodePlan(raw []byte) (*billing.ResolvedPlan, error) {
	var plan billing.ResolvedPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if plan.Metrics == nil {
		plan.Metrics = map[string]billing.ResolvedMetricLimit{}
	}
	return &plan, nil
}

var _ appbilling.PlanCache = (*RedisPlanCache)(nil)
