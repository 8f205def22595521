package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Stores bundles the caches built by the factory. Close releases every
// resource the factory opened.
type Stores struct {
	Plans           appbilling.PlanCache
	ProcessedEvents shared.ProcessedEventStore
	Redis           *redis.Client // nil when running on process memory
	closers         []func() error
}

// Close releases the stores and the Redis client
func (s *Stores) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Factory creates caches based on configuration
type Factory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
	connect               func(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error)
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithInMemoryFallback controls whether to fall back to process memory when
// Redis is unreachable. Default is true.
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemoryFallback = allow
	}
}

// NewFactory creates a new factory
func NewFactory(cfg config.RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
		connect:               NewRedisClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateInMemory builds process-local stores
func (f *Factory) CreateInMemory() *Stores {
	plans := NewInMemoryPlanCache(time.Minute)
	events := NewInMemoryProcessedEventStore(5 * time.Minute)
	return &Stores{
		Plans:           plans,
		ProcessedEvents: events,
		closers:         []func() error{plans.Close, events.Close},
	}
}

// Create builds Redis-backed stores when Redis is enabled and reachable,
// falling back to process memory when allowed.
func (f *Factory) Create(ctx context.Context) (*Stores, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory plan cache")
		return f.CreateInMemory(), nil
	}

	client, err := f.connect(ctx, f.redisConfig)
	if err == nil {
		f.logger.Info("Using Redis plan cache", zap.String("addr", f.redisConfig.Addr()))
		return &Stores{
			Plans:           NewRedisPlanCache(client),
			ProcessedEvents: NewRedisProcessedEventStore(client, ""),
			Redis:           client,
			closers:         []func() error{client.Close},
		}, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for plan cache but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory plan cache. "+
		"Plan invalidations will not reach other instances.",
		zap.Error(err),
	)
	return f.CreateInMemory(), nil
}
