// Package bootstrap assembles the limiter from configuration. The server and
// the maintenance CLI share it so both run the same policies, repositories
// and notification wiring.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/domain/shared"
	"github.com/usagelimiter/backend/internal/infrastructure/cache"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
	"github.com/usagelimiter/backend/internal/infrastructure/event"
	"github.com/usagelimiter/backend/internal/infrastructure/logger"
	"github.com/usagelimiter/backend/internal/infrastructure/persistence"
	"github.com/usagelimiter/backend/internal/infrastructure/strategy"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Options tunes what Build wires besides the core limiter
type Options struct {
	// Metrics receives limiter instruments; nil records nothing
	Metrics *telemetry.LimiterMetrics
	// ForwardEvents publishes notifications to the configured broker
	ForwardEvents bool
	// Failpoints injects faults into the reservation state machine
	Failpoints billing.Failpoint
}

// Components is the assembled limiter and everything it owns
type Components struct {
	Config   *config.Config
	Database *persistence.Database
	Stores   *cache.Stores
	Bus      *event.InMemoryEventBus

	Accounts    *persistence.GormAccountRepository
	Plans       *persistence.GormPlanRepository
	Usage       *persistence.GormUsageRepository
	Wallets     *persistence.GormWalletRepository
	Overages    *persistence.GormOverageRepository
	Idempotency *persistence.GormIdempotencyStore

	Registry    *strategy.PolicyRegistry
	Resolver    *appbilling.PlanResolver
	Limiter     *appbilling.UsageLimiter
	Ingestor    *appbilling.EventIngestor
	Gateway     *appbilling.ExecutionGateway
	Maintenance *appbilling.MaintenanceService
	Seeder      *appbilling.CatalogSeeder

	publisher event.BrokerPublisher
}

// Build opens the database, caches and broker and assembles the limiter.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (_ *Components, err error) {
	log = logger.OrNop(log)
	c := &Components{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if c.Database, err = OpenDatabase(cfg, log); err != nil {
		return nil, err
	}
	db := c.Database.DB

	c.Accounts = persistence.NewGormAccountRepository(db)
	c.Plans = persistence.NewGormPlanRepository(db)
	c.Usage = persistence.NewGormUsageRepository(db)
	c.Wallets = persistence.NewGormWalletRepository(db)
	c.Overages = persistence.NewGormOverageRepository(db)
	c.Idempotency = persistence.NewGormIdempotencyStore(db, cfg.Limiter.IdempotencyTTL)

	c.Stores, err = cache.NewFactory(cfg.Redis, cache.WithLogger(log)).Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create caches: %w", err)
	}

	notifications := event.NotificationOptions{
		Logger:    log,
		Metrics:   opts.Metrics,
		Processed: c.Stores.ProcessedEvents,
		Dedup:     shared.DefaultDedupConfig(),
	}
	if opts.ForwardEvents {
		if c.publisher, err = event.NewBrokerPublisher(cfg.Events); err != nil {
			return nil, fmt.Errorf("create event broker publisher: %w", err)
		}
		notifications.Publisher = c.publisher
	}
	c.Bus = event.NewNotificationBus(notifications)
	if err = c.Bus.Start(ctx); err != nil {
		return nil, fmt.Errorf("start event bus: %w", err)
	}

	c.Registry, err = strategy.NewRegistryWithDefaults(strategy.Dependencies{
		Events:                c.Bus,
		Accounts:              c.Accounts,
		DefaultPeriodResolver: cfg.Limiter.PeriodResolver,
		Logger:                log,
	})
	if err != nil {
		return nil, fmt.Errorf("register policies: %w", err)
	}
	periods, err := c.Registry.PeriodResolver(cfg.Limiter.PeriodResolver)
	if err != nil {
		return nil, err
	}

	defaults := billing.DefaultLimitDefaults()
	resolverConfig := appbilling.DefaultPlanResolverConfig()
	resolverConfig.CacheTTL = cfg.Limiter.PlanCacheTTL
	resolverConfig.CachePrefix = cfg.Limiter.PlanCachePrefix
	resolverConfig.Defaults = billing.LimitDefaults{
		EnforcementMode: billing.ParseEnforcementMode(cfg.Limiter.DefaultEnforcementMode, defaults.EnforcementMode),
		PricingMode:     billing.ParsePricingMode(cfg.Limiter.DefaultPricingMode, defaults.PricingMode),
	}
	c.Resolver = appbilling.NewPlanResolver(c.Plans, c.Stores.Plans, log, resolverConfig)

	enforcement := appbilling.NewEnforcementEngine(c.Registry)
	manager := appbilling.NewReservationManager(
		persistence.NewGormTransactionScope(db),
		c.Usage,
		appbilling.NewNoOpTransactionScope(c.Usage, c.Wallets, c.Overages, c.Accounts),
		enforcement,
		appbilling.NewPricingEngine(c.Registry),
		log,
		appbilling.ReservationManagerConfig{
			ReservationTTL: cfg.Limiter.ReservationTTL,
			Failpoints:     opts.Failpoints,
		},
	)

	c.Limiter = appbilling.NewUsageLimiter(c.Accounts, c.Usage, c.Resolver, periods, manager, enforcement, c.Bus, log,
		appbilling.UsageLimiterConfig{
			WarningThresholdPercent: float64(cfg.Limiter.WarningThresholdPercent),
			Metrics:                 opts.Metrics,
		})
	c.Ingestor = appbilling.NewEventIngestor(c.Limiter)
	c.Gateway = appbilling.NewExecutionGateway(c.Limiter, log)
	c.Maintenance = appbilling.NewMaintenanceService(c.Usage, c.Wallets, c.Accounts, c.Overages, c.Idempotency,
		c.Resolver, c.Bus, log, appbilling.MaintenanceServiceConfig{Metrics: opts.Metrics})
	c.Seeder = appbilling.NewCatalogSeeder(c.Plans, c.Accounts, c.Resolver, log)

	log.Info("Usage limiter assembled",
		zap.String("database_driver", c.Database.Driver),
		zap.Bool("redis", c.Stores.Redis != nil),
		zap.String("event_broker", brokerName(c.publisher, cfg.Events.Broker)),
		zap.String("period_resolver", cfg.Limiter.PeriodResolver),
		zap.Strings("enforcement_modes", c.Registry.ListEnforcementModes()),
		zap.Strings("pricing_modes", c.Registry.ListPricingModes()),
	)
	return c, nil
}

// OpenDatabase connects with the zap backed GORM logger, registers query
// tracing and, on SQLite, creates the schema from the models. Postgres and
// MySQL schemas are managed by the migrate command.
func OpenDatabase(cfg *config.Config, log *zap.Logger) (*persistence.Database, error) {
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
		logger.WithContentionClassifier(persistence.IsRetryable))

	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		return nil, err
	}

	tracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:        telemetry.DBSystemForDriver(cfg.Database.Driver),
	}, log)
	if err := tracing.RegisterOtelGorm(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register database tracing: %w", err)
	}

	if cfg.Database.Driver == config.DriverSQLite {
		if err := db.AutoMigrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	log.Info("Database connected successfully", zap.String("driver", db.Driver))
	return db, nil
}

// Close stops the bus and closes the broker, caches and database
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Bus != nil {
		errs = append(errs, c.Bus.Stop(ctx))
	}
	if c.publisher != nil {
		errs = append(errs, c.publisher.Close())
	}
	if c.Stores != nil {
		errs = append(errs, c.Stores.Close())
	}
	if c.Database != nil {
		errs = append(errs, c.Database.Close())
	}
	return errors.Join(errs...)
}

func brokerName(p event.BrokerPublisher, configured string) string {
	if p == nil {
		return config.BrokerNone
	}
	return configured
}
