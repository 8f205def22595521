package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usagelimiter/backend/internal/bootstrap"
	"github.com/usagelimiter/backend/internal/infrastructure/config"
	"github.com/usagelimiter/backend/internal/infrastructure/logger"
	"github.com/usagelimiter/backend/internal/infrastructure/scheduler"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"github.com/usagelimiter/backend/internal/interfaces/http/handler"
	"github.com/usagelimiter/backend/internal/interfaces/http/middleware"
	"github.com/usagelimiter/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Service:    cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
	log.Info("Server exited gracefully")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting usage limiter",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	var metricsHandler http.Handler
	metricsConfig := telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		PrometheusEnabled: cfg.Telemetry.PrometheusEnabled,
	}
	if cfg.Telemetry.PrometheusEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metricsConfig.PrometheusRegisterer = registry
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, metricsConfig, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()
	limiterMetrics, err := telemetry.NewLimiterMetrics(meterProvider.Meter("usage_limiter"))
	if err != nil {
		return err
	}

	// Limiter
	components, err := bootstrap.Build(ctx, cfg, log, bootstrap.Options{
		Metrics:       limiterMetrics,
		ForwardEvents: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(context.Background()); err != nil {
			log.Error("Error closing limiter components", zap.Error(err))
		}
	}()

	maintenance := scheduler.NewMaintenanceScheduler(components.Maintenance, log, scheduler.MaintenanceSchedulerConfig{
		Enabled:             cfg.Scheduler.Enabled,
		ExpirySweepInterval: cfg.Scheduler.ExpirySweepInterval,
		ReconcileInterval:   cfg.Scheduler.ReconcileInterval,
		CleanupInterval:     cfg.Scheduler.CleanupInterval,
		JobTimeout:          cfg.Scheduler.JobTimeout,
		AutoCorrect:         cfg.Scheduler.AutoCorrect,
	})
	if err := maintenance.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := maintenance.Stop(stopCtx); err != nil {
			log.Error("Error stopping maintenance scheduler", zap.Error(err))
		}
	}()

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	meteredRoutes, err := middleware.ParseMeteredRoutes(cfg.HTTP.MeteredRoutes)
	if err != nil {
		return err
	}

	health := handler.NewHealthHandler(telemetry.ServiceVersion).
		AddCheck("database", func(context.Context) error { return components.Database.Ping() })
	if redisClient := components.Stores.Redis; redisClient != nil {
		health.AddCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.HTTP.CORSOrigins

	engine := router.NewEngine(router.EngineConfig{
		Logger:         log,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		},
		MeterProvider:  meterProvider,
		Security:       middleware.DefaultSecurityConfig(),
		CORS:           cors,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		Executor:       components.Gateway,
		MeteredRoutes:  meteredRoutes,
		MetricsHandler: metricsHandler,
	}, router.Handlers{
		Usage:   handler.NewUsageHandler(components.Limiter, components.Ingestor, components.Idempotency, log),
		Account: handler.NewAccountHandler(components.Accounts, components.Wallets, components.Limiter),
		Health:  health,
	})

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
