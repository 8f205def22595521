package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/usagelimiter/backend/internal/infrastructure/logger"
	"github.com/usagelimiter/backend/internal/infrastructure/telemetry"
	"github.com/usagelimiter/backend/internal/interfaces/http/handler"
	"github.com/usagelimiter/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// EngineConfig configures the HTTP middleware stack
type EngineConfig struct {
	Logger         *zap.Logger
	TrustedProxies []string
	Tracing        middleware.TracingConfig
	MeterProvider  *telemetry.MeterProvider
	Security       middleware.SecurityConfig
	CORS           middleware.CORSConfig
	MaxBodyBytes   int64

	// Executor meters MeteredRoutes; nil disables HTTP metering
	Executor      middleware.UsageExecutor
	MeteredRoutes []middleware.MeteredRoute

	// MetricsHandler is served at /metrics when set
	MetricsHandler http.Handler
}

// Handlers are the endpoint handlers mounted on the engine
type Handlers struct {
	Usage   *handler.UsageHandler
	Account *handler.AccountHandler
	Health  *handler.HealthHandler
}

// NewEngine builds the gin engine with the middleware stack and all routes.
//
// Middleware order: recovery, request logging (assigns the request id),
// tracing, HTTP metrics, security headers, CORS, body limit. Metering runs
// only on API routes so health and metrics scrapes are never charged.
func NewEngine(cfg EngineConfig, h Handlers) *gin.Engine {
	log := logger.OrNop(cfg.Logger)

	engine := gin.New()
	if len(cfg.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.TracingWithConfig(cfg.Tracing))
	engine.Use(middleware.SpanAttributes())
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: cfg.MeterProvider,
		Enabled:       cfg.MeterProvider != nil,
		Logger:        log,
	}))
	engine.Use(middleware.SecureWithConfig(cfg.Security))
	engine.Use(middleware.CORSWithConfig(cfg.CORS))
	engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	if h.Health != nil {
		engine.GET("/health", h.Health.Health)
	}
	if cfg.MetricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	r := NewRouter(engine, WithAPIVersion("v1"))
	if cfg.Executor != nil && len(cfg.MeteredRoutes) > 0 {
		r.Use(middleware.Metering(cfg.Executor, middleware.MeteringConfig{
			Routes: cfg.MeteredRoutes,
			Logger: log,
		}))
	}
	if h.Usage != nil {
		r.Register(UsageRoutes(h.Usage))
	}
	if h.Account != nil {
		r.Register(AccountRoutes(h.Account))
	}
	r.Setup()

	log.Info("HTTP routes registered",
		zap.String("base_path", r.BasePath()),
		zap.Int("routes", len(engine.Routes())),
		zap.Int("metered_routes", len(cfg.MeteredRoutes)),
	)
	return engine
}
