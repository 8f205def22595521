package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Limiter   LimiterConfig
	Scheduler SchedulerConfig
	Events    EventsConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, mysql, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file or DSN
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings. The plan cache falls back to
// process memory when Redis is disabled or unreachable.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
	TrustedProxies  []string
	MaxBodyBytes    int64
	CORSOrigins     []string
	// MeteredRoutes are charged through the limiter, as "METHOD /path=metric[:amount]"
	MeteredRoutes []string
}

// LimiterConfig holds the usage limiter settings
type LimiterConfig struct {
	ReservationTTL          time.Duration // pending reservations expire after this
	WarningThresholdPercent int           // LimitApproaching fires at or above this usage
	IdempotencyTTL          time.Duration // lifetime of idempotency records, at least one hour
	DefaultEnforcementMode  string        // used when a limit sets none
	DefaultPricingMode      string        // used when a limit sets none
	PeriodResolver          string        // calendar_month, weekly, rolling_30
	PlanCacheTTL            time.Duration
	PlanCachePrefix         string
}

// SchedulerConfig holds maintenance scheduler configuration
type SchedulerConfig struct {
	Enabled             bool
	ExpirySweepInterval time.Duration
	ReconcileInterval   time.Duration
	CleanupInterval     time.Duration
	JobTimeout          time.Duration
	AutoCorrect         bool // correct divergent aggregates and wallets during scheduled reconciliation
}

// Supported event brokers
const (
	BrokerNone     = "none"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

// EventsConfig selects where limiter notifications are forwarded
type EventsConfig struct {
	Broker   string // none, kafka, rabbitmq
	Kafka    KafkaConfig
	RabbitMQ RabbitMQConfig
}

// KafkaConfig holds Kafka producer settings
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// RabbitMQConfig holds RabbitMQ publisher settings
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OTLP tracing
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string
	Insecure          bool // Use insecure (non-TLS) connection (development only)
	MetricsEnabled    bool // Export metrics over OTLP
	MetricsInterval   time.Duration
	PrometheusEnabled bool // Serve metrics at /metrics
	DBTraceEnabled    bool // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration
}

// Load loads configuration from an optional .env file, a TOML file and
// environment variables.
// Priority (highest to lowest):
// 1. Environment variables with UL_ prefix (e.g., UL_DATABASE_PASSWORD)
// 2. .env file entries (loaded into the environment, never overriding it)
// 3. config.toml
// 4. Built-in defaults
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("UL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:  v.GetInt("http.max_header_bytes"),
			TrustedProxies:  v.GetStringSlice("http.trusted_proxies"),
			MaxBodyBytes:    v.GetInt64("http.max_body_bytes"),
			CORSOrigins:     v.GetStringSlice("http.cors_origins"),
			MeteredRoutes:   v.GetStringSlice("http.metered_routes"),
		},
		Limiter: LimiterConfig{
			ReservationTTL:          v.GetDuration("limiter.reservation_ttl"),
			WarningThresholdPercent: v.GetInt("limiter.warning_threshold_percent"),
			IdempotencyTTL:          v.GetDuration("limiter.idempotency_ttl"),
			DefaultEnforcementMode:  v.GetString("limiter.default_enforcement_mode"),
			DefaultPricingMode:      v.GetString("limiter.default_pricing_mode"),
			PeriodResolver:          v.GetString("limiter.period_resolver"),
			PlanCacheTTL:            v.GetDuration("limiter.plan_cache_ttl"),
			PlanCachePrefix:         v.GetString("limiter.plan_cache_prefix"),
		},
		Scheduler: SchedulerConfig{
			Enabled:             v.GetBool("scheduler.enabled"),
			ExpirySweepInterval: v.GetDuration("scheduler.expiry_sweep_interval"),
			ReconcileInterval:   v.GetDuration("scheduler.reconcile_interval"),
			CleanupInterval:     v.GetDuration("scheduler.cleanup_interval"),
			JobTimeout:          v.GetDuration("scheduler.job_timeout"),
			AutoCorrect:         v.GetBool("scheduler.auto_correct"),
		},
		Events: EventsConfig{
			Broker: v.GetString("events.broker"),
			Kafka: KafkaConfig{
				Brokers:      v.GetStringSlice("events.kafka.brokers"),
				Topic:        v.GetString("events.kafka.topic"),
				WriteTimeout: v.GetDuration("events.kafka.write_timeout"),
			},
			RabbitMQ: RabbitMQConfig{
				URL:      v.GetString("events.rabbitmq.url"),
				Exchange: v.GetString("events.rabbitmq.exchange"),
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			PrometheusEnabled: v.GetBool("telemetry.prometheus_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "usage-limiter"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		switch cfg.Database.Driver {
		case DriverMySQL:
			cfg.Database.Port = 3306
		default:
			cfg.Database.Port = 5432
		}
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "usage_limiter"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "usage_limiter.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}

	if cfg.Limiter.ReservationTTL == 0 {
		cfg.Limiter.ReservationTTL = 15 * time.Minute
	}
	if cfg.Limiter.WarningThresholdPercent == 0 {
		cfg.Limiter.WarningThresholdPercent = 80
	}
	if cfg.Limiter.IdempotencyTTL == 0 {
		cfg.Limiter.IdempotencyTTL = 48 * time.Hour
	}
	if cfg.Limiter.IdempotencyTTL < time.Hour {
		cfg.Limiter.IdempotencyTTL = time.Hour
	}
	if cfg.Limiter.DefaultEnforcementMode == "" {
		cfg.Limiter.DefaultEnforcementMode = "hard"
	}
	if cfg.Limiter.DefaultPricingMode == "" {
		cfg.Limiter.DefaultPricingMode = "postpaid"
	}
	if cfg.Limiter.PeriodResolver == "" {
		cfg.Limiter.PeriodResolver = "calendar_month"
	}
	if cfg.Limiter.PlanCacheTTL == 0 {
		cfg.Limiter.PlanCacheTTL = 60 * time.Second
	}
	if cfg.Limiter.PlanCachePrefix == "" {
		cfg.Limiter.PlanCachePrefix = "ul_plan:"
	}

	if cfg.Scheduler.ExpirySweepInterval == 0 {
		cfg.Scheduler.ExpirySweepInterval = time.Minute
	}
	if cfg.Scheduler.ReconcileInterval == 0 {
		cfg.Scheduler.ReconcileInterval = 24 * time.Hour
	}
	if cfg.Scheduler.CleanupInterval == 0 {
		cfg.Scheduler.CleanupInterval = 24 * time.Hour
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 10 * time.Minute
	}

	if cfg.Events.Broker == "" {
		cfg.Events.Broker = BrokerNone
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = "usage-limiter.events"
	}
	if cfg.Events.Kafka.WriteTimeout == 0 {
		cfg.Events.Kafka.WriteTimeout = 10 * time.Second
	}
	if cfg.Events.RabbitMQ.Exchange == "" {
		cfg.Events.RabbitMQ.Exchange = "usage_limiter.events"
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be one of postgres, mysql, sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Limiter.WarningThresholdPercent < 1 || c.Limiter.WarningThresholdPercent > 100 {
		return fmt.Errorf("limiter.warning_threshold_percent must be between 1 and 100, got %d", c.Limiter.WarningThresholdPercent)
	}
	switch c.Limiter.DefaultEnforcementMode {
	case "hard", "soft":
	default:
		return fmt.Errorf("limiter.default_enforcement_mode must be hard or soft, got %q", c.Limiter.DefaultEnforcementMode)
	}
	switch c.Limiter.DefaultPricingMode {
	case "prepaid", "postpaid", "hybrid":
	default:
		return fmt.Errorf("limiter.default_pricing_mode must be prepaid, postpaid or hybrid, got %q", c.Limiter.DefaultPricingMode)
	}

	switch c.Events.Broker {
	case BrokerNone:
	case BrokerKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when events.broker is kafka")
		}
	case BrokerRabbitMQ:
		if c.Events.RabbitMQ.URL == "" {
			return fmt.Errorf("events.rabbitmq.url is required when events.broker is rabbitmq")
		}
	default:
		return fmt.Errorf("events.broker must be one of none, kafka, rabbitmq, got %q", c.Events.Broker)
	}

	if c.App.Env == "production" {
		if c.Database.Driver == DriverSQLite {
			return fmt.Errorf("database.driver sqlite is not supported in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.Driver == DriverPostgres && c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	return nil
}

// DSN returns the connection string for the configured driver with properly escaped values
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
		mc.DBName = d.DBName
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.MultiStatements = true
		return mc.FormatDSN()
	case DriverSQLite:
		return d.Path
	default:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, d.Password),
			Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
			Path:   d.DBName,
		}
		q := u.Query()
		q.Set("sslmode", d.SSLMode)
		q.Set("timezone", "UTC")
		u.RawQuery = q.Encode()
		return u.String()
	}
}
