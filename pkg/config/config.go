package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `env:", prefix=SERVER_"`
	MySQL      MySQLConfig      `env:", prefix=MYSQL_"`
	Redis      RedisConfig      `env:", prefix=REDIS_"`
	NATS       NATSConfig       `env:", prefix=NATS_"`
	InfluxDB   InfluxConfig     `env:", prefix=INFLUXDB_"`
	Polygon    PolygonConfig    `env:", prefix=POLYGON_"`
	Cache      CacheConfig      `env:", prefix=CACHE_"`
	Batch      BatchConfig      `env:", prefix=BATCH_"`
	Universe   UniverseConfig   `env:", prefix=UNIVERSE_"`
	Scheduler  SchedulerConfig  `env:", prefix=SCHEDULER_"`
	Security   SecurityConfig   `env:", prefix=SECURITY_"`
	Logging    LoggingConfig    `env:", prefix=LOG_"`
	Monitoring MonitoringConfig `env:", prefix=MONITORING_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `env:"HOST, default=0.0.0.0"`
	Port         int           `env:"PORT, default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=120s"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host            string        `env:"HOST, default=localhost"`
	Port            int           `env:"PORT, default=3306"`
	Database        string        `env:"DATABASE, default=pricecache"`
	User            string        `env:"USER, default=pricecache"`
	Password        string        `env:"PASSWORD, default=pricecache123"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS, default=25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS, default=5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME, default=5m"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `env:"HOST, default=localhost"`
	Port         int           `env:"PORT, default=6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB, default=0"`
	PoolSize     int           `env:"POOL_SIZE, default=10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS, default=5"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT, default=5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=3s"`
	SnapshotTTL  time.Duration `env:"SNAPSHOT_TTL, default=60s"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL           string        `env:"URL, default=nats://localhost:4222"`
	MaxReconnect  int           `env:"MAX_RECONNECT, default=10"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT, default=2s"`
	DrainTimeout  time.Duration `env:"DRAIN_TIMEOUT, default=30s"`
}

// InfluxConfig holds InfluxDB configuration for operational metrics
type InfluxConfig struct {
	URL     string        `env:"URL, default=http://localhost:8086"`
	Token   string        `env:"TOKEN"`
	Org     string        `env:"ORG, default=pricecache-org"`
	Bucket  string        `env:"BUCKET, default=pricecache"`
	Timeout time.Duration `env:"TIMEOUT, default=10s"`
}

// PolygonConfig holds upstream data provider configuration
type PolygonConfig struct {
	APIKey         string        `env:"API_KEY"`
	BaseURL        string        `env:"BASE_URL, default=https://api.polygon.io"`
	RateLimitDelay time.Duration `env:"RATE_LIMIT_DELAY, default=250ms"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT, default=30s"`
}

// CacheConfig holds refresh policy parameters
type CacheConfig struct {
	AlwaysFetchDays            int     `env:"ALWAYS_FETCH_DAYS, default=2"`
	RollingWindowDays          int     `env:"ROLLING_WINDOW_DAYS, default=90"`
	RollingRefreshIntervalDays int     `env:"ROLLING_REFRESH_INTERVAL_DAYS, default=7"`
	FullRefreshIntervalDays    int     `env:"FULL_REFRESH_INTERVAL_DAYS, default=30"`
	HistoricalStartDate        string  `env:"HISTORICAL_START_DATE, default=2016-01-18"`
	AdjustmentTolerance        float64 `env:"ADJUSTMENT_TOLERANCE, default=0.01"`
}

// BatchConfig holds batch orchestrator configuration
type BatchConfig struct {
	RateLimitBackoff    time.Duration `env:"RATE_LIMIT_BACKOFF, default=60s"`
	SymbolDelay         time.Duration `env:"SYMBOL_DELAY, default=250ms"`
	ProgressLogInterval int           `env:"PROGRESS_LOG_INTERVAL, default=50"`
}

// UniverseConfig holds constituent list configuration
type UniverseConfig struct {
	SourceURL      string        `env:"SOURCE_URL, default=https://en.wikipedia.org/wiki/List_of_S%26P_500_companies"`
	RefreshDays    int           `env:"REFRESH_DAYS, default=7"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT, default=30s"`
}

// SchedulerConfig holds background schedule configuration
type SchedulerConfig struct {
	Enabled             bool   `env:"ENABLED, default=true"`
	StaleSweepSpec      string `env:"STALE_SWEEP_SPEC, default=0 30 5 * * *"`
	UniverseRefreshSpec string `env:"UNIVERSE_REFRESH_SPEC, default=0 0 6 * * 1"`
	SweepLimit          int    `env:"SWEEP_LIMIT, default=100"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	CORSEnabled bool     `env:"CORS_ENABLED, default=true"`
	CORSOrigins []string `env:"CORS_ORIGINS, default=*"`
	CORSMethods []string `env:"CORS_METHODS, default=GET,POST,PUT,DELETE,OPTIONS"`
	CORSHeaders []string `env:"CORS_HEADERS, default=*"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=json"`
	Output string `env:"OUTPUT, default=stdout"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled     bool `env:"METRICS_ENABLED, default=false"`
	HealthCheckEnabled bool `env:"HEALTH_CHECK_ENABLED, default=true"`
}

// Load loads configuration from environment variables using go-envconfig
func Load() (*Config, error) {
	ctx := context.Background()
	var cfg Config

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.MySQL.Host == "" {
		return fmt.Errorf("MySQL host is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("Redis host is required")
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.Cache.AlwaysFetchDays < 0 || c.Cache.RollingWindowDays <= 0 {
		return fmt.Errorf("invalid cache refresh parameters")
	}

	if _, err := time.Parse("2006-01-02", c.Cache.HistoricalStartDate); err != nil {
		return fmt.Errorf("invalid historical start date %q: %w", c.Cache.HistoricalStartDate, err)
	}

	return nil
}

// GetMySQLDSN returns MySQL DSN string
func (c *Config) GetMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.MySQL.User,
		c.MySQL.Password,
		c.MySQL.Host,
		c.MySQL.Port,
		c.MySQL.Database,
	)
}

// GetRedisAddr returns Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// HistoricalStart returns the configured start of history as a date.
func (c *Config) HistoricalStart() time.Time {
	t, _ := time.Parse("2006-01-02", c.Cache.HistoricalStartDate)
	return t
}
