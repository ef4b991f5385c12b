package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// Snapshot keys. Only derived aggregates live in Redis; bar data is always
// read from MySQL so the coverage semantics stay in one place.
const (
	coverageReportKey = "snapshot:coverage_report"
	dbStatsKey        = "snapshot:db_stats"
)

// RedisClient caches expensive aggregate snapshots (coverage report, store
// statistics) with a short TTL so dashboard polling does not hammer MySQL.
type RedisClient struct {
	client *redis.Client
	logger *logrus.Entry
	cfg    *config.RedisConfig
	ttl    time.Duration
}

// NewRedisClient creates a new Redis client and verifies the connection.
func NewRedisClient(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Additional settings to prevent connection issues
		PoolTimeout:        4 * time.Second, // Timeout for getting connection from pool
		IdleTimeout:        5 * time.Minute, // Close idle connections after this duration
		MaxRetries:         2,               // Max retries before giving up
		IdleCheckFrequency: time.Minute,     // How often to check for idle connections
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{
		client: client,
		logger: logger.WithField("component", "redis"),
		cfg:    cfg,
		ttl:    cfg.SnapshotTTL,
	}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health checks Redis health
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// SetCoverageReport stores a coverage report snapshot.
func (rc *RedisClient) SetCoverageReport(ctx context.Context, report *models.CoverageReport) error {
	return rc.setJSON(ctx, coverageReportKey, report)
}

// GetCoverageReport returns the cached coverage report, or nil on a miss.
func (rc *RedisClient) GetCoverageReport(ctx context.Context) (*models.CoverageReport, error) {
	var report models.CoverageReport
	ok, err := rc.getJSON(ctx, coverageReportKey, &report)
	if err != nil || !ok {
		return nil, err
	}
	return &report, nil
}

// SetDBStats stores a store statistics snapshot.
func (rc *RedisClient) SetDBStats(ctx context.Context, stats *models.DBStats) error {
	return rc.setJSON(ctx, dbStatsKey, stats)
}

// GetDBStats returns the cached store statistics, or nil on a miss.
func (rc *RedisClient) GetDBStats(ctx context.Context) (*models.DBStats, error) {
	var stats models.DBStats
	ok, err := rc.getJSON(ctx, dbStatsKey, &stats)
	if err != nil || !ok {
		return nil, err
	}
	return &stats, nil
}

// InvalidateSnapshots drops all cached snapshots. Called when a batch job
// finishes so the next poll sees fresh numbers immediately.
func (rc *RedisClient) InvalidateSnapshots(ctx context.Context) error {
	if err := rc.client.Del(ctx, coverageReportKey, dbStatsKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate snapshots: %w", err)
	}
	rc.logger.Debug("Invalidated snapshot cache")
	return nil
}

func (rc *RedisClient) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := rc.client.Set(ctx, key, data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// getJSON unmarshals the value at key into dest. The boolean is false on a
// cache miss.
func (rc *RedisClient) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}
