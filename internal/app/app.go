package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/api"
	"github.com/price-cache/internal/batch"
	"github.com/price-cache/internal/cache"
	"github.com/price-cache/internal/database"
	"github.com/price-cache/internal/messaging"
	"github.com/price-cache/internal/services"
	"github.com/price-cache/internal/universe"
	"github.com/price-cache/internal/upstream"
	"github.com/price-cache/internal/websocket"
	"github.com/price-cache/pkg/config"
)

// App wires the price cache together: durable store, snapshot cache,
// messaging, upstream client, cache manager, batch orchestrator, universe
// manager, background scheduler and the HTTP API.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Core components
	mysqlDB    *database.MySQLClient
	influxDB   *database.InfluxClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient
	polygon    *upstream.PolygonClient

	// Domain components
	policy       *cache.Policy
	cacheManager *cache.Manager
	registry     *batch.Registry
	orchestrator *batch.Orchestrator
	universeMgr  *universe.Manager

	// Services
	sweeper   *services.Sweeper
	scheduler *services.Scheduler
	jobsHub   *websocket.Hub
	apiServer *api.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize initializes all application components
func (a *App) Initialize() error {
	if err := a.initializeDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.initializeCache(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := a.initializeMessaging(); err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}

	a.initializeMetrics()

	if err := a.initializeDomain(); err != nil {
		return fmt.Errorf("failed to initialize domain components: %w", err)
	}

	if err := a.initializeServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.initializeAPIServer(); err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	return nil
}

// Start starts the application
func (a *App) Start() error {
	// Start WebSocket job event hub
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.jobsHub.Run(a.ctx)
	}()

	// Start background scheduler
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// Start API server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.apiServer.Start(); err != nil {
			if err != http.ErrServerClosed {
				a.logger.WithError(err).Error("API server error")
			}
		}
	}()

	return nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping application...")

	// Cancel context to signal shutdown
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All goroutines stopped")
	case <-time.After(3 * time.Second):
		a.logger.Warn("Timeout waiting for goroutines to finish")
	}

	a.stopServicesWithTimeout()

	if err := a.closeConnections(); err != nil {
		a.logger.WithError(err).Error("Error closing connections")
	}

	a.logger.Info("Application stopped successfully")
	return nil
}

// stopServicesWithTimeout stops each service with a timeout
func (a *App) stopServicesWithTimeout() {
	// Stop API server with timeout
	if a.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error stopping API server")
		}
		cancel()
	}

	// Stop scheduler, waiting for in-flight sweeps
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
}

// GetContext returns the application context
func (a *App) GetContext() context.Context {
	return a.ctx
}

// GetConfig returns the application configuration
func (a *App) GetConfig() *config.Config {
	return a.cfg
}

// GetLogger returns the application logger
func (a *App) GetLogger() *logrus.Logger {
	return a.logger
}

// Orchestrator returns the batch orchestrator
func (a *App) Orchestrator() *batch.Orchestrator {
	return a.orchestrator
}

// Universe returns the universe manager
func (a *App) Universe() *universe.Manager {
	return a.universeMgr
}

// CacheManager returns the cache manager
func (a *App) CacheManager() *cache.Manager {
	return a.cacheManager
}

// Sweeper returns the stale-data sweeper
func (a *App) Sweeper() *services.Sweeper {
	return a.sweeper
}

// MySQL returns the durable store client
func (a *App) MySQL() *database.MySQLClient {
	return a.mysqlDB
}

// Private initialization methods

func (a *App) initializeDatabase() error {
	mysqlClient, err := database.NewMySQLClient(&a.cfg.MySQL, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	a.mysqlDB = mysqlClient

	return nil
}

func (a *App) initializeCache() error {
	redisClient, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redisCache = redisClient

	return nil
}

func (a *App) initializeMessaging() error {
	natsClient, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.natsClient = natsClient

	return nil
}

// initializeMetrics sets up the optional InfluxDB metrics sink. Metrics are
// fire-and-forget; an unreachable InfluxDB degrades to a warning.
func (a *App) initializeMetrics() {
	if !a.cfg.Monitoring.MetricsEnabled {
		return
	}

	a.influxDB = database.NewInfluxClient(&a.cfg.InfluxDB, a.logger)
	if err := a.influxDB.Health(a.ctx); err != nil {
		a.logger.WithError(err).Warn("InfluxDB unreachable, metrics may be dropped")
	}
}

func (a *App) initializeDomain() error {
	a.polygon = upstream.NewPolygonClient(&a.cfg.Polygon, a.logger)
	a.policy = cache.NewPolicy(&a.cfg.Cache)

	// A nil *InfluxClient must stay a nil interface for the metrics checks.
	var fetchMetrics cache.FetchMetrics
	var jobMetrics batch.JobMetrics
	if a.influxDB != nil {
		fetchMetrics = a.influxDB
		jobMetrics = a.influxDB
	}

	a.cacheManager = cache.NewManager(a.mysqlDB, a.polygon, fetchMetrics, a.logger)
	a.universeMgr = universe.NewManager(&a.cfg.Universe, a.mysqlDB, a.logger)

	a.registry = batch.NewRegistry()
	a.orchestrator = batch.NewOrchestrator(
		&a.cfg.Batch,
		a.cacheManager,
		a.mysqlDB,
		a.universeMgr,
		a.natsClient,
		a.redisCache,
		jobMetrics,
		a.registry,
		a.logger,
	)

	return nil
}

func (a *App) initializeServices() error {
	a.sweeper = services.NewSweeper(
		a.cfg,
		a.mysqlDB,
		a.cacheManager,
		a.polygon,
		a.policy,
		a.logger,
	)

	if a.cfg.Scheduler.Enabled {
		a.scheduler = services.NewScheduler(&a.cfg.Scheduler, a.sweeper, a.universeMgr, a.logger)
	}

	return nil
}

func (a *App) initializeAPIServer() error {
	a.jobsHub = websocket.NewHub(a.natsClient, a.logger)

	a.apiServer = api.NewServer(
		a.cfg,
		a.logger,
		a.mysqlDB,
		a.redisCache,
		a.natsClient,
		a.cacheManager,
		a.orchestrator,
		a.universeMgr,
		a.jobsHub,
	)

	return nil
}

func (a *App) closeConnections() error {
	var errs []error

	if a.mysqlDB != nil {
		if err := a.mysqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MySQL: %w", err))
		}
	}

	if a.influxDB != nil {
		a.influxDB.Close()
	}

	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if a.natsClient != nil {
		if err := a.natsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}

	return nil
}
