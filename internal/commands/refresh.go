package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/price-cache/internal/batch"
	"github.com/price-cache/internal/cache"
	"github.com/price-cache/internal/database"
	"github.com/price-cache/internal/universe"
	"github.com/price-cache/internal/upstream"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

var (
	refreshSymbol string
	refreshStart  string
	refreshEnd    string
	refreshForce  bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a caching job in the foreground",
	Long: `Fetch and store daily bars for the whole universe, or for one symbol.

Only date ranges missing from the local store are requested upstream, so an
interrupted run can simply be started again. With --force the cached rows in
the range are dropped and refetched.

Examples:
  # Cache the full configured history for every universe constituent
  price-cache refresh

  # Refetch a specific window, replacing cached rows
  price-cache refresh --start 2024-01-01 --end 2024-06-30 --force

  # Cache a single symbol
  price-cache refresh --symbol AAPL --start 2023-01-01`,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().StringVar(&refreshSymbol, "symbol", "", "Cache a single symbol instead of the whole universe")
	refreshCmd.Flags().StringVar(&refreshStart, "start", "", "Range start YYYY-MM-DD (default: configured historical start)")
	refreshCmd.Flags().StringVar(&refreshEnd, "end", "", "Range end YYYY-MM-DD (default: today)")
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Drop cached rows in the range and refetch them")
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	// Load .env file first
	if err := config.LoadDotEnv(); err != nil {
		// Log but don't fail - .env file is optional
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve the date range
	start := cfg.HistoricalStart()
	if refreshStart != "" {
		if start, err = time.Parse(models.DateLayout, refreshStart); err != nil {
			return fmt.Errorf("invalid --start date: %w", err)
		}
	}
	end := models.Day(time.Now().UTC())
	if refreshEnd != "" {
		if end, err = time.Parse(models.DateLayout, refreshEnd); err != nil {
			return fmt.Errorf("invalid --end date: %w", err)
		}
	}
	if end.Before(start) {
		return fmt.Errorf("--end %s is before --start %s",
			end.Format(models.DateLayout), start.Format(models.DateLayout))
	}

	// Setup logger
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})

	// Initialize database client
	mysqlClient, err := database.NewMySQLClient(&cfg.MySQL, logger)
	if err != nil {
		return fmt.Errorf("failed to create MySQL client: %w", err)
	}
	defer mysqlClient.Close()

	// Wire the cache manager straight to the upstream provider
	polygon := upstream.NewPolygonClient(&cfg.Polygon, logger)
	cacheManager := cache.NewManager(mysqlClient, polygon, nil, logger)

	ctx := context.Background()

	// Single-symbol mode skips the job machinery entirely
	if refreshSymbol != "" {
		logger.WithFields(logrus.Fields{
			"symbol": refreshSymbol,
			"start":  start.Format(models.DateLayout),
			"end":    end.Format(models.DateLayout),
			"force":  refreshForce,
		}).Info("Caching single symbol")

		bars, err := cacheManager.GetBars(ctx, refreshSymbol, start, end, refreshForce)
		if err != nil {
			return fmt.Errorf("caching %s failed: %w", refreshSymbol, err)
		}

		logger.WithFields(logrus.Fields{
			"symbol": refreshSymbol,
			"bars":   len(bars),
		}).Info("Symbol cached")
		return nil
	}

	// Universe mode runs one batch job to completion in the foreground
	universeMgr := universe.NewManager(&cfg.Universe, mysqlClient, logger)
	orchestrator := batch.NewOrchestrator(&cfg.Batch, cacheManager, mysqlClient,
		universeMgr, nil, nil, nil, batch.NewRegistry(), logger)

	logger.WithFields(logrus.Fields{
		"start": start.Format(models.DateLayout),
		"end":   end.Format(models.DateLayout),
		"force": refreshForce,
	}).Info("Starting universe caching job")

	job, err := orchestrator.RunBatch(ctx, start, end, refreshForce)
	if err != nil {
		return fmt.Errorf("caching job failed: %w", err)
	}

	// Show summary
	logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"status":    job.Status,
		"processed": job.TickersProcessed,
		"failed":    job.TickersFailed,
		"total":     job.TickersTotal,
	}).Info("Caching job finished")

	if job.ErrorSummary != "" {
		logger.Warn(job.ErrorSummary)
	}

	return nil
}
