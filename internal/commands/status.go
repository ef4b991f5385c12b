package commands

import (
	"context"
	"fmt"
	"strings"
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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache coverage and job status",
	Long: `Print an operational snapshot of the price cache:
the latest caching job, universe coverage, and durable store statistics.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	// Setup logger
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})

	// Connect to MySQL
	mysqlClient, err := database.NewMySQLClient(&cfg.MySQL, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	defer mysqlClient.Close()

	polygon := upstream.NewPolygonClient(&cfg.Polygon, logger)
	cacheManager := cache.NewManager(mysqlClient, polygon, nil, logger)
	universeMgr := universe.NewManager(&cfg.Universe, mysqlClient, logger)
	orchestrator := batch.NewOrchestrator(&cfg.Batch, cacheManager, mysqlClient,
		universeMgr, nil, nil, nil, batch.NewRegistry(), logger)

	ctx := context.Background()

	// Latest job
	fmt.Println("Latest caching job")
	fmt.Println(strings.Repeat("-", 50))
	job, err := orchestrator.LatestJob(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest job: %w", err)
	}
	if job == nil {
		fmt.Println("No caching jobs recorded")
	} else {
		fmt.Printf("Job:       #%d (%s)\n", job.ID, job.JobType)
		fmt.Printf("Status:    %s\n", job.Status)
		fmt.Printf("Progress:  %d/%d processed, %d failed\n",
			job.TickersProcessed, job.TickersTotal, job.TickersFailed)
		fmt.Printf("Started:   %s\n", job.StartedAt.Format(time.RFC3339))
		if job.CompletedAt != nil {
			fmt.Printf("Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		}
		if job.ErrorSummary != "" {
			fmt.Printf("Errors:    %s\n", job.ErrorSummary)
		}
	}

	// Universe coverage
	fmt.Println("\nUniverse coverage")
	fmt.Println(strings.Repeat("-", 50))
	report, err := orchestrator.CoverageReport(ctx)
	if err != nil {
		return fmt.Errorf("failed to build coverage report: %w", err)
	}
	fmt.Printf("Universe:  %d symbols\n", report.TotalUniverse)
	fmt.Printf("Cached:    %d (%.1f%%)\n", report.CachedCount, report.CoveragePct)
	fmt.Printf("Missing:   %d\n", report.MissingCount)
	if len(report.SampleMissing) > 0 {
		fmt.Printf("Examples:  %s\n", strings.Join(report.SampleMissing, ", "))
	}

	// Store statistics
	fmt.Println("\nStore statistics")
	fmt.Println(strings.Repeat("-", 50))
	stats, err := orchestrator.DBStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load store stats: %w", err)
	}
	fmt.Printf("Bars:      %d across %d symbols\n", stats.TotalBars, stats.SymbolCount)
	if stats.EarliestDate != nil && stats.LatestDate != nil {
		fmt.Printf("Dates:     %s to %s\n",
			stats.EarliestDate.Format(models.DateLayout),
			stats.LatestDate.Format(models.DateLayout))
	}
	if len(stats.JobCounts) > 0 {
		fmt.Printf("Jobs:      ")
		first := true
		for status, count := range stats.JobCounts {
			if !first {
				fmt.Printf(", ")
			}
			fmt.Printf("%s=%d", status, count)
			first = false
		}
		fmt.Println()
	}

	return nil
}
