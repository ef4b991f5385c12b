package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/price-cache/internal/database"
	"github.com/price-cache/internal/universe"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

var (
	universeForce bool
	universeLimit int
)

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Manage the index constituent universe",
	Long:  "Commands for refreshing and viewing the cached index constituent list",
}

var universeRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Sync the constituent list from its source",
	Long: `Fetch the index constituent list and persist it, replacing the stored set.

A fresh list (refreshed within the configured interval) is left alone unless
--force is given. When the source cannot be reached the stored list is kept.`,
	RunE: runUniverseRefresh,
}

var universeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the cached constituents",
	Long:  "List the persisted universe constituents with their refresh metadata",
	RunE:  runUniverseList,
}

func init() {
	universeRefreshCmd.Flags().BoolVar(&universeForce, "force", false, "Refresh even when the stored list is still fresh")
	universeListCmd.Flags().IntVar(&universeLimit, "limit", 0, "Limit output (0 = all)")

	universeCmd.AddCommand(universeRefreshCmd)
	universeCmd.AddCommand(universeListCmd)
	rootCmd.AddCommand(universeCmd)
}

func newUniverseManager() (*universe.Manager, *database.MySQLClient, error) {
	// Load .env file first
	if err := config.LoadDotEnv(); err != nil {
		// Log but don't fail - .env file is optional
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
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

	// Connect to MySQL
	mysqlClient, err := database.NewMySQLClient(&cfg.MySQL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	return universe.NewManager(&cfg.Universe, mysqlClient, logger), mysqlClient, nil
}

func runUniverseRefresh(cmd *cobra.Command, args []string) error {
	universeMgr, mysqlClient, err := newUniverseManager()
	if err != nil {
		return err
	}
	defer mysqlClient.Close()

	ctx := context.Background()

	result, err := universeMgr.Refresh(ctx, universeForce)
	if err != nil {
		return fmt.Errorf("universe refresh failed: %w", err)
	}

	if result.Skipped {
		fmt.Println("Constituent list is still fresh, nothing to do (use --force to refresh anyway)")
		return nil
	}

	fmt.Printf("Refreshed constituent list: %d tickers\n", result.TickerCount)
	if len(result.Added) > 0 {
		fmt.Printf("Added:   %s\n", strings.Join(result.Added, ", "))
	}
	if len(result.Removed) > 0 {
		fmt.Printf("Removed: %s\n", strings.Join(result.Removed, ", "))
	}

	return nil
}

func runUniverseList(cmd *cobra.Command, args []string) error {
	universeMgr, mysqlClient, err := newUniverseManager()
	if err != nil {
		return err
	}
	defer mysqlClient.Close()

	ctx := context.Background()

	entries, meta, err := universeMgr.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load constituents: %w", err)
	}

	if meta != nil {
		fmt.Printf("Last refreshed: %s (source: %s)\n",
			meta.RefreshedAt.Format(time.RFC3339), meta.Source)
	}
	fmt.Printf("%-10s %-40s %-12s\n", "Symbol", "Company", "Added")
	fmt.Println(strings.Repeat("-", 64))

	count := 0
	for _, entry := range entries {
		if universeLimit > 0 && count >= universeLimit {
			break
		}
		fmt.Printf("%-10s %-40s %-12s\n",
			entry.Symbol,
			entry.CompanyName,
			entry.AddedAt.Format(models.DateLayout),
		)
		count++
	}

	fmt.Printf("\nTotal: %d constituents\n", len(entries))
	return nil
}
