package commands

import (
	"github.com/spf13/cobra"
)

var (
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "price-cache",
	Short: "Local daily-bar price cache",
	Long: `A local caching layer for daily OHLCV bars, backed by MySQL and fed from a
rate-limited upstream aggregates API.

Features:
• Transparent read-through cache (only missing date ranges are fetched)
• Universe-wide batch caching with resumable progress
• Scheduled stale-ticker sweeps and constituent refreshes
• REST API plus live job progress over WebSocket (NATS-backed)
• Corporate-action detection that escalates a symbol to a full refetch`,
	Version: "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
