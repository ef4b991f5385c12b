package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/price-cache/internal/app"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/logger"
)

var (
	serverPort int
	serverHost string
	logLevel   string
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the price cache server",
	Long: `Start the price cache server.

This will start all components:
• REST API for bar reads, cache jobs, universe and status queries
• WebSocket endpoint streaming live job progress
• NATS JetStream job event distribution
• Scheduled stale-ticker sweep and weekly universe refresh
• MySQL bar store, Redis snapshot cache, optional InfluxDB metrics

The server supports graceful shutdown on SIGINT/SIGTERM.

Examples:
  price-cache server                    # Start with default settings
  price-cache server --port 9090       # Start on custom port
  price-cache server --host 0.0.0.0    # Bind to all interfaces
  price-cache server --log-level debug # Enable debug logging`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "Server port")
	serverCmd.Flags().StringVarP(&serverHost, "host", "H", "0.0.0.0", "Server host")
	serverCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load .env file first
	if err := config.LoadDotEnv(); err != nil {
		// Log but don't fail - .env file is optional
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override config with command line flags if provided
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	// Setup logger
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Info("🚀 Starting Price Cache Server")

	// Create application
	application := app.New(cfg, log)

	// Initialize application
	if err := application.Initialize(); err != nil {
		log.WithError(err).Error("Failed to initialize application")
		return err
	}

	// Start application
	if err := application.Start(); err != nil {
		log.WithError(err).Error("Failed to start application")
		return err
	}

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-interrupt
	log.WithField("signal", sig.String()).Info("🛑 Shutdown signal received")

	// Create shutdown context with timeout (5 seconds)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Channel to track shutdown completion
	shutdownComplete := make(chan struct{})

	// Graceful shutdown in goroutine
	go func() {
		if err := application.Stop(); err != nil {
			log.WithError(err).Error("❌ Application shutdown error")
		}
		close(shutdownComplete)
	}()

	// Wait for shutdown to complete or timeout
	select {
	case <-shutdownComplete:
		log.Info("✅ Application shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("⚠️ Shutdown timeout - forcing exit")
		// Force exit after timeout
		os.Exit(1)
	}

	return nil
}
