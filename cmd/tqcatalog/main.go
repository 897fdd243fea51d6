// Command tqcatalog drives a catalog database from the command line: it
// checks connectivity, runs statements, streams large results, loads
// attribute records and serves health and metrics endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mevdschee/tqcatalog/catalog"
	"github.com/mevdschee/tqcatalog/config"
	_ "github.com/mevdschee/tqcatalog/postgres" // registers "postgresql"
	_ "github.com/mevdschee/tqcatalog/sqlconn"  // registers "postgresql-pq"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "tqcatalog",
	Short:         "Catalog database tool",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env file only fills variables that are not set yet
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}
		setupLogging(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tqcatalog.ini", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(pingCmd, queryCmd, queryLargeCmd, loadCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// withHandle acquires a catalog handle for the duration of fn.
func withHandle(ctx context.Context, fn func(*catalog.Handle) error) error {
	reg := catalog.NewRegistry(catalog.WithLogger(slog.Default()))
	h, err := reg.Acquire(ctx, cfg.Catalog)
	if err != nil {
		return err
	}
	defer reg.Close(context.WithoutCancel(ctx))
	return fn(h)
}
