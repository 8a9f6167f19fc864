// Package cmd defines and implements the CLI commands for the cragwatch executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cragwatch/internal/app"
	"github.com/JakeFAU/cragwatch/internal/config"
	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/ingest"
	"github.com/JakeFAU/cragwatch/internal/logging"
	"github.com/JakeFAU/cragwatch/internal/safety"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the set of application services the commands drive. Tests inject a
// fake through newApp.
type App interface {
	Close()
	Crawl(ctx context.Context) (crawler.StatsSnapshot, error)
	RetryFailed(ctx context.Context) (crawler.StatsSnapshot, error)
	SyncWeather(ctx context.Context) (ingest.Stats, error)
	CalculateSafety(ctx context.Context) (safety.Stats, error)
	RunAll(ctx context.Context) (app.Summary, error)
	Explain(ctx context.Context, id string) (safety.Explanation, error)
	Forecast(ctx context.Context, id string, days int) (safety.Forecast, error)
	Summarize(ctx context.Context, id string, days int) (ingest.Summary, error)
	Migrate(ctx context.Context) error
	Serve(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile  string
	logLevel string
	dev      bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "cragwatch",
		Short: "Discovers climbing areas and rates how safe they are to climb after rain.",
		Long: `cragwatch crawls a public climbing catalog into a hierarchy of areas,
ingests daily precipitation for every crag and classifies each one as SAFE,
CAUTION or UNSAFE for sandstone climbing.`,
		SilenceUsage: true,

		// Builds the application before the subcommand's RunE and stores it
		// in the command context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			if opts.dev {
				cfg.Logging.Development = true
			}
			logger, err := logging.Build(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); environment uses the CRAGWATCH_ prefix")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-readable development logging")

	cmd.AddCommand(
		newCrawlCmd(),
		newRetryFailedCmd(),
		newSyncWeatherCmd(),
		newCalculateSafetyCmd(),
		newExplainCmd(),
		newForecastCmd(),
		newWeatherSummaryCmd(),
		newRunAllCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute runs the root command until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
