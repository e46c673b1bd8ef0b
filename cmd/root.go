// Package cmd defines the CLI commands for the discord-crawler executable.
//
// The crawl command runs the worker pool against the shared Postgres channel
// table. discover refreshes guilds and channels from the Discord API, and
// migrate applies the embedded schema. All commands read the same viper
// configuration (file, DISCORD_CRAWLER_* environment, legacy variables such as
// DATABASE_URL) and log through zap.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/discord-history-crawler/internal/config"
	"github.com/JakeFAU/discord-history-crawler/internal/logging"
)

var cfgFile string

// version is overridden at build time with -ldflags.
var version = "dev"

type appKeyType string

const appKey appKeyType = "app"

// App carries the loaded configuration and logger into subcommands.
type App struct {
	Config config.Config
	Logger *zap.Logger
	flush  func()
}

// Close flushes the error reporter and the logger.
func (a *App) Close() {
	a.flush()
	_ = a.Logger.Sync()
}

// newApp is a variable so tests can inject a configuration without a file.
var newApp = func(path string) (*App, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger, flush, err := logging.WithSentry(logger, logging.SentryConfig{
		DSN:         cfg.Logging.SentryDSN,
		Environment: cfg.Logging.SentryEnvironment,
		Release:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &App{Config: cfg, Logger: logger, flush: flush}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "discord-crawler",
		Short:         "Crawls Discord channel history into Postgres.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey).(*App); ok && app != nil {
				app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

// Execute runs the root command until it returns or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "discord-crawler: %v\n", err)
		stop()
		os.Exit(1)
	}
}
