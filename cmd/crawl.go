package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/discord-history-crawler/internal/api"
	"github.com/JakeFAU/discord-history-crawler/internal/clock/system"
	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
	"github.com/JakeFAU/discord-history-crawler/internal/dispatcher"
	"github.com/JakeFAU/discord-history-crawler/internal/id/uuid"
	"github.com/JakeFAU/discord-history-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/discord-history-crawler/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs crawl workers until interrupted",
		Long: `Starts a pool of workers that claim channels from Postgres, fetch new
message history from Discord, and commit it together with a crawl-log entry.
Any number of crawl processes may share one database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if workers > 0 {
				app.Config.Crawler.Workers = workers
			}
			return runCrawl(cmd.Context(), app)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of workers (overrides crawler.workers)")
	return cmd
}

func runCrawl(ctx context.Context, app *App) error {
	cfg, logger := app.Config, app.Logger

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := buildRegistry(ctx, store, cfg, logger)
	if err != nil {
		return err
	}

	cooldown, closeCooldown, err := buildCooldown(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeCooldown(); cerr != nil {
			logger.Warn("Failed to close cooldown store", zap.Error(cerr))
		}
	}()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	}, cooldown, logger.Named("ratelimit"))
	initial, maxDelay := cfg.BackoffBounds()
	retry := crawler.NewExponentialRetryPolicyWith(cfg.Retry.MaxAttempts, initial, maxDelay)
	pass := worker.NewPassDriver(
		registry,
		limiter,
		retry,
		system.New(),
		worker.PassConfig{MaxPagesPerPass: cfg.Crawler.MaxPagesPerPass},
		logger.Named("pass"),
	)
	workerCfg := worker.Config{
		IdleDelay:       cfg.IdleDelay(),
		NoChannelsDelay: cfg.NoChannelsDelay(),
	}

	dispatch, err := dispatcher.Build(cfg.Crawler.Workers, uuid.New(), func(id string) *worker.Worker {
		return worker.New(id, store, pass, retry, workerCfg, logger.Named("worker"))
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Dispatcher started", zap.Int("workers", dispatch.Size()))
		dispatch.Run(gctx)
		return nil
	})
	if cfg.Server.Enabled {
		srv := api.NewServer(store, logger.Named("api"))
		g.Go(func() error {
			return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Server.Port))
		})
	}
	if cfg.Discovery.Schedule != "" {
		refresher := newRefresher(store, registry, cfg, logger)
		g.Go(func() error {
			return refresher.Schedule(gctx, cfg.Discovery.Schedule)
		})
	}

	err = g.Wait()
	logger.Info("Crawl stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
