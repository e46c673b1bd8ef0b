package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDiscoverCmd() *cobra.Command {
	var (
		only     string
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Refreshes guilds and channels from the Discord API",
		Long: `Lists the guilds each credential belongs to, then the channels of every
crawl-enabled guild, and stores them. New guilds start disabled; new channels
start enabled. With a schedule the refresh repeats until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = app.Config.Discovery.Schedule
			}
			return runDiscover(cmd.Context(), app, only, schedule)
		},
	}
	cmd.Flags().StringVar(&only, "only", "", "refresh only guilds or channels")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (overrides discovery.schedule); empty runs once")
	return cmd
}

func runDiscover(ctx context.Context, app *App, only, schedule string) error {
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
	refresher := newRefresher(store, registry, cfg, logger)

	switch only {
	case "":
		if schedule != "" {
			return refresher.Schedule(ctx, schedule)
		}
		err = refresher.Refresh(ctx)
	case "guilds":
		err = refresher.RefreshGuilds(ctx)
	case "channels":
		err = refresher.RefreshChannels(ctx)
	default:
		return fmt.Errorf("--only must be guilds or channels, got %q", only)
	}
	if err != nil {
		return err
	}
	logger.Info("Discovery finished", zap.String("only", only))
	return nil
}
