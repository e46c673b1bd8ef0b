// Package discovery refreshes the guild and channel catalog from the Discord
// API so the crawl loop has channels to claim.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
	"github.com/JakeFAU/discord-history-crawler/internal/metrics"
)

// Source lists what a single credential can see.
type Source interface {
	Guilds(ctx context.Context) ([]crawler.Guild, error)
	Channels(ctx context.Context, guildID crawler.Snowflake) ([]crawler.Channel, error)
}

// SourceFunc resolves the Source for a credential id.
type SourceFunc func(credentialID int64) (Source, bool)

// Config tunes discovery pacing.
type Config struct {
	// RequestsPerSecond caps API calls made by one refresh.
	RequestsPerSecond int
	// GuildPause is slept between guilds during a channel refresh.
	GuildPause time.Duration
}

// Refresher writes discovered guilds and channels into the catalog.
type Refresher struct {
	catalog crawler.CatalogStore
	sources SourceFunc
	limiter ratelimit.Limiter
	pause   time.Duration
	logger  *zap.Logger
}

// New builds a Refresher.
func New(catalog crawler.CatalogStore, sources SourceFunc, cfg Config, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter ratelimit.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond, ratelimit.WithoutSlack)
	} else {
		limiter = ratelimit.NewUnlimited()
	}
	return &Refresher{
		catalog: catalog,
		sources: sources,
		limiter: limiter,
		pause:   cfg.GuildPause,
		logger:  logger,
	}
}

// RefreshGuilds stores every guild each credential belongs to. A failing
// credential does not stop the others; all failures are joined.
func (r *Refresher) RefreshGuilds(ctx context.Context) error {
	creds, err := r.catalog.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	if len(creds) == 0 {
		return crawler.ErrNoCredentials
	}

	var errs []error
	for _, cred := range creds {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, ok := r.sources(cred.ID)
		if !ok {
			errs = append(errs, fmt.Errorf("credential %d: %w", cred.ID, crawler.ErrUnknownCredential))
			continue
		}
		r.limiter.Take()
		guilds, err := src.Guilds(ctx)
		if err != nil {
			r.logger.Error("Failed to list guilds", zap.Int64("credential_id", cred.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("credential %d guilds: %w", cred.ID, err))
			continue
		}
		if err := r.catalog.UpsertGuilds(ctx, cred.ID, guilds); err != nil {
			errs = append(errs, fmt.Errorf("credential %d upsert guilds: %w", cred.ID, err))
			continue
		}
		metrics.ObserveDiscovered("guild", len(guilds))
		r.logger.Info("Refreshed guilds",
			zap.Int64("credential_id", cred.ID),
			zap.String("username", cred.Username),
			zap.Int("guilds", len(guilds)),
		)
	}
	return errors.Join(errs...)
}

// RefreshChannels stores the channels of every crawl-enabled guild, highest
// priority first, using the credential that owns each guild.
func (r *Refresher) RefreshChannels(ctx context.Context) error {
	guilds, err := r.catalog.ListCrawlableGuilds(ctx)
	if err != nil {
		return fmt.Errorf("list crawlable guilds: %w", err)
	}

	var errs []error
	for i, g := range guilds {
		if i > 0 && r.pause > 0 {
			if err := pause(ctx, r.pause); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := r.logger.With(zap.Uint64("guild_id", uint64(g.ID)), zap.String("guild_name", g.Name))
		src, ok := r.sources(g.CredentialID)
		if !ok {
			errs = append(errs, fmt.Errorf("guild %d: credential %d: %w", g.ID, g.CredentialID, crawler.ErrUnknownCredential))
			continue
		}
		r.limiter.Take()
		channels, err := src.Channels(ctx, g.ID)
		if err != nil {
			logger.Error("Failed to list channels", zap.Error(err))
			errs = append(errs, fmt.Errorf("guild %d channels: %w", g.ID, err))
			continue
		}
		if len(channels) == 0 {
			logger.Warn("No channels found for guild")
			continue
		}
		if err := r.catalog.UpsertChannels(ctx, g.ID, channels); err != nil {
			errs = append(errs, fmt.Errorf("guild %d upsert channels: %w", g.ID, err))
			continue
		}
		metrics.ObserveDiscovered("channel", len(channels))
		logger.Info("Refreshed channels", zap.Int("channels", len(channels)))
	}
	return errors.Join(errs...)
}

// Refresh runs a guild refresh followed by a channel refresh. Channels are
// refreshed even when some credentials failed.
func (r *Refresher) Refresh(ctx context.Context) error {
	guildErr := r.RefreshGuilds(ctx)
	if errors.Is(guildErr, crawler.ErrNoCredentials) || ctx.Err() != nil {
		return guildErr
	}
	return errors.Join(guildErr, r.RefreshChannels(ctx))
}

// Schedule runs Refresh on a standard five-field cron schedule until ctx is
// cancelled. Runs never overlap.
func (r *Refresher) Schedule(ctx context.Context, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Error("Scheduled discovery failed", zap.Error(err))
		}
	}))
	r.logger.Info("Discovery scheduled", zap.String("schedule", spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
