package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/discord-history-crawler/internal/config"
	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
	"github.com/JakeFAU/discord-history-crawler/internal/discovery"
	discordfetcher "github.com/JakeFAU/discord-history-crawler/internal/fetcher/discord"
	"github.com/JakeFAU/discord-history-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/discord-history-crawler/internal/storage/postgres"
)

// openStore connects to Postgres and applies migrations when configured.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*postgres.Store, error) {
	pool, err := postgres.OpenPool(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.ConnLifetime(),
	})
	if err != nil {
		return nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}
	return postgres.New(pool)
}

type credentialLister interface {
	ListCredentials(ctx context.Context) ([]crawler.Credential, error)
}

// buildRegistry loads credentials and creates one Discord client for each.
// Running without any credential is a critical startup failure.
func buildRegistry(ctx context.Context, store credentialLister, cfg config.Config, logger *zap.Logger) (*discordfetcher.Registry, error) {
	creds, err := store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		logger.Error("No credentials found; add a selfbot row before starting",
			zap.String("severity", "critical"),
		)
		return nil, crawler.ErrNoCredentials
	}
	registry, err := discordfetcher.NewRegistry(creds, discordfetcher.Config{
		BaseURL:   cfg.Discord.BaseURL,
		UserAgent: cfg.Discord.UserAgent,
		PageSize:  cfg.Discord.PageSize,
		Timeout:   cfg.DiscordTimeout(),
		Verbose:   cfg.Discord.Verbose,
	}, logger.Named("discord"))
	if err != nil {
		return nil, fmt.Errorf("build discord clients: %w", err)
	}
	for _, id := range registry.IDs() {
		logger.Info("Loaded credential", zap.Int64("credential_id", id), zap.String("username", registry.Name(id)))
	}
	return registry, nil
}

// buildCooldown selects where Retry-After deadlines are shared. The returned
// closer is never nil.
func buildCooldown(ctx context.Context, cfg config.Config) (ratelimit.Cooldown, func() error, error) {
	if cfg.Cooldown.Driver != "redis" {
		return ratelimit.NewMemoryCooldown(), func() error { return nil }, nil
	}
	rc, err := ratelimit.NewRedisCooldown(ctx, ratelimit.RedisConfig{
		Address:  cfg.Cooldown.Redis.Address,
		Password: cfg.Cooldown.Redis.Password,
		DB:       cfg.Cooldown.Redis.DB,
		Prefix:   cfg.Cooldown.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return rc, rc.Close, nil
}

func newRefresher(store *postgres.Store, registry *discordfetcher.Registry, cfg config.Config, logger *zap.Logger) *discovery.Refresher {
	sources := func(id int64) (discovery.Source, bool) {
		c, ok := registry.Client(id)
		if !ok {
			return nil, false
		}
		return c, true
	}
	return discovery.New(store, sources, discovery.Config{
		RequestsPerSecond: cfg.Discovery.RequestsPerSecond,
		GuildPause:        cfg.GuildPause(),
	}, logger.Named("discovery"))
}
