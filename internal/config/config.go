// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DISCORD_CRAWLER_DB_DSN.
const EnvPrefix = "DISCORD_CRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// DiscordConfig configures the REST client shared by all credentials.
type DiscordConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	PageSize       int    `mapstructure:"page_size"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Verbose        bool   `mapstructure:"verbose"`
}

// CrawlerConfig governs the crawl loop and per-credential pacing.
type CrawlerConfig struct {
	Workers                int     `mapstructure:"workers"`
	IdleDelayMs            int     `mapstructure:"idle_delay_ms"`
	NoChannelsDelaySeconds int     `mapstructure:"no_channels_delay_seconds"`
	MaxPagesPerPass        int     `mapstructure:"max_pages_per_pass"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
	Burst                  int     `mapstructure:"burst"`
}

// RetryConfig bounds page fetch retries and loop error backoff.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// CooldownConfig selects where rate-limit cooldowns are shared.
type CooldownConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DiscoveryConfig configures guild and channel refresh.
type DiscoveryConfig struct {
	// Schedule is a cron expression; empty runs discovery once.
	Schedule          string `mapstructure:"schedule"`
	GuildPauseMs      int    `mapstructure:"guild_pause_ms"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
}

// LoggingConfig toggles zap features and error reporting.
type LoggingConfig struct {
	Development       bool   `mapstructure:"development"`
	Level             string `mapstructure:"level"`
	SentryDSN         string `mapstructure:"sentry_dsn"`
	SentryEnvironment string `mapstructure:"sentry_environment"`
}

// legacyEnv maps config keys to the environment names used by older deployments.
var legacyEnv = map[string]string{
	"db.dsn":             "DATABASE_URL",
	"logging.level":      "LOG_LEVEL",
	"discord.user_agent": "USER_AGENT",
	"discord.verbose":    "VERBOSE",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv lets the prefixed name win over the legacy one.
func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("discord.base_url", "https://discord.com/api/v10/")
	v.SetDefault("discord.user_agent", "discord-history-crawler/0.1")
	v.SetDefault("discord.page_size", 100)
	v.SetDefault("discord.timeout_seconds", 30)
	v.SetDefault("discord.verbose", false)
	v.SetDefault("crawler.workers", 1)
	v.SetDefault("crawler.idle_delay_ms", 1000)
	v.SetDefault("crawler.no_channels_delay_seconds", 30)
	v.SetDefault("crawler.max_pages_per_pass", 0)
	v.SetDefault("crawler.requests_per_second", 1.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_initial_ms", 500)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("cooldown.driver", "memory")
	v.SetDefault("cooldown.redis.address", "")
	v.SetDefault("cooldown.redis.password", "")
	v.SetDefault("cooldown.redis.db", 0)
	v.SetDefault("cooldown.redis.prefix", "discord-crawler:cooldown:")
	v.SetDefault("discovery.schedule", "")
	v.SetDefault("discovery.guild_pause_ms", 3000)
	v.SetDefault("discovery.requests_per_second", 1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "debug")
	v.SetDefault("logging.sentry_dsn", "")
	v.SetDefault("logging.sentry_environment", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set (or DATABASE_URL)")
	}
	if c.Discord.BaseURL == "" {
		return fmt.Errorf("discord.base_url must be set")
	}
	if c.Discord.PageSize < 1 || c.Discord.PageSize > 100 {
		return fmt.Errorf("discord.page_size must be between 1 and 100")
	}
	if c.Discord.TimeoutSeconds <= 0 {
		return fmt.Errorf("discord.timeout_seconds must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxPagesPerPass < 0 {
		return fmt.Errorf("crawler.max_pages_per_pass must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Discovery.RequestsPerSecond <= 0 {
		return fmt.Errorf("discovery.requests_per_second must be > 0")
	}
	if c.Discovery.GuildPauseMs < 0 {
		return fmt.Errorf("discovery.guild_pause_ms must be >= 0")
	}
	switch c.Cooldown.Driver {
	case "memory":
	case "redis":
		if c.Cooldown.Redis.Address == "" {
			return fmt.Errorf("cooldown.redis.address must be set when cooldown.driver is redis")
		}
	default:
		return fmt.Errorf("cooldown.driver must be memory or redis, got %q", c.Cooldown.Driver)
	}
	return nil
}

// DiscordTimeout is the per-request HTTP timeout.
func (c Config) DiscordTimeout() time.Duration {
	return time.Duration(c.Discord.TimeoutSeconds) * time.Second
}

// IdleDelay is the pause when every channel is claimed.
func (c Config) IdleDelay() time.Duration {
	return time.Duration(c.Crawler.IdleDelayMs) * time.Millisecond
}

// NoChannelsDelay is the pause when no channel is enabled.
func (c Config) NoChannelsDelay() time.Duration {
	return time.Duration(c.Crawler.NoChannelsDelaySeconds) * time.Second
}

// BackoffBounds converts retry settings into durations.
func (c Config) BackoffBounds() (initial, maxDelay time.Duration) {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// ConnLifetime is the maximum lifetime of a pooled connection.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}

// GuildPause is the pause between guilds during channel discovery.
func (c Config) GuildPause() time.Duration {
	return time.Duration(c.Discovery.GuildPauseMs) * time.Millisecond
}
