package crawler

import (
	"context"
	"time"
)

// Store opens transactions against the shared channel pool.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
}

// Tx is one crawl-loop iteration. A channel claim lives exactly as long as the
// transaction; Commit and Rollback both release it.
type Tx interface {
	// ClaimChannel locks the least recently crawled eligible channel, skipping
	// rows locked by other transactions. It returns an error wrapping ErrNoWork
	// when nothing can be claimed.
	ClaimChannel(ctx context.Context) (ClaimedChannel, error)
	// NextCursor returns the highest crawl-log cursor for the channel, or 0.
	NextCursor(ctx context.Context, channelID Snowflake) (Snowflake, error)
	// UpsertMessages inserts messages, ignoring ids that already exist. It
	// returns the number of rows actually inserted.
	UpsertMessages(ctx context.Context, channelID Snowflake, messages []Message) (int64, error)
	AppendCrawlLog(ctx context.Context, entry CrawlLogEntry) error
	MarkLastUpdate(ctx context.Context, channelID Snowflake, at time.Time) error
	SetCrawlEnabled(ctx context.Context, channelID Snowflake, enabled bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// CatalogStore persists discovery results and serves credentials.
type CatalogStore interface {
	ListCredentials(ctx context.Context) ([]Credential, error)
	ListCrawlableGuilds(ctx context.Context) ([]Guild, error)
	UpsertGuilds(ctx context.Context, credentialID int64, guilds []Guild) error
	UpsertChannels(ctx context.Context, guildID Snowflake, channels []Channel) error
}

// PageFetcher fetches one page of channel history strictly after a cursor.
type PageFetcher interface {
	FetchPage(ctx context.Context, channelID Snowflake, after Snowflake) (Page, error)
}

// FetcherRegistry routes a credential id to its fetcher.
type FetcherRegistry interface {
	Fetcher(credentialID int64) (PageFetcher, bool)
}

// RateLimiter gates calls per credential and records server-imposed cooldowns.
type RateLimiter interface {
	Wait(ctx context.Context, credentialID int64) error
	Penalize(ctx context.Context, credentialID int64, retryAfter time.Duration) error
}

// RetryPolicy decides whether and when a failed operation is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
