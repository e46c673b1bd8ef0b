package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

const claimChannelSQL = `
SELECT c.id, c.name, g.id, g.name, s.id, s.username
FROM channel c
JOIN guild g ON g.id = c.guild_id
JOIN selfbot s ON s.id = g.selfbot_id
WHERE c.crawl_enabled AND g.crawl_enabled
ORDER BY c.last_update ASC NULLS FIRST, g.crawl_priority DESC
LIMIT 1
FOR UPDATE OF c SKIP LOCKED`

const countEnabledSQL = `
SELECT count(*)
FROM channel c
JOIN guild g ON g.id = c.guild_id
JOIN selfbot s ON s.id = g.selfbot_id
WHERE c.crawl_enabled AND g.crawl_enabled`

const nextCursorSQL = `
SELECT coalesce(max(high_message_id), 0)
FROM channel_crawl_log
WHERE channel_id = $1`

const upsertMessagesSQL = `
INSERT INTO message (id, raw_data, channel_id)
SELECT u.id, u.raw::jsonb, $3
FROM unnest($1::bigint[], $2::text[]) AS u(id, raw)
ON CONFLICT (id) DO NOTHING`

const appendCrawlLogSQL = `
INSERT INTO channel_crawl_log (started_at, ended_at, low_message_id, high_message_id, channel_id)
VALUES ($1, $2, $3, $4, $5)`

const markLastUpdateSQL = `UPDATE channel SET last_update = $1 WHERE id = $2`

const setCrawlEnabledSQL = `UPDATE channel SET crawl_enabled = $1 WHERE id = $2`

// Tx implements crawler.Tx over a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

var _ crawler.Tx = (*Tx)(nil)

// ClaimChannel implements crawler.Tx.
func (t *Tx) ClaimChannel(ctx context.Context) (crawler.ClaimedChannel, error) {
	var (
		ch               crawler.ClaimedChannel
		channelID, guild int64
	)
	err := t.tx.QueryRow(ctx, claimChannelSQL).Scan(
		&channelID,
		&ch.Name,
		&guild,
		&ch.GuildName,
		&ch.CredentialID,
		&ch.CredentialName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ClaimedChannel{}, t.noWork(ctx)
	}
	if err != nil {
		return crawler.ClaimedChannel{}, fmt.Errorf("claim channel: %w", err)
	}
	ch.ID = crawler.SnowflakeFromInt64(channelID)
	ch.GuildID = crawler.SnowflakeFromInt64(guild)
	return ch, nil
}

// noWork distinguishes an empty pool from one fully held by other workers.
func (t *Tx) noWork(ctx context.Context) error {
	var enabled int64
	if err := t.tx.QueryRow(ctx, countEnabledSQL).Scan(&enabled); err != nil {
		return fmt.Errorf("count enabled channels: %w", err)
	}
	if enabled == 0 {
		return crawler.ErrNoEnabledChannels
	}
	return crawler.ErrAllChannelsClaimed
}

// NextCursor implements crawler.Tx.
func (t *Tx) NextCursor(ctx context.Context, channelID crawler.Snowflake) (crawler.Snowflake, error) {
	id, err := snowflakeArg(channelID)
	if err != nil {
		return 0, err
	}
	var high int64
	if err := t.tx.QueryRow(ctx, nextCursorSQL, id).Scan(&high); err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return crawler.SnowflakeFromInt64(high), nil
}

// UpsertMessages implements crawler.Tx.
func (t *Tx) UpsertMessages(ctx context.Context, channelID crawler.Snowflake, messages []crawler.Message) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	channel, err := snowflakeArg(channelID)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(messages))
	raws := make([]string, 0, len(messages))
	for _, m := range messages {
		id, err := snowflakeArg(m.ID)
		if err != nil {
			return 0, err
		}
		ids = append(ids, id)
		raws = append(raws, string(m.Raw))
	}
	tag, err := t.tx.Exec(ctx, upsertMessagesSQL, ids, raws, channel)
	if err != nil {
		return 0, fmt.Errorf("upsert messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendCrawlLog implements crawler.Tx.
func (t *Tx) AppendCrawlLog(ctx context.Context, entry crawler.CrawlLogEntry) error {
	channel, err := snowflakeArg(entry.ChannelID)
	if err != nil {
		return err
	}
	low, err := snowflakeArg(entry.Low)
	if err != nil {
		return err
	}
	high, err := snowflakeArg(entry.High)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, appendCrawlLogSQL, entry.StartedAt, entry.EndedAt, low, high, channel); err != nil {
		return fmt.Errorf("append crawl log: %w", err)
	}
	return nil
}

// MarkLastUpdate implements crawler.Tx.
func (t *Tx) MarkLastUpdate(ctx context.Context, channelID crawler.Snowflake, at time.Time) error {
	id, err := snowflakeArg(channelID)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, markLastUpdateSQL, at, id); err != nil {
		return fmt.Errorf("mark last update: %w", err)
	}
	return nil
}

// SetCrawlEnabled implements crawler.Tx.
func (t *Tx) SetCrawlEnabled(ctx context.Context, channelID crawler.Snowflake, enabled bool) error {
	id, err := snowflakeArg(channelID)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, setCrawlEnabledSQL, enabled, id); err != nil {
		return fmt.Errorf("set crawl enabled: %w", err)
	}
	return nil
}

// Commit implements crawler.Tx.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback implements crawler.Tx. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
