package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

const listCredentialsSQL = `SELECT id, username, token FROM selfbot ORDER BY id`

const listCrawlableGuildsSQL = `
SELECT g.id, g.name, g.selfbot_id, g.crawl_enabled, g.crawl_priority
FROM guild g
WHERE g.crawl_enabled
ORDER BY g.crawl_priority DESC, g.id`

const upsertGuildSQL = `
INSERT INTO guild (id, name, raw_data, selfbot_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`

const upsertChannelSQL = `
INSERT INTO channel (id, name, raw_data, guild_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`

// ListCredentials implements crawler.CatalogStore.
func (s *Store) ListCredentials(ctx context.Context) ([]crawler.Credential, error) {
	rows, err := s.db.Query(ctx, listCredentialsSQL)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []crawler.Credential
	for rows.Next() {
		var c crawler.Credential
		if err := rows.Scan(&c.ID, &c.Username, &c.Token); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// ListCrawlableGuilds implements crawler.CatalogStore.
func (s *Store) ListCrawlableGuilds(ctx context.Context) ([]crawler.Guild, error) {
	rows, err := s.db.Query(ctx, listCrawlableGuildsSQL)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()

	var guilds []crawler.Guild
	for rows.Next() {
		var (
			g  crawler.Guild
			id int64
		)
		if err := rows.Scan(&id, &g.Name, &g.CredentialID, &g.CrawlEnabled, &g.CrawlPriority); err != nil {
			return nil, fmt.Errorf("scan guild row: %w", err)
		}
		g.ID = crawler.SnowflakeFromInt64(id)
		guilds = append(guilds, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	return guilds, nil
}

// UpsertGuilds implements crawler.CatalogStore. Existing rows are left untouched.
func (s *Store) UpsertGuilds(ctx context.Context, credentialID int64, guilds []crawler.Guild) error {
	if len(guilds) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(guilds))
	for _, g := range guilds {
		id, err := snowflakeArg(g.ID)
		if err != nil {
			return err
		}
		rows = append(rows, []any{id, g.Name, rawOrEmpty(g.Raw), credentialID})
	}
	return s.execAll(ctx, "upsert guilds", upsertGuildSQL, rows)
}

// UpsertChannels implements crawler.CatalogStore. Existing rows are left untouched.
func (s *Store) UpsertChannels(ctx context.Context, guildID crawler.Snowflake, channels []crawler.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	guild, err := snowflakeArg(guildID)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(channels))
	for _, c := range channels {
		id, err := snowflakeArg(c.ID)
		if err != nil {
			return err
		}
		rows = append(rows, []any{id, c.Name, rawOrEmpty(c.Raw), guild})
	}
	return s.execAll(ctx, "upsert channels", upsertChannelSQL, rows)
}

// execAll runs sql once per argument row inside a single transaction.
func (s *Store) execAll(ctx context.Context, op, sql string, rows [][]any) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, args := range rows {
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func rawOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
