package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

func seeded(t *testing.T, channels ...crawler.Channel) *Store {
	t.Helper()
	s := New()
	s.AddCredential(crawler.Credential{ID: 1, Username: "bot", Token: "tok"})
	s.AddGuild(crawler.Guild{ID: 20, Name: "guild", CredentialID: 1, CrawlEnabled: true})
	for _, c := range channels {
		if c.GuildID == 0 {
			c.GuildID = 20
		}
		s.AddChannel(c)
	}
	return s
}

func ts(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestClaimPrefersNeverCrawledThenOldest(t *testing.T) {
	t.Parallel()

	s := seeded(t,
		crawler.Channel{ID: 1, Name: "recent", CrawlEnabled: true, LastUpdate: ts(200)},
		crawler.Channel{ID: 2, Name: "old", CrawlEnabled: true, LastUpdate: ts(100)},
		crawler.Channel{ID: 3, Name: "never", CrawlEnabled: true},
	)
	ctx := context.Background()

	var got []crawler.Snowflake
	var txs []crawler.Tx
	for range 3 {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		ch, err := tx.ClaimChannel(ctx)
		require.NoError(t, err)
		got = append(got, ch.ID)
		txs = append(txs, tx)
	}
	require.Equal(t, []crawler.Snowflake{3, 2, 1}, got)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.ClaimChannel(ctx)
	require.ErrorIs(t, err, crawler.ErrAllChannelsClaimed)

	require.NoError(t, txs[0].Rollback(ctx))
	ch, err := tx.ClaimChannel(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.Snowflake(3), ch.ID)
	require.Equal(t, "bot", ch.CredentialName)
}

func TestClaimTieBrokenByGuildPriority(t *testing.T) {
	t.Parallel()

	s := seeded(t, crawler.Channel{ID: 1, CrawlEnabled: true})
	s.AddGuild(crawler.Guild{ID: 30, Name: "vip", CredentialID: 1, CrawlEnabled: true, CrawlPriority: 10})
	s.AddChannel(crawler.Channel{ID: 2, GuildID: 30, CrawlEnabled: true})

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	ch, err := tx.ClaimChannel(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.Snowflake(2), ch.ID)
	require.Equal(t, "vip", ch.GuildName)
}

func TestClaimSkipsDisabledChannelsAndGuilds(t *testing.T) {
	t.Parallel()

	s := seeded(t, crawler.Channel{ID: 1, CrawlEnabled: false})
	s.AddGuild(crawler.Guild{ID: 30, CredentialID: 1, CrawlEnabled: false})
	s.AddChannel(crawler.Channel{ID: 2, GuildID: 30, CrawlEnabled: true})

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, err = tx.ClaimChannel(context.Background())
	require.ErrorIs(t, err, crawler.ErrNoEnabledChannels)
	require.ErrorIs(t, err, crawler.ErrNoWork)
}

func TestWritesInvisibleUntilCommit(t *testing.T) {
	t.Parallel()

	s := seeded(t, crawler.Channel{ID: 1, CrawlEnabled: true})
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	n, err := tx.UpsertMessages(ctx, 1, []crawler.Message{
		{ID: 10, Raw: json.RawMessage(`{"id":"10"}`)},
		{ID: 10, Raw: json.RawMessage(`{"id":"10"}`)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, tx.AppendCrawlLog(ctx, crawler.CrawlLogEntry{ChannelID: 1, High: 10}))
	require.NoError(t, tx.MarkLastUpdate(ctx, 1, time.Unix(500, 0)))
	require.NoError(t, tx.SetCrawlEnabled(ctx, 1, false))

	require.Empty(t, s.Messages(1))
	require.Empty(t, s.CrawlLog(1))

	require.NoError(t, tx.Rollback(ctx))
	require.Empty(t, s.Messages(1))
	ch, _ := s.Channel(1)
	require.Nil(t, ch.LastUpdate)
	require.True(t, ch.CrawlEnabled)

	_, err = tx.UpsertMessages(ctx, 1, nil)
	require.ErrorIs(t, err, ErrTxDone)
}

func TestCommitAppliesWritesAndCursor(t *testing.T) {
	t.Parallel()

	s := seeded(t, crawler.Channel{ID: 1, CrawlEnabled: true})
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.ClaimChannel(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertMessages(ctx, 1, []crawler.Message{{ID: 10}, {ID: 7}})
	require.NoError(t, err)
	require.NoError(t, tx.AppendCrawlLog(ctx, crawler.CrawlLogEntry{ChannelID: 1, Low: 0, High: 10}))
	require.NoError(t, tx.MarkLastUpdate(ctx, 1, time.Unix(500, 0)))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	msgs := s.Messages(1)
	require.Len(t, msgs, 2)
	require.Equal(t, crawler.Snowflake(7), msgs[0].ID)

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	cursor, err := tx2.NextCursor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, crawler.Snowflake(10), cursor)

	n, err := tx2.UpsertMessages(ctx, 1, []crawler.Message{{ID: 10}, {ID: 11}})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The claim was released by the first commit.
	_, err = tx2.ClaimChannel(ctx)
	require.NoError(t, err)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()

	const channels, workers = 3, 8
	s := seeded(t)
	for i := 1; i <= channels; i++ {
		s.AddChannel(crawler.Channel{ID: crawler.Snowflake(i), GuildID: 20, CrawlEnabled: true})
	}
	ctx := context.Background()

	var (
		mu      sync.Mutex
		claimed = map[crawler.Snowflake]int{}
		noWork  int
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				return
			}
			<-start
			ch, err := tx.ClaimChannel(ctx)
			mu.Lock()
			if err != nil {
				noWork++
			} else {
				claimed[ch.ID]++
			}
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, claimed, channels)
	for id, n := range claimed {
		require.Equalf(t, 1, n, "channel %s claimed %d times", id, n)
	}
	require.Equal(t, workers-channels, noWork)
}

func TestCatalogFirstWriterWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	s.AddCredential(crawler.Credential{ID: 2, Username: "b"})
	s.AddCredential(crawler.Credential{ID: 1, Username: "a"})

	creds, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), creds[0].ID)

	require.NoError(t, s.UpsertGuilds(ctx, 1, []crawler.Guild{{ID: 20, Name: "first"}}))
	require.NoError(t, s.UpsertGuilds(ctx, 2, []crawler.Guild{{ID: 20, Name: "second"}}))
	guilds, err := s.ListCrawlableGuilds(ctx)
	require.NoError(t, err)
	require.Empty(t, guilds, "discovered guilds start disabled")

	s.AddGuild(crawler.Guild{ID: 20, Name: "first", CredentialID: 1, CrawlEnabled: true})
	require.NoError(t, s.UpsertChannels(ctx, 20, []crawler.Channel{{ID: 5, Name: "general"}}))
	require.NoError(t, s.UpsertChannels(ctx, 20, []crawler.Channel{{ID: 5, Name: "renamed"}}))
	ch, ok := s.Channel(5)
	require.True(t, ok)
	require.Equal(t, "general", ch.Name)
	require.True(t, ch.CrawlEnabled)
}
