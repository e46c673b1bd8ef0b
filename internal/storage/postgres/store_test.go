package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := New(mock)
	require.NoError(t, err)
	return store, mock
}

func beginTx(t *testing.T, store *Store, mock pgxmock.PgxPoolIface) crawler.Tx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func TestNewRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

func TestOpenPoolRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := OpenPool(context.Background(), Config{})
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestClaimChannelReturnsJoinedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	mock.ExpectQuery(`FOR UPDATE OF c SKIP LOCKED`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "id", "name", "id", "username"}).
			AddRow(int64(10), "general", int64(20), "guild", int64(1), "bot"))

	ch, err := tx.ClaimChannel(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.ClaimedChannel{
		ID:             10,
		Name:           "general",
		GuildID:        20,
		GuildName:      "guild",
		CredentialID:   1,
		CredentialName: "bot",
	}, ch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimChannelDistinguishesNoWork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		enabled int64
		want    error
	}{
		{name: "all claimed", enabled: 3, want: crawler.ErrAllChannelsClaimed},
		{name: "none enabled", enabled: 0, want: crawler.ErrNoEnabledChannels},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store, mock := newMockStore(t)
			tx := beginTx(t, store, mock)

			mock.ExpectQuery(`SKIP LOCKED`).
				WillReturnRows(pgxmock.NewRows([]string{"id", "name", "id", "name", "id", "username"}))
			mock.ExpectQuery(`SELECT count\(\*\)`).
				WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(tc.enabled))

			_, err := tx.ClaimChannel(context.Background())
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, crawler.ErrNoWork)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimChannelPropagatesQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	mock.ExpectQuery(`SKIP LOCKED`).WillReturnError(errors.New("connection reset"))

	_, err := tx.ClaimChannel(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, crawler.ErrNoWork)
}

func TestNextCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	mock.ExpectQuery(`coalesce\(max\(high_message_id\), 0\)`).
		WithArgs(int64(10)).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(250)))

	cursor, err := tx.NextCursor(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, crawler.Snowflake(250), cursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMessagesReportsInsertedRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	msgs := []crawler.Message{
		{ID: 101, ChannelID: 10, Raw: json.RawMessage(`{"id":"101"}`)},
		{ID: 102, ChannelID: 10, Raw: json.RawMessage(`{"id":"102"}`)},
	}
	mock.ExpectExec(`INSERT INTO message`).
		WithArgs([]int64{101, 102}, []string{`{"id":"101"}`, `{"id":"102"}`}, int64(10)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := tx.UpsertMessages(context.Background(), 10, msgs)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMessagesEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	n, err := tx.UpsertMessages(context.Background(), 10, nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMessagesRejectsOversizedSnowflake(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	_, err := tx.UpsertMessages(context.Background(), 10, []crawler.Message{{ID: crawler.Snowflake(1 << 63)}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPassWritesAndCommit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ended := started.Add(time.Minute)

	mock.ExpectExec(`INSERT INTO channel_crawl_log`).
		WithArgs(started, ended, int64(0), int64(100), int64(10)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE channel SET last_update`).
		WithArgs(ended, int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE channel SET crawl_enabled`).
		WithArgs(false, int64(10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	require.NoError(t, tx.AppendCrawlLog(ctx, crawler.CrawlLogEntry{
		ChannelID: 10, StartedAt: started, EndedAt: ended, Low: 0, High: 100,
	}))
	require.NoError(t, tx.MarkLastUpdate(ctx, 10, ended))
	require.NoError(t, tx.SetCrawlEnabled(ctx, 10, false))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackIgnoresClosedTx(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	tx := beginTx(t, store, mock)

	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)
	require.NoError(t, tx.Rollback(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCredentials(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id, username, token FROM selfbot`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "username", "token"}).
			AddRow(int64(1), "alpha", "tok-a").
			AddRow(int64(2), "beta", "tok-b"))

	creds, err := store.ListCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, []crawler.Credential{
		{ID: 1, Username: "alpha", Token: "tok-a"},
		{ID: 2, Username: "beta", Token: "tok-b"},
	}, creds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCrawlableGuilds(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM guild g`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "selfbot_id", "crawl_enabled", "crawl_priority"}).
			AddRow(int64(20), "guild", int64(1), true, 5))

	guilds, err := store.ListCrawlableGuilds(context.Background())
	require.NoError(t, err)
	require.Len(t, guilds, 1)
	require.Equal(t, crawler.Snowflake(20), guilds[0].ID)
	require.Equal(t, 5, guilds[0].CrawlPriority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChannelsInsertsEachRowInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO channel`).
		WithArgs(int64(10), "general", `{"id":"10"}`, int64(20)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO channel`).
		WithArgs(int64(11), "random", "{}", int64(20)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := store.UpsertChannels(context.Background(), 20, []crawler.Channel{
		{ID: 10, Name: "general", Raw: json.RawMessage(`{"id":"10"}`)},
		{ID: 11, Name: "random"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertGuildsRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO guild`).
		WithArgs(int64(20), "guild", "{}", int64(1)).
		WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	err := store.UpsertGuilds(context.Background(), 1, []crawler.Guild{{ID: 20, Name: "guild"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mock.Close()
	store, err := New(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
