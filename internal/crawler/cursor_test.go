package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorAdvanceUsesPageMax(t *testing.T) {
	t.Parallel()

	c := NewCursor(50)
	require.Equal(t, Snowflake(50), c.After())

	moved := c.Advance([]Message{{ID: 51}, {ID: 100}, {ID: 75}})
	require.True(t, moved)
	require.Equal(t, Snowflake(50), c.Low)
	require.Equal(t, Snowflake(100), c.High)
	require.Equal(t, Snowflake(100), c.After())
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	c := NewCursor(100)
	require.False(t, c.Advance([]Message{{ID: 90}, {ID: 100}}))
	require.False(t, c.Advance(nil))
	require.Equal(t, Snowflake(100), c.High)
}

func TestCursorEntry(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	end := start.Add(time.Minute)
	c := NewCursor(0)
	c.Advance([]Message{{ID: 100}})

	entry := c.Entry(7, start, end)
	require.Equal(t, CrawlLogEntry{
		ChannelID: 7,
		StartedAt: start,
		EndedAt:   end,
		Low:       0,
		High:      100,
	}, entry)
}
