package crawler

import "time"

// Cursor tracks pagination for one crawl pass. Low is the cursor the pass
// started from and never changes; High only moves forward.
type Cursor struct {
	Low  Snowflake
	High Snowflake
}

// NewCursor starts a pass at the durable cursor read from the crawl log.
func NewCursor(start Snowflake) Cursor {
	return Cursor{Low: start, High: start}
}

// After is the value sent as the "after" parameter of the next request.
func (c Cursor) After() Snowflake {
	return c.High
}

// Advance moves High to the largest id in messages. Pages are fetched in
// ascending order after High, so the page maximum is the new cursor. It
// reports false when the page does not move the cursor forward.
func (c *Cursor) Advance(messages []Message) bool {
	next := MaxSnowflake(messages)
	if next <= c.High {
		return false
	}
	c.High = next
	return true
}

// Entry builds the crawl log entry for a completed pass.
func (c Cursor) Entry(channelID Snowflake, startedAt, endedAt time.Time) CrawlLogEntry {
	return CrawlLogEntry{
		ChannelID: channelID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Low:       c.Low,
		High:      c.High,
	}
}
