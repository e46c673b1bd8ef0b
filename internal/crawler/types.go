package crawler

import (
	"encoding/json"
	"time"
)

// Credential authenticates one API identity (a "selfbot" account).
type Credential struct {
	ID       int64
	Username string
	Token    string
}

// Guild is a server that owns channels. Raw keeps the API document untouched.
type Guild struct {
	ID            Snowflake
	Name          string
	Raw           json.RawMessage
	CredentialID  int64
	CrawlEnabled  bool
	CrawlPriority int
}

// Channel is a unit of crawl work.
type Channel struct {
	ID           Snowflake
	Name         string
	Raw          json.RawMessage
	GuildID      Snowflake
	CrawlEnabled bool
	LastUpdate   *time.Time
}

// ClaimedChannel is the row returned by a successful claim, joined with the
// guild and the credential that must be used to read it.
type ClaimedChannel struct {
	ID             Snowflake
	Name           string
	GuildID        Snowflake
	GuildName      string
	CredentialID   int64
	CredentialName string
}

// Message is a single raw message. Raw is persisted byte-for-byte.
type Message struct {
	ID        Snowflake
	ChannelID Snowflake
	Raw       json.RawMessage
}

// CrawlLogEntry records one completed pass over a channel.
type CrawlLogEntry struct {
	ChannelID Snowflake
	StartedAt time.Time
	EndedAt   time.Time
	Low       Snowflake
	High      Snowflake
}

// PassOutcome describes how a crawl pass terminated.
type PassOutcome string

// Pass outcomes reported by the pass driver.
const (
	// PassCompleted means history was exhausted (or the page budget reached) and a crawl log entry was written.
	PassCompleted PassOutcome = "completed"
	// PassDisabled means the API answered with an error document and the channel was disabled.
	PassDisabled PassOutcome = "disabled"
	// PassDeferred means retries ran out; progress is kept but no crawl log entry was written.
	PassDeferred PassOutcome = "deferred"
)

// PassResult summarizes a finished pass.
type PassResult struct {
	ChannelID Snowflake
	Outcome   PassOutcome
	Low       Snowflake
	High      Snowflake
	Pages     int
	Messages  int
	StartedAt time.Time
	EndedAt   time.Time
	// APIError is set for PassDisabled.
	APIError *APIError
	// Cause is set for PassDeferred.
	Cause error
}
