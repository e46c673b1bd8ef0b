// Package memory provides an in-process crawl store with transactional claim
// semantics. It backs tests and local runs without Postgres.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already finished")

// Store keeps the channel pool, messages and crawl log in memory. A claimed
// channel is invisible to other transactions until the claiming one ends.
type Store struct {
	mu          sync.Mutex
	credentials map[int64]crawler.Credential
	guilds      map[crawler.Snowflake]crawler.Guild
	channels    map[crawler.Snowflake]crawler.Channel
	messages    map[crawler.Snowflake]crawler.Message
	crawlLog    []crawler.CrawlLogEntry
	claimed     map[crawler.Snowflake]struct{}
}

var (
	_ crawler.Store        = (*Store)(nil)
	_ crawler.CatalogStore = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		credentials: make(map[int64]crawler.Credential),
		guilds:      make(map[crawler.Snowflake]crawler.Guild),
		channels:    make(map[crawler.Snowflake]crawler.Channel),
		messages:    make(map[crawler.Snowflake]crawler.Message),
		claimed:     make(map[crawler.Snowflake]struct{}),
	}
}

// AddCredential seeds a credential.
func (s *Store) AddCredential(c crawler.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
}

// AddGuild seeds or replaces a guild.
func (s *Store) AddGuild(g crawler.Guild) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[g.ID] = g
}

// AddChannel seeds or replaces a channel.
func (s *Store) AddChannel(c crawler.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = c
}

// Guild returns the committed guild row.
func (s *Store) Guild(id crawler.Snowflake) (crawler.Guild, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[id]
	return g, ok
}

// Channel returns a copy of the committed channel row.
func (s *Store) Channel(id crawler.Snowflake) (crawler.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if ok && c.LastUpdate != nil {
		t := *c.LastUpdate
		c.LastUpdate = &t
	}
	return c, ok
}

// Messages returns committed messages for a channel in ascending id order.
func (s *Store) Messages(channelID crawler.Snowflake) []crawler.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CrawlLog returns committed crawl log entries for a channel in append order.
func (s *Store) CrawlLog(channelID crawler.Snowflake) []crawler.CrawlLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.CrawlLogEntry
	for _, e := range s.crawlLog {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out
}

// Ping implements crawler.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Begin implements crawler.Store.
func (s *Store) Begin(ctx context.Context) (crawler.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{
		store:    s,
		messages: make(map[crawler.Snowflake]crawler.Message),
		lastSeen: make(map[crawler.Snowflake]time.Time),
		enabled:  make(map[crawler.Snowflake]bool),
	}, nil
}

func (s *Store) enabledCount() int {
	n := 0
	for _, c := range s.channels {
		if s.eligible(c) {
			n++
		}
	}
	return n
}

func (s *Store) eligible(c crawler.Channel) bool {
	if !c.CrawlEnabled {
		return false
	}
	g, ok := s.guilds[c.GuildID]
	if !ok || !g.CrawlEnabled {
		return false
	}
	_, ok = s.credentials[g.CredentialID]
	return ok
}

// claimOrder reports whether a should be claimed before b.
func (s *Store) claimOrder(a, b crawler.Channel) bool {
	switch {
	case a.LastUpdate == nil && b.LastUpdate != nil:
		return true
	case a.LastUpdate != nil && b.LastUpdate == nil:
		return false
	case a.LastUpdate != nil && !a.LastUpdate.Equal(*b.LastUpdate):
		return a.LastUpdate.Before(*b.LastUpdate)
	}
	pa, pb := s.guilds[a.GuildID].CrawlPriority, s.guilds[b.GuildID].CrawlPriority
	if pa != pb {
		return pa > pb
	}
	return a.ID < b.ID
}
