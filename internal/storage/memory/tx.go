package memory

import (
	"context"
	"time"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

// Tx buffers writes until Commit. Claims are released on Commit or Rollback.
type Tx struct {
	store    *Store
	done     bool
	claims   []crawler.Snowflake
	messages map[crawler.Snowflake]crawler.Message
	order    []crawler.Snowflake
	crawlLog []crawler.CrawlLogEntry
	lastSeen map[crawler.Snowflake]time.Time
	enabled  map[crawler.Snowflake]bool
}

var _ crawler.Tx = (*Tx)(nil)

// ClaimChannel implements crawler.Tx.
func (t *Tx) ClaimChannel(ctx context.Context) (crawler.ClaimedChannel, error) {
	if err := t.check(ctx); err != nil {
		return crawler.ClaimedChannel{}, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  crawler.Channel
		found bool
	)
	for _, c := range s.channels {
		if !s.eligible(c) {
			continue
		}
		if _, taken := s.claimed[c.ID]; taken {
			continue
		}
		if !found || s.claimOrder(c, best) {
			best, found = c, true
		}
	}
	if !found {
		if s.enabledCount() == 0 {
			return crawler.ClaimedChannel{}, crawler.ErrNoEnabledChannels
		}
		return crawler.ClaimedChannel{}, crawler.ErrAllChannelsClaimed
	}

	s.claimed[best.ID] = struct{}{}
	t.claims = append(t.claims, best.ID)
	g := s.guilds[best.GuildID]
	return crawler.ClaimedChannel{
		ID:             best.ID,
		Name:           best.Name,
		GuildID:        g.ID,
		GuildName:      g.Name,
		CredentialID:   g.CredentialID,
		CredentialName: s.credentials[g.CredentialID].Username,
	}, nil
}

// NextCursor implements crawler.Tx.
func (t *Tx) NextCursor(ctx context.Context, channelID crawler.Snowflake) (crawler.Snowflake, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var high crawler.Snowflake
	for _, e := range t.store.crawlLog {
		if e.ChannelID == channelID && e.High > high {
			high = e.High
		}
	}
	for _, e := range t.crawlLog {
		if e.ChannelID == channelID && e.High > high {
			high = e.High
		}
	}
	return high, nil
}

// UpsertMessages implements crawler.Tx.
func (t *Tx) UpsertMessages(ctx context.Context, channelID crawler.Snowflake, messages []crawler.Message) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var inserted int64
	for _, m := range messages {
		if _, ok := t.store.messages[m.ID]; ok {
			continue
		}
		if _, ok := t.messages[m.ID]; ok {
			continue
		}
		m.ChannelID = channelID
		m.Raw = append([]byte(nil), m.Raw...)
		t.messages[m.ID] = m
		t.order = append(t.order, m.ID)
		inserted++
	}
	return inserted, nil
}

// AppendCrawlLog implements crawler.Tx.
func (t *Tx) AppendCrawlLog(ctx context.Context, entry crawler.CrawlLogEntry) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.crawlLog = append(t.crawlLog, entry)
	return nil
}

// MarkLastUpdate implements crawler.Tx.
func (t *Tx) MarkLastUpdate(ctx context.Context, channelID crawler.Snowflake, at time.Time) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.lastSeen[channelID] = at
	return nil
}

// SetCrawlEnabled implements crawler.Tx.
func (t *Tx) SetCrawlEnabled(ctx context.Context, channelID crawler.Snowflake, enabled bool) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.enabled[channelID] = enabled
	return nil
}

// Commit applies buffered writes and releases claims.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.order {
		if _, ok := s.messages[id]; !ok {
			s.messages[id] = t.messages[id]
		}
	}
	s.crawlLog = append(s.crawlLog, t.crawlLog...)
	for id, at := range t.lastSeen {
		if c, ok := s.channels[id]; ok {
			ts := at
			c.LastUpdate = &ts
			s.channels[id] = c
		}
	}
	for id, enabled := range t.enabled {
		if c, ok := s.channels[id]; ok {
			c.CrawlEnabled = enabled
			s.channels[id] = c
		}
	}
	t.release()
	return nil
}

// Rollback discards buffered writes and releases claims. It is safe to call
// after Commit.
func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.release()
	return nil
}

// release must be called with the store lock held.
func (t *Tx) release() {
	for _, id := range t.claims {
		delete(t.store.claimed, id)
	}
	t.claims = nil
	t.done = true
}

func (t *Tx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}
