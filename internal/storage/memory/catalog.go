package memory

import (
	"context"
	"sort"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

// ListCredentials implements crawler.CatalogStore.
func (s *Store) ListCredentials(context.Context) ([]crawler.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListCrawlableGuilds implements crawler.CatalogStore.
func (s *Store) ListCrawlableGuilds(context.Context) ([]crawler.Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Guild
	for _, g := range s.guilds {
		if g.CrawlEnabled {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CrawlPriority != out[j].CrawlPriority {
			return out[i].CrawlPriority > out[j].CrawlPriority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertGuilds implements crawler.CatalogStore. New guilds start disabled.
func (s *Store) UpsertGuilds(_ context.Context, credentialID int64, guilds []crawler.Guild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range guilds {
		if _, ok := s.guilds[g.ID]; ok {
			continue
		}
		s.guilds[g.ID] = crawler.Guild{
			ID:           g.ID,
			Name:         g.Name,
			Raw:          append([]byte(nil), g.Raw...),
			CredentialID: credentialID,
		}
	}
	return nil
}

// UpsertChannels implements crawler.CatalogStore. New channels start enabled.
func (s *Store) UpsertChannels(_ context.Context, guildID crawler.Snowflake, channels []crawler.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		if _, ok := s.channels[c.ID]; ok {
			continue
		}
		s.channels[c.ID] = crawler.Channel{
			ID:           c.ID,
			Name:         c.Name,
			Raw:          append([]byte(nil), c.Raw...),
			GuildID:      guildID,
			CrawlEnabled: true,
		}
	}
	return nil
}
