package discordfetcher

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

// Registry maps credential ids to clients. It is built once at startup and
// passed by reference to every worker; it is read-only afterwards.
type Registry struct {
	clients map[int64]*Client
	names   map[int64]string
}

// NewRegistry builds one client per credential, sharing base settings.
func NewRegistry(creds []crawler.Credential, base Config, logger *zap.Logger) (*Registry, error) {
	if len(creds) == 0 {
		return nil, crawler.ErrNoCredentials
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		clients: make(map[int64]*Client, len(creds)),
		names:   make(map[int64]string, len(creds)),
	}
	for _, cred := range creds {
		cfg := base
		cfg.Token = cred.Token
		client, err := New(cfg, logger.With(zap.String("credential", cred.Username)))
		if err != nil {
			return nil, fmt.Errorf("credential %d (%s): %w", cred.ID, cred.Username, err)
		}
		r.clients[cred.ID] = client
		r.names[cred.ID] = cred.Username
	}
	return r, nil
}

// Fetcher implements crawler.FetcherRegistry.
func (r *Registry) Fetcher(credentialID int64) (crawler.PageFetcher, bool) {
	c, ok := r.clients[credentialID]
	if !ok {
		return nil, false
	}
	return c, true
}

// Client returns the concrete client for discovery calls.
func (r *Registry) Client(credentialID int64) (*Client, bool) {
	c, ok := r.clients[credentialID]
	return c, ok
}

// IDs returns the registered credential ids in ascending order.
func (r *Registry) IDs() []int64 {
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Name returns the username of a credential.
func (r *Registry) Name(credentialID int64) string {
	return r.names[credentialID]
}
