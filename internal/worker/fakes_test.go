package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
	"github.com/JakeFAU/discord-history-crawler/internal/storage/memory"
)

const (
	testChannel    = crawler.Snowflake(1000)
	testGuild      = crawler.Snowflake(2000)
	testCredential = int64(7)
)

type fetchResult struct {
	page crawler.Page
	err  error
}

// scriptedFetcher replays results in order. Once the script runs out it blocks
// until the request context is done.
type scriptedFetcher struct {
	mu      sync.Mutex
	script  []fetchResult
	afters  []crawler.Snowflake
	blocked chan struct{}
}

func newScriptedFetcher(results ...fetchResult) *scriptedFetcher {
	return &scriptedFetcher{script: results, blocked: make(chan struct{}, 16)}
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, _ crawler.Snowflake, after crawler.Snowflake) (crawler.Page, error) {
	f.mu.Lock()
	f.afters = append(f.afters, after)
	if len(f.script) == 0 {
		f.mu.Unlock()
		f.blocked <- struct{}{}
		<-ctx.Done()
		return crawler.Page{}, ctx.Err()
	}
	r := f.script[0]
	f.script = f.script[1:]
	f.mu.Unlock()
	return r.page, r.err
}

func (f *scriptedFetcher) calls() []crawler.Snowflake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Snowflake(nil), f.afters...)
}

type registry map[int64]crawler.PageFetcher

func (r registry) Fetcher(id int64) (crawler.PageFetcher, bool) {
	f, ok := r[id]
	return f, ok
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type penalty struct {
	credential int64
	retryAfter time.Duration
}

type fakeLimiter struct {
	mu        sync.Mutex
	waits     int
	penalties []penalty
}

func (l *fakeLimiter) Wait(ctx context.Context, _ int64) error {
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return ctx.Err()
}

func (l *fakeLimiter) Penalize(_ context.Context, credentialID int64, retryAfter time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties = append(l.penalties, penalty{credential: credentialID, retryAfter: retryAfter})
	return nil
}

func messages(ids ...uint64) []crawler.Message {
	out := make([]crawler.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, crawler.Message{
			ID:        crawler.Snowflake(id),
			ChannelID: testChannel,
			Raw:       json.RawMessage(fmt.Sprintf(`{"id":"%d","content":"m%d"}`, id, id)),
		})
	}
	return out
}

func page(ids ...uint64) fetchResult {
	return fetchResult{page: crawler.MessagesPage(messages(ids...))}
}

func emptyPage() fetchResult {
	return fetchResult{page: crawler.MessagesPage(nil)}
}

func fastRetry(attempts int) crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicyWith(attempts, time.Millisecond, time.Millisecond)
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.AddCredential(crawler.Credential{ID: testCredential, Username: "selfbot", Token: "tok"})
	s.AddGuild(crawler.Guild{ID: testGuild, Name: "guild", CredentialID: testCredential, CrawlEnabled: true})
	s.AddChannel(crawler.Channel{ID: testChannel, Name: "general", GuildID: testGuild, CrawlEnabled: true})
	return s
}

type harness struct {
	store   *memory.Store
	fetcher *scriptedFetcher
	limiter *fakeLimiter
	worker  *Worker
}

func newHarness(t *testing.T, cfg PassConfig, retry crawler.RetryPolicy, results ...fetchResult) *harness {
	t.Helper()
	h := &harness{
		store:   seededStore(t),
		fetcher: newScriptedFetcher(results...),
		limiter: &fakeLimiter{},
	}
	if retry == nil {
		retry = fastRetry(3)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	pass := NewPassDriver(registry{testCredential: h.fetcher}, h.limiter, retry, clock, cfg, nil)
	h.worker = New("test-worker", h.store, pass, retry, Config{IdleDelay: time.Millisecond, NoChannelsDelay: time.Millisecond}, nil)
	return h
}
