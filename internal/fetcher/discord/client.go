// Package discordfetcher implements the remote page fetcher against the
// Discord REST API. It translates responses into crawler.Page variants and
// surfaces HTTP 429 as *crawler.RateLimitError.
package discordfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
)

const (
	// DefaultBaseURL is the v10 REST root.
	DefaultBaseURL = "https://discord.com/api/v10/"
	// MaxPageSize is the largest page the messages endpoint serves.
	MaxPageSize = 100

	defaultTimeout    = 15 * time.Second
	defaultRetryAfter = time.Second
	maxBodyBytes      = 32 << 20
)

// ErrTokenRequired is returned when a client is built without a token.
var ErrTokenRequired = errors.New("token required")

// Config controls one API client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	PageSize  int
	Timeout   time.Duration
	// Verbose logs request lines and response headers at debug level.
	Verbose bool
	// Transport overrides the HTTP transport (tests, proxies).
	Transport http.RoundTripper
}

// ServerError is a 5xx answer. It is transient and retried by the caller.
type ServerError struct {
	Status int
	Body   []byte
}

// Error implements error.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, truncate(e.Body, 256))
}

// Client talks to the REST API with a single credential. It is stateless apart
// from its connection pool and safe for concurrent use.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrTokenRequired
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// FetchPage returns up to PageSize messages with ids strictly greater than
// after, in ascending order.
func (c *Client) FetchPage(ctx context.Context, channelID, after crawler.Snowflake) (crawler.Page, error) {
	if channelID == 0 {
		return crawler.Page{}, errors.New("channel id is required")
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.cfg.PageSize))
	query.Set("after", after.String())

	c.logger.Debug("fetching messages",
		zap.Stringer("channel_id", channelID),
		zap.Stringer("after", after),
	)
	status, body, err := c.get(ctx, "channels/"+channelID.String()+"/messages", query)
	if err != nil {
		return crawler.Page{}, err
	}
	if status >= 400 {
		return crawler.ErrorPage(status, body), nil
	}
	messages, isObject, err := decodeMessages(body)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("decode messages: %w", err)
	}
	if isObject {
		return crawler.ErrorPage(status, body), nil
	}
	return crawler.MessagesPage(messages), nil
}

// Guilds lists the guilds visible to the credential.
func (c *Client) Guilds(ctx context.Context) ([]crawler.Guild, error) {
	items, err := c.getList(ctx, "users/@me/guilds")
	if err != nil {
		return nil, err
	}
	guilds := make([]crawler.Guild, 0, len(items))
	for _, raw := range items {
		var doc struct {
			ID   crawler.Snowflake `json:"id"`
			Name string            `json:"name"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode guild: %w", err)
		}
		if doc.ID == 0 {
			return nil, errors.New("decode guild: missing id")
		}
		guilds = append(guilds, crawler.Guild{ID: doc.ID, Name: doc.Name, Raw: raw})
	}
	return guilds, nil
}

// Channels lists the channels of a guild.
func (c *Client) Channels(ctx context.Context, guildID crawler.Snowflake) ([]crawler.Channel, error) {
	if guildID == 0 {
		return nil, errors.New("guild id is required")
	}
	items, err := c.getList(ctx, "guilds/"+guildID.String()+"/channels")
	if err != nil {
		return nil, err
	}
	channels := make([]crawler.Channel, 0, len(items))
	for _, raw := range items {
		var doc struct {
			ID   crawler.Snowflake `json:"id"`
			Name string            `json:"name"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode channel: %w", err)
		}
		if doc.ID == 0 {
			return nil, errors.New("decode channel: missing id")
		}
		channels = append(channels, crawler.Channel{ID: doc.ID, Name: doc.Name, GuildID: guildID, Raw: raw})
	}
	return channels, nil
}

func (c *Client) getList(ctx context.Context, path string) ([]json.RawMessage, error) {
	status, body, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, crawler.ErrorPage(status, body).Err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return nil, crawler.ErrorPage(status, body).Err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return items, nil
}

// get performs one GET and returns the status and body for 2xx and 4xx
// (other than 429) answers. 429 and 5xx are returned as errors.
func (c *Client) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	ref := &url.URL{Path: path}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	target := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.cfg.Token)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	if c.cfg.Verbose {
		c.logger.Debug("request", zap.String("method", req.Method), zap.String("url", target.String()))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	if c.cfg.Verbose {
		c.logger.Debug("response",
			zap.Int("status", resp.StatusCode),
			zap.Any("headers", resp.Header),
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, nil, parseRateLimit(resp.Header, body)
	case resp.StatusCode >= 500:
		return 0, nil, &ServerError{Status: resp.StatusCode, Body: body}
	}
	return resp.StatusCode, body, nil
}

func decodeMessages(body []byte) ([]crawler.Message, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty body")
	}
	if trimmed[0] == '{' {
		return nil, true, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, false, err
	}
	messages := make([]crawler.Message, 0, len(items))
	for i, raw := range items {
		var head struct {
			ID        crawler.Snowflake `json:"id"`
			ChannelID crawler.Snowflake `json:"channel_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, false, fmt.Errorf("message %d: %w", i, err)
		}
		if head.ID == 0 {
			return nil, false, fmt.Errorf("message %d: missing id", i)
		}
		messages = append(messages, crawler.Message{ID: head.ID, ChannelID: head.ChannelID, Raw: raw})
	}
	return messages, false, nil
}

func parseRateLimit(header http.Header, body []byte) *crawler.RateLimitError {
	rateErr := &crawler.RateLimitError{RetryAfter: defaultRetryAfter, Body: append([]byte(nil), body...)}
	var doc struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.RetryAfter > 0 {
		rateErr.RetryAfter = time.Duration(doc.RetryAfter * float64(time.Second))
		rateErr.Global = doc.Global
		return rateErr
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			rateErr.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	rateErr.Global = header.Get("X-RateLimit-Global") == "true"
	return rateErr
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
