package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/discord-history-crawler/internal/crawler"
	"github.com/JakeFAU/discord-history-crawler/internal/metrics"
)

// PassConfig bounds a single crawl pass.
type PassConfig struct {
	// MaxPagesPerPass ends a pass as completed after this many pages; 0 means unlimited.
	MaxPagesPerPass int
}

// PassDriver crawls one claimed channel until history is exhausted, the API
// rejects the channel, or fetching gives up.
type PassDriver struct {
	fetchers crawler.FetcherRegistry
	limiter  crawler.RateLimiter
	retry    crawler.RetryPolicy
	clock    crawler.Clock
	cfg      PassConfig
	logger   *zap.Logger
}

// NewPassDriver constructs a PassDriver. limiter may be nil.
func NewPassDriver(
	fetchers crawler.FetcherRegistry,
	limiter crawler.RateLimiter,
	retry crawler.RetryPolicy,
	clock crawler.Clock,
	cfg PassConfig,
	logger *zap.Logger,
) *PassDriver {
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PassDriver{
		fetchers: fetchers,
		limiter:  limiter,
		retry:    retry,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives a pass inside tx. Every terminal outcome is written to tx; the
// caller commits. A returned error means the pass must be rolled back: the
// store failed or ctx was cancelled.
func (d *PassDriver) Run(ctx context.Context, tx crawler.Tx, ch crawler.ClaimedChannel) (crawler.PassResult, error) {
	log := d.logger.With(
		zap.Stringer("channel_id", ch.ID),
		zap.String("channel", ch.Name),
		zap.String("guild", ch.GuildName),
		zap.String("credential", ch.CredentialName),
	)
	res := crawler.PassResult{ChannelID: ch.ID, StartedAt: d.clock.Now()}

	start, err := tx.NextCursor(ctx, ch.ID)
	if err != nil {
		return res, fmt.Errorf("next cursor: %w", err)
	}
	cursor := crawler.NewCursor(start)
	res.Low, res.High = cursor.Low, cursor.High

	fetcher, ok := d.fetchers.Fetcher(ch.CredentialID)
	if !ok {
		return d.deferPass(ctx, tx, res, fmt.Errorf("credential %d: %w", ch.CredentialID, crawler.ErrUnknownCredential), log)
	}

	log.Debug("crawl pass started", zap.Stringer("after", cursor.After()))

	for {
		if d.cfg.MaxPagesPerPass > 0 && res.Pages >= d.cfg.MaxPagesPerPass {
			log.Debug("page budget reached", zap.Int("pages", res.Pages))
			return d.complete(ctx, tx, res, cursor)
		}

		page, err := d.fetch(ctx, fetcher, ch, cursor.After(), log)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("fetch page: %w", err)
			}
			return d.deferPass(ctx, tx, res, err, log)
		}
		res.Pages++

		if page.Kind == crawler.PageAPIError {
			metrics.ObservePage(metrics.PageAPIError)
			return d.disable(ctx, tx, res, page.Err, log)
		}
		if page.Exhausted() {
			metrics.ObservePage(metrics.PageEmpty)
			return d.complete(ctx, tx, res, cursor)
		}

		metrics.ObservePage(metrics.PageMessages)
		inserted, err := tx.UpsertMessages(ctx, ch.ID, page.Messages)
		if err != nil {
			return res, fmt.Errorf("upsert messages: %w", err)
		}
		metrics.ObserveMessages(len(page.Messages), inserted)
		res.Messages += len(page.Messages)

		if !cursor.Advance(page.Messages) {
			log.Warn("page did not advance cursor, ending pass",
				zap.Stringer("after", cursor.After()),
				zap.Int("messages", len(page.Messages)),
			)
			return d.complete(ctx, tx, res, cursor)
		}
		res.High = cursor.High
		log.Debug("page persisted",
			zap.Int("messages", len(page.Messages)),
			zap.Int64("inserted", inserted),
			zap.Stringer("cursor", cursor.High),
		)
	}
}

// fetch gets one page, retrying transient failures and rate limits according
// to the retry policy.
func (d *PassDriver) fetch(
	ctx context.Context,
	fetcher crawler.PageFetcher,
	ch crawler.ClaimedChannel,
	after crawler.Snowflake,
	log *zap.Logger,
) (crawler.Page, error) {
	for attempt := 1; ; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, ch.CredentialID); err != nil {
				return crawler.Page{}, fmt.Errorf("wait for rate limiter: %w", err)
			}
		}

		page, err := fetcher.FetchPage(ctx, ch.ID, after)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return crawler.Page{}, err
		}

		delay := d.retry.Backoff(attempt)
		var rateErr *crawler.RateLimitError
		if errors.As(err, &rateErr) {
			metrics.ObservePage(metrics.PageRateLimited)
			metrics.ObserveRateLimited(ch.CredentialID, rateErr.Global)
			if d.limiter != nil {
				if perr := d.limiter.Penalize(ctx, ch.CredentialID, rateErr.RetryAfter); perr != nil {
					log.Warn("record credential cooldown failed", zap.Error(perr))
				}
			}
			delay = max(delay, rateErr.RetryAfter)
		} else {
			metrics.ObservePage(metrics.PageError)
		}

		if !d.retry.ShouldRetry(err, attempt) {
			return crawler.Page{}, fmt.Errorf("fetch page after %d attempts: %w", attempt, err)
		}
		log.Debug("page fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return crawler.Page{}, err
		}
	}
}

func (d *PassDriver) complete(
	ctx context.Context,
	tx crawler.Tx,
	res crawler.PassResult,
	cursor crawler.Cursor,
) (crawler.PassResult, error) {
	res.EndedAt = d.clock.Now()
	res.High = cursor.High
	res.Outcome = crawler.PassCompleted
	if err := tx.AppendCrawlLog(ctx, cursor.Entry(res.ChannelID, res.StartedAt, res.EndedAt)); err != nil {
		return res, fmt.Errorf("append crawl log: %w", err)
	}
	if err := tx.MarkLastUpdate(ctx, res.ChannelID, res.EndedAt); err != nil {
		return res, fmt.Errorf("mark last update: %w", err)
	}
	return res, nil
}

func (d *PassDriver) disable(
	ctx context.Context,
	tx crawler.Tx,
	res crawler.PassResult,
	apiErr *crawler.APIError,
	log *zap.Logger,
) (crawler.PassResult, error) {
	res.EndedAt = d.clock.Now()
	res.Outcome = crawler.PassDisabled
	res.APIError = apiErr
	if err := tx.SetCrawlEnabled(ctx, res.ChannelID, false); err != nil {
		return res, fmt.Errorf("disable channel: %w", err)
	}
	if err := tx.MarkLastUpdate(ctx, res.ChannelID, res.EndedAt); err != nil {
		return res, fmt.Errorf("mark last update: %w", err)
	}
	fields := []zap.Field{zap.Int("messages", res.Messages)}
	if apiErr != nil {
		fields = append(fields,
			zap.Int("status", apiErr.Status),
			zap.Int("code", apiErr.Code),
			zap.String("message", apiErr.Message),
			zap.ByteString("payload", apiErr.Body),
		)
	}
	log.Warn("channel disabled after API error", fields...)
	return res, nil
}

func (d *PassDriver) deferPass(
	ctx context.Context,
	tx crawler.Tx,
	res crawler.PassResult,
	cause error,
	log *zap.Logger,
) (crawler.PassResult, error) {
	res.EndedAt = d.clock.Now()
	res.Outcome = crawler.PassDeferred
	res.Cause = cause
	if err := tx.MarkLastUpdate(ctx, res.ChannelID, res.EndedAt); err != nil {
		return res, fmt.Errorf("mark last update: %w", err)
	}
	log.Warn("crawl pass deferred", zap.Int("messages", res.Messages), zap.Error(cause))
	return res, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
