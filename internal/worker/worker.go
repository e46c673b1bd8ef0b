// Package worker implements the crawl loop and the per-channel pass driver.
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

const rollbackTimeout = 5 * time.Second

// Config controls the pauses of the crawl loop.
type Config struct {
	// IdleDelay is slept when every enabled channel is claimed by other workers.
	IdleDelay time.Duration
	// NoChannelsDelay is slept when no channel is enabled at all.
	NoChannelsDelay time.Duration
}

// Worker repeatedly claims a channel and crawls it inside one transaction.
type Worker struct {
	id     string
	store  crawler.Store
	pass   *PassDriver
	retry  crawler.RetryPolicy
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	store crawler.Store,
	pass *PassDriver,
	retry crawler.RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}
	if cfg.NoChannelsDelay <= 0 {
		cfg.NoChannelsDelay = 30 * time.Second
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		store:  store,
		pass:   pass,
		retry:  retry,
		cfg:    cfg,
		logger: logger.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker identifier used in logs.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, crawling channels until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	failures := 0
	for ctx.Err() == nil {
		_, err := w.RunOnce(ctx)
		delay := time.Duration(0)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return
		case errors.Is(err, crawler.ErrNoEnabledChannels):
			failures = 0
			w.logger.Warn("no crawl-enabled channels", zap.Duration("retry_in", w.cfg.NoChannelsDelay))
			delay = w.cfg.NoChannelsDelay
		case errors.Is(err, crawler.ErrNoWork):
			failures = 0
			w.logger.Debug("all channels claimed, idling", zap.Duration("retry_in", w.cfg.IdleDelay))
			delay = w.cfg.IdleDelay
		default:
			failures++
			delay = w.retry.Backoff(failures)
			w.logger.Error("crawl iteration failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
		}
		if err := sleep(ctx, delay); err != nil {
			return
		}
	}
}

// RunOnce performs one loop iteration: begin, claim, crawl, commit. Errors
// wrapping crawler.ErrNoWork mean nothing was claimed; any other error means
// the transaction was rolled back.
func (w *Worker) RunOnce(ctx context.Context) (crawler.PassResult, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		metrics.ObserveClaim(metrics.ClaimError)
		return crawler.PassResult{}, fmt.Errorf("begin: %w", err)
	}

	ch, err := tx.ClaimChannel(ctx)
	if err != nil {
		w.rollback(ctx, tx)
		switch {
		case errors.Is(err, crawler.ErrNoEnabledChannels):
			metrics.ObserveClaim(metrics.ClaimNoEnabled)
		case errors.Is(err, crawler.ErrNoWork):
			metrics.ObserveClaim(metrics.ClaimAllClaimed)
		default:
			metrics.ObserveClaim(metrics.ClaimError)
		}
		return crawler.PassResult{}, err
	}
	metrics.ObserveClaim(metrics.ClaimAcquired)

	res, err := w.pass.Run(ctx, tx, ch)
	if err != nil {
		w.rollback(ctx, tx)
		w.rotate(ctx, ch)
		return res, fmt.Errorf("crawl channel %s: %w", ch.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		w.rollback(ctx, tx)
		w.rotate(ctx, ch)
		return res, fmt.Errorf("commit channel %s: %w", ch.ID, err)
	}

	metrics.ObservePass(string(res.Outcome), res.EndedAt.Sub(res.StartedAt))
	w.logger.Info("crawl pass finished",
		zap.Stringer("channel_id", ch.ID),
		zap.String("channel", ch.Name),
		zap.String("guild", ch.GuildName),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("pages", res.Pages),
		zap.Int("messages", res.Messages),
		zap.Stringer("low", res.Low),
		zap.Stringer("high", res.High),
		zap.Duration("duration", res.EndedAt.Sub(res.StartedAt)),
	)
	return res, nil
}

// rotate sets last_update for a channel whose pass failed, in its own
// transaction, moving it behind every other eligible channel. Nothing is
// written after cancellation.
func (w *Worker) rotate(ctx context.Context, ch crawler.ClaimedChannel) {
	if ctx.Err() != nil {
		return
	}
	log := w.logger.With(zap.Stringer("channel_id", ch.ID))
	tx, err := w.store.Begin(ctx)
	if err != nil {
		log.Error("begin rotate after failed pass", zap.Error(err))
		return
	}
	if err := tx.MarkLastUpdate(ctx, ch.ID, w.pass.clock.Now()); err != nil {
		w.rollback(ctx, tx)
		log.Error("mark last update after failed pass", zap.Error(err))
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.rollback(ctx, tx)
		log.Error("commit rotate after failed pass", zap.Error(err))
		return
	}
	log.Warn("channel rotated after failed pass")
}

// rollback releases the claim even when ctx is already cancelled.
func (w *Worker) rollback(ctx context.Context, tx crawler.Tx) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := tx.Rollback(rctx); err != nil {
		w.logger.Error("rollback failed", zap.Error(err))
	}
}
