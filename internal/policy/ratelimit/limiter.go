// Package ratelimit implements per-credential request pacing. A token bucket
// spaces requests made through one credential inside the process, and a
// cooldown store records server-imposed retry-after deadlines so every worker
// sharing the credential (in any process, with the Redis store) backs off.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/discord-history-crawler/internal/metrics"
)

// Cooldown stores the time until which a credential must not be used.
type Cooldown interface {
	// Until returns the current deadline for key, or the zero time.
	Until(ctx context.Context, key string) (time.Time, error)
	// Extend moves the deadline for key to until unless a later one is stored.
	Extend(ctx context.Context, key string, until time.Time) error
}

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond per credential; <= 0 disables the token bucket.
	RequestsPerSecond float64
	Burst             int
}

// Limiter manages per-credential rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[int64]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	cooldown     Cooldown
	now          func() time.Time
	logger       *zap.Logger
}

// New creates a new Limiter. A nil cooldown uses an in-process store.
func New(cfg Config, cooldown Cooldown, logger *zap.Logger) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cooldown == nil {
		cooldown = NewMemoryCooldown()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limiters:     make(map[int64]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		cooldown:     cooldown,
		now:          time.Now,
		logger:       logger,
	}
}

// Wait blocks until the credential is out of cooldown and a token is
// available, respecting the context.
func (l *Limiter) Wait(ctx context.Context, credentialID int64) error {
	start := l.now()
	if err := l.waitCooldown(ctx, credentialID); err != nil {
		return err
	}
	if err := l.limiterFor(credentialID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(credentialID, waited)
	}
	return nil
}

// Penalize records a retry-after deadline for the credential.
func (l *Limiter) Penalize(ctx context.Context, credentialID int64, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}
	until := l.now().Add(retryAfter)
	if err := l.cooldown.Extend(ctx, cooldownKey(credentialID), until); err != nil {
		return fmt.Errorf("extend cooldown: %w", err)
	}
	l.logger.Debug("credential cooling down",
		zap.Int64("credential_id", credentialID),
		zap.Duration("retry_after", retryAfter),
	)
	return nil
}

func (l *Limiter) waitCooldown(ctx context.Context, credentialID int64) error {
	until, err := l.cooldown.Until(ctx, cooldownKey(credentialID))
	if err != nil {
		// A broken shared store must not stall crawling; the token bucket still applies.
		l.logger.Warn("cooldown lookup failed", zap.Int64("credential_id", credentialID), zap.Error(err))
		return nil
	}
	wait := until.Sub(l.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("cooldown wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) limiterFor(credentialID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[credentialID]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[credentialID] = limiter
	}
	return limiter
}

func cooldownKey(credentialID int64) string {
	return fmt.Sprintf("credential:%d", credentialID)
}
