package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// extendScript stores ARGV[1] (unix ms) under KEYS[1] only when it is later
// than the current value, expiring the key at that instant.
var extendScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local candidate = tonumber(ARGV[1])
if candidate > current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// RedisCooldown shares deadlines between processes.
type RedisCooldown struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisCooldown connects to Redis and verifies the connection.
func NewRedisCooldown(ctx context.Context, cfg RedisConfig) (*RedisCooldown, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisCooldownWithClient(client, cfg.Prefix), nil
}

// NewRedisCooldownWithClient wraps an existing client (primarily for testing).
func NewRedisCooldownWithClient(client redis.UniversalClient, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = "discord-crawler:cooldown:"
	}
	return &RedisCooldown{client: client, prefix: prefix, now: time.Now}
}

// Until implements Cooldown.
func (r *RedisCooldown) Until(ctx context.Context, key string) (time.Time, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cooldown: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cooldown %q: %w", val, err)
	}
	return time.UnixMilli(ms), nil
}

// Extend implements Cooldown.
func (r *RedisCooldown) Extend(ctx context.Context, key string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, until.UnixMilli(), ttlMs).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("extend cooldown: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *RedisCooldown) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
