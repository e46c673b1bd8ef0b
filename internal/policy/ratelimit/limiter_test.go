package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 requests per second = 100ms interval, burst 1.
	l := New(Config{RequestsPerSecond: 10, Burst: 1}, nil, nil)
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	start = time.Now()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentCredentials(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 1, Burst: 1}, nil, nil)
	ctx := context.Background()

	if err := l.Wait(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// Credential 2 should not be blocked by credential 1.
	start := time.Now()
	if err := l.Wait(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("credential 2 blocked unexpectedly")
	}
}

func TestLimiter_PenalizeDelaysCredential(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil, nil)
	ctx := context.Background()

	if err := l.Penalize(ctx, 5, 150*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 120*time.Millisecond {
		t.Errorf("expected cooldown wait ~150ms, got %v", dur)
	}

	// Other credentials are unaffected.
	start = time.Now()
	if err := l.Wait(ctx, 6); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("credential 6 blocked unexpectedly")
	}
}

func TestLimiter_CooldownHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil, nil)
	if err := l.Penalize(context.Background(), 1, time.Hour); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type failingCooldown struct{}

func (failingCooldown) Until(context.Context, string) (time.Time, error) {
	return time.Time{}, errors.New("store down")
}

func (failingCooldown) Extend(context.Context, string, time.Time) error {
	return errors.New("store down")
}

func TestLimiter_CooldownStoreFailure(t *testing.T) {
	t.Parallel()

	l := New(Config{}, failingCooldown{}, nil)
	if err := l.Wait(context.Background(), 1); err != nil {
		t.Fatalf("lookup failure should not block, got %v", err)
	}
	if err := l.Penalize(context.Background(), 1, time.Second); err == nil {
		t.Fatal("expected extend error")
	}
	if err := l.Penalize(context.Background(), 1, 0); err != nil {
		t.Fatalf("zero retry-after should be ignored, got %v", err)
	}
}

func TestMemoryCooldownOnlyExtends(t *testing.T) {
	t.Parallel()

	m := NewMemoryCooldown()
	ctx := context.Background()
	later := time.Now().Add(time.Minute)
	earlier := time.Now().Add(time.Second)

	if err := m.Extend(ctx, "k", later); err != nil {
		t.Fatal(err)
	}
	if err := m.Extend(ctx, "k", earlier); err != nil {
		t.Fatal(err)
	}
	got, err := m.Until(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(later) {
		t.Fatalf("expected %v, got %v", later, got)
	}
}
