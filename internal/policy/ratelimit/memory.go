package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCooldown keeps deadlines in process memory.
type MemoryCooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemoryCooldown creates an empty store.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{until: make(map[string]time.Time)}
}

// Until implements Cooldown.
func (m *MemoryCooldown) Until(_ context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.until[key], nil
}

// Extend implements Cooldown.
func (m *MemoryCooldown) Extend(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.until[key]) {
		m.until[key] = until
	}
	return nil
}
