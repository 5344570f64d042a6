package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key in process memory.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu        sync.Mutex
	entries   map[string]*entry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time
	closed    bool
	nowFunc   func() time.Time // for testing
}

// NewMemoryLimiter creates a keyed in-memory limiter.
func NewMemoryLimiter(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Burst == 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &MemoryLimiter{
		entries: make(map[string]*entry),
		limit:   rate.Limit(cfg.Rate),
		burst:   cfg.Burst,
		idle:    cfg.IdleTTL,
		nowFunc: time.Now,
	}, nil
}

// get returns the bucket for key, creating it. Callers hold m.mu.
func (m *MemoryLimiter) get(key string, now time.Time) *entry {
	if now.Sub(m.lastPrune) >= m.idle {
		m.prune(now)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = e
	}
	e.lastSeen = now
	return e
}

func (m *MemoryLimiter) prune(now time.Time) int {
	removed := 0
	for k, e := range m.entries {
		if now.Sub(e.lastSeen) >= m.idle {
			delete(m.entries, k)
			removed++
		}
	}
	m.lastPrune = now
	return removed
}

// Allow reports whether one event for key may happen now.
func (m *MemoryLimiter) Allow(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	now := m.nowFunc()
	return m.get(key, now).lim.AllowN(now, 1)
}

// Wait blocks until an event for key may happen.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	lim := m.get(key, m.nowFunc()).lim
	m.mu.Unlock()

	return lim.Wait(ctx)
}

// Prune evicts idle keys and returns how many were removed.
func (m *MemoryLimiter) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(m.nowFunc())
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Usage returns the state of key, or nil if it is not tracked.
func (m *MemoryLimiter) Usage(key string) *Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	return &Usage{
		Key:      key,
		Tokens:   e.lim.TokensAt(m.nowFunc()),
		LastSeen: e.lastSeen,
	}
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]*entry)
	return nil
}
