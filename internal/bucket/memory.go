package bucket

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hyperxav/clara-engine/internal/clock"
)

type state struct {
	tokens     float64
	lastRefill time.Time
	expiresAt  time.Time
}

// MemoryStore is an in-process counter store with the same semantics as
// RedisStore. Its state is local to the process, so it is suitable for
// single-node runs and tests, not for multi-replica deployments.
type MemoryStore struct {
	clk clock.Clock

	mu      sync.Mutex
	buckets map[string]*state
}

// NewMemoryStore creates an empty MemoryStore using the given clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clk:     clk,
		buckets: make(map[string]*state),
	}
}

// Consume implements Store.
func (m *MemoryStore) Consume(_ context.Context, key string, cost int, capacity int, refillPerSec float64, ttl time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	st, exists := m.buckets[key]
	if exists && !st.expiresAt.IsZero() && now.After(st.expiresAt) {
		exists = false
	}
	if !exists {
		st = &state{tokens: float64(capacity), lastRefill: now}
		m.buckets[key] = st
	}

	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	st.tokens = math.Min(float64(capacity), st.tokens+elapsed*refillPerSec)
	st.lastRefill = now
	if ttl > 0 {
		st.expiresAt = now.Add(ttl)
	}

	if st.tokens >= float64(cost) {
		st.tokens -= float64(cost)
		return Decision{OK: true, Remaining: st.tokens}, nil
	}

	retryAfter := 24 * time.Hour
	if refillPerSec > 0 {
		missing := float64(cost) - st.tokens
		retryAfter = time.Duration(missing / refillPerSec * float64(time.Second))
	}
	return Decision{OK: false, Remaining: st.tokens, RetryAfter: retryAfter}, nil
}

// Refund implements Store.
func (m *MemoryStore) Refund(_ context.Context, key string, n int, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.buckets[key]
	if !ok {
		return nil
	}
	st.tokens = math.Min(float64(capacity), st.tokens+float64(n))
	return nil
}

// Penalize implements Store.
func (m *MemoryStore) Penalize(_ context.Context, key string, target float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	st, ok := m.buckets[key]
	if !ok {
		st = &state{tokens: target, lastRefill: now}
		m.buckets[key] = st
		return nil
	}
	if target < st.tokens {
		st.tokens = target
		st.lastRefill = now
	}
	return nil
}

// Remaining implements Store.
func (m *MemoryStore) Remaining(_ context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.buckets[key]
	if !ok {
		return 0, false, nil
	}
	if !st.expiresAt.IsZero() && m.clk.Now().After(st.expiresAt) {
		return 0, false, nil
	}
	return st.tokens, true, nil
}
