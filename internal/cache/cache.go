// Package cache implements the semantic prompt cache: an exact-hash map over
// prior (prompt, completion) pairs with an embedding-similarity fallback,
// bounded by capacity (LRU) and age (TTL). Concurrent requests for the same
// prompt hash coalesce into a single LLM call.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperxav/clara-engine/internal/clock"
	"github.com/hyperxav/clara-engine/internal/driver"
	"github.com/hyperxav/clara-engine/internal/model"
)

// entry is one cached completion. Guarded by the cache lock.
type entry struct {
	hash       string
	embedding  []float32
	completion string
	createdAt  time.Time
	lastAccess time.Time
	hits       int
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries       int
	ExactHits     int64
	SemanticHits  int64
	Misses        int64
	Evictions     int64
	TTLDrops      int64
}

// HitRatio is hits over total lookups, zero when nothing was looked up.
func (s Stats) HitRatio() float64 {
	total := s.ExactHits + s.SemanticHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.ExactHits+s.SemanticHits) / float64(total)
}

// Result is the outcome of a cache-mediated completion.
type Result struct {
	// Completion is the completion text.
	Completion string
	// Hit reports whether the text came from the cache.
	Hit bool
	// Semantic reports whether the hit matched by similarity rather than
	// by exact hash.
	Semantic bool
	// Usage is the token consumption of the LLM call, zero on a hit.
	Usage model.TokenUsage
}

// Config holds cache settings.
type Config struct {
	// Capacity bounds the number of entries; LRU beyond it.
	Capacity int
	// TTL bounds entry age.
	TTL time.Duration
	// SimilarityThreshold is the minimum cosine similarity for a
	// semantic hit.
	SimilarityThreshold float64
	// SweepInterval is how often expired entries are swept.
	SweepInterval time.Duration
}

// Cache is the semantic prompt cache. It is safe for concurrent use. The
// writer lock is never held across a driver call; embedding and completion
// happen between the read and write phases of a lookup.
type Cache struct {
	cfg      Config
	embedder driver.Embedder
	clk      clock.Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	flight singleflight.Group

	statsMu sync.Mutex
	stats   Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Cache.
func New(cfg Config, embedder driver.Embedder, clk clock.Clock, logger *slog.Logger) (*Cache, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("cache: capacity must be >= 1, got %d", cfg.Capacity)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache: ttl must be positive, got %v", cfg.TTL)
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("cache: similarity threshold must be in (0, 1], got %v", cfg.SimilarityThreshold)
	}
	if embedder == nil {
		return nil, fmt.Errorf("cache: embedder must not be nil")
	}
	if clk == nil {
		return nil, fmt.Errorf("cache: clock must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("cache: logger must not be nil")
	}
	return &Cache{
		cfg:      cfg,
		embedder: embedder,
		clk:      clk,
		logger:   logger,
		entries:  make(map[string]*entry),
	}, nil
}

// Complete returns the cached completion for the prompt, or calls complete
// once and stores the result. Concurrent calls with the same hash share one
// outstanding complete call and observe the same result.
func (c *Cache) Complete(ctx context.Context, hash, prompt string, complete func(ctx context.Context) (*driver.Completion, error)) (*Result, error) {
	v, err, _ := c.flight.Do(hash, func() (any, error) {
		return c.lookupOrCompute(ctx, hash, prompt, complete)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Cache) lookupOrCompute(ctx context.Context, hash, prompt string, complete func(ctx context.Context) (*driver.Completion, error)) (*Result, error) {
	now := c.clk.Now()

	if text, ok := c.lookupExact(hash, now); ok {
		c.count(func(s *Stats) { s.ExactHits++ })
		return &Result{Completion: text, Hit: true}, nil
	}

	// Exact miss. Embed outside any lock; the embedder may block on I/O.
	embedding, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, err
	}

	if text, ok := c.lookupSimilar(embedding, now); ok {
		c.count(func(s *Stats) { s.SemanticHits++ })
		return &Result{Completion: text, Hit: true, Semantic: true}, nil
	}

	c.count(func(s *Stats) { s.Misses++ })
	completion, err := complete(ctx)
	if err != nil {
		return nil, err
	}

	c.insert(hash, embedding, completion.Text, c.clk.Now())
	return &Result{Completion: completion.Text, Usage: completion.Usage}, nil
}

// lookupExact checks the hash map, dropping the entry lazily if expired.
func (c *Cache) lookupExact(hash string, now time.Time) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[hash]
	expired := ok && now.Sub(e.createdAt) > c.cfg.TTL
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if expired {
		c.dropExpired(hash, now)
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the writer lock; a sweep may have raced us.
	e, ok = c.entries[hash]
	if !ok || now.Sub(e.createdAt) > c.cfg.TTL {
		return "", false
	}
	e.hits++
	e.lastAccess = now
	return e.completion, true
}

// lookupSimilar scans for the nearest unexpired entry by cosine similarity.
func (c *Cache) lookupSimilar(embedding []float32, now time.Time) (string, bool) {
	c.mu.RLock()
	var best *entry
	bestSim := 0.0
	for _, e := range c.entries {
		if now.Sub(e.createdAt) > c.cfg.TTL {
			continue
		}
		sim := Cosine(embedding, e.embedding)
		if sim > bestSim {
			best, bestSim = e, sim
		}
	}
	var hash string
	if best != nil && bestSim >= c.cfg.SimilarityThreshold {
		hash = best.hash
	}
	c.mu.RUnlock()

	if hash == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok || now.Sub(e.createdAt) > c.cfg.TTL {
		return "", false
	}
	e.hits++
	e.lastAccess = now
	return e.completion, true
}

// insert stores a new entry, evicting the least recently used one when at
// capacity.
func (c *Cache) insert(hash string, embedding []float32, completion string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[hash]; !ok && len(c.entries) >= c.cfg.Capacity {
		c.evictLRULocked()
	}
	c.entries[hash] = &entry{
		hash:       hash,
		embedding:  embedding,
		completion: completion,
		createdAt:  now,
		lastAccess: now,
	}
}

func (c *Cache) evictLRULocked() {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil || e.lastAccess.Before(victim.lastAccess) {
			victim = e
		}
	}
	if victim != nil {
		delete(c.entries, victim.hash)
		c.count(func(s *Stats) { s.Evictions++ })
	}
}

func (c *Cache) dropExpired(hash string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok && now.Sub(e.createdAt) > c.cfg.TTL {
		delete(c.entries, hash)
		c.count(func(s *Stats) { s.TTLDrops++ })
	}
}

// Sweep drops all expired entries. Called periodically by the sweeper and
// available to tests directly.
func (c *Cache) Sweep() int {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for hash, e := range c.entries {
		if now.Sub(e.createdAt) > c.cfg.TTL {
			delete(c.entries, hash)
			dropped++
		}
	}
	if dropped > 0 {
		c.count(func(s *Stats) { s.TTLDrops += int64(dropped) })
	}
	return dropped
}

// Start launches the periodic sweep loop.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep", "dropped", n)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters and current size.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()
	s.Entries = c.Len()
	return s
}

func (c *Cache) count(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

// Cosine returns the cosine similarity of two vectors, zero when either has
// zero magnitude or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
