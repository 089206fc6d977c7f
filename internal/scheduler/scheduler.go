// Package scheduler selects which tenant works next. On each tick it
// computes the eligible set (active, inside the posting window, under daily
// limits, not already claimed), orders it least-recently-acted first, and
// drains it into the worker pool while the global daily budget has tokens.
// Selection is deterministic given identical inputs.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/bucket"
	"github.com/hyperxav/clara-engine/internal/clock"
	"github.com/hyperxav/clara-engine/internal/config"
	"github.com/hyperxav/clara-engine/internal/metrics"
	"github.com/hyperxav/clara-engine/internal/model"
	"github.com/hyperxav/clara-engine/internal/registry"
)

// Item is one unit of work handed to the pool: attempt one
// generation-and-publish cycle for one tenant.
type Item struct {
	// Tenant is a snapshot taken at selection time.
	Tenant model.Tenant
}

// claims is the in-memory claim table preventing re-selection of a tenant
// with a work item in flight.
type claims struct {
	mu sync.Mutex
	m  map[uuid.UUID]bool
}

func (c *claims) acquire(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m[id] {
		return false
	}
	c.m[id] = true
	return true
}

func (c *claims) release(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

func (c *claims) held(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[id]
}

// Scheduler is the single producer for the worker pool.
type Scheduler struct {
	reg     *registry.Registry
	store   bucket.Store
	clk     clock.Clock
	limits  config.LimitsConfig
	tick    time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	claims claims

	// deferred holds tenants that must not be reselected before an
	// instant, keyed by tenant id. Set when a job defers on quota.
	deferredMu sync.Mutex
	deferred   map[uuid.UUID]time.Time
}

// New creates a Scheduler.
func New(reg *registry.Registry, store bucket.Store, clk clock.Clock, limits config.LimitsConfig, tick time.Duration, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if reg == nil {
		return nil, fmt.Errorf("scheduler: registry must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("scheduler: bucket store must not be nil")
	}
	if clk == nil {
		return nil, fmt.Errorf("scheduler: clock must not be nil")
	}
	if tick <= 0 {
		return nil, fmt.Errorf("scheduler: tick interval must be positive, got %v", tick)
	}
	if m == nil {
		return nil, fmt.Errorf("scheduler: metrics must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("scheduler: logger must not be nil")
	}
	return &Scheduler{
		reg:      reg,
		store:    store,
		clk:      clk,
		limits:   limits,
		tick:     tick,
		metrics:  m,
		logger:   logger,
		claims:   claims{m: make(map[uuid.UUID]bool)},
		deferred: make(map[uuid.UUID]time.Time),
	}, nil
}

// Run produces work items into out until the context is cancelled. It owns
// the channel's send side but does not close it; the engine closes it after
// Run returns so workers drain cleanly.
func (s *Scheduler) Run(ctx context.Context, out chan<- Item) {
	for {
		next := s.dispatch(ctx, out)
		if ctx.Err() != nil {
			return
		}

		wait := s.tick
		if !next.IsZero() {
			if until := next.Sub(s.clk.Now()); until > 0 && until < wait {
				wait = until
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dispatch performs one tick: select eligible tenants and hand them to the
// pool. It returns the earliest instant at which an ineligible tenant may
// become eligible, or the zero time when no such instant is known.
func (s *Scheduler) dispatch(ctx context.Context, out chan<- Item) time.Time {
	now := s.clk.Now()
	active := s.reg.ListActive()
	s.metrics.ActiveTenants.Set(float64(len(active)))

	eligible, nextWakeup := s.Eligible(active, now)

	for _, tenant := range eligible {
		if !s.globalBudgetAvailable(ctx) {
			s.logger.Debug("global daily budget exhausted, ending tick")
			break
		}
		if !s.claims.acquire(tenant.ID) {
			continue
		}

		select {
		case out <- Item{Tenant: tenant}:
			s.metrics.SchedulerDispatchesTotal.Inc()
		case <-ctx.Done():
			s.claims.release(tenant.ID)
			return time.Time{}
		}
	}
	return nextWakeup
}

// Eligible computes the ordered eligible set for the given instant and the
// earliest wakeup among ineligible tenants. Exported for tests; the ordering
// is the fairness contract.
func (s *Scheduler) Eligible(active []model.Tenant, now time.Time) ([]model.Tenant, time.Time) {
	var eligible []model.Tenant
	var nextWakeup time.Time

	consider := func(t time.Time) {
		if t.IsZero() || !t.After(now) {
			return
		}
		if nextWakeup.IsZero() || t.Before(nextWakeup) {
			nextWakeup = t
		}
	}

	for _, tenant := range active {
		tenant := tenant
		if s.claims.held(tenant.ID) {
			continue
		}
		if until, ok := s.deferredUntil(tenant.ID, now); ok {
			consider(until)
			continue
		}

		inWindow, err := clock.InPostingWindow(&tenant, now)
		if err != nil {
			s.logger.Warn("skipping tenant with bad timezone", "tenant_id", tenant.ID, "error", err)
			continue
		}
		if !inWindow {
			if open, err := clock.NextWindowOpen(&tenant, now); err == nil {
				consider(open)
			}
			continue
		}

		counters, err := s.reg.CountersFor(&tenant, now)
		if err != nil {
			continue
		}
		if counters.LLMCalls >= s.limits.ClientDailyLLM || counters.Posts >= s.limits.ClientDailyPosts {
			if reset, err := clock.NextLocalMidnight(&tenant, now); err == nil {
				consider(reset)
			}
			continue
		}

		eligible = append(eligible, tenant)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return lessByActivity(&eligible[i], &eligible[j])
	})
	return eligible, nextWakeup
}

// lessByActivity orders tenants least-recently-acted first. Never-acted
// tenants rank before all others; ties break on a stable id hash so the
// order is deterministic.
func lessByActivity(a, b *model.Tenant) bool {
	switch {
	case a.LastActedAt == nil && b.LastActedAt != nil:
		return true
	case a.LastActedAt != nil && b.LastActedAt == nil:
		return false
	case a.LastActedAt != nil && b.LastActedAt != nil:
		if !a.LastActedAt.Equal(*b.LastActedAt) {
			return a.LastActedAt.Before(*b.LastActedAt)
		}
	}
	return idHash(a.ID) < idHash(b.ID)
}

// idHash maps a tenant id onto a stable 64-bit value for tie-breaking.
func idHash(id uuid.UUID) uint64 {
	sum := sha256.Sum256(id[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// globalBudgetAvailable reports whether the global daily bucket still has at
// least one token. A store error reads as available; admission inside the
// pipeline is authoritative.
func (s *Scheduler) globalBudgetAvailable(ctx context.Context) bool {
	if s.limits.GlobalDailyLLM <= 0 {
		return true
	}
	remaining, ok, err := s.store.Remaining(ctx, bucket.GlobalLLMDayKey)
	if err != nil || !ok {
		return true
	}
	return remaining >= 1
}

// Release frees the tenant's claim. The engine calls this when a work item
// completes, whatever its outcome.
func (s *Scheduler) Release(id uuid.UUID) {
	s.claims.release(id)
}

// Defer blocks reselection of the tenant until now+d. Used when a work item
// defers on quota or a driver rate limit.
func (s *Scheduler) Defer(id uuid.UUID, d time.Duration) {
	until := s.clk.Now().Add(d)
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	if until.After(s.deferred[id]) {
		s.deferred[id] = until
	}
}

// deferredUntil reports whether the tenant is still deferred, clearing
// expired entries.
func (s *Scheduler) deferredUntil(id uuid.UUID, now time.Time) (time.Time, bool) {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	until, ok := s.deferred[id]
	if !ok {
		return time.Time{}, false
	}
	if !until.After(now) {
		delete(s.deferred, id)
		return time.Time{}, false
	}
	return until, true
}

// Claimed reports whether the tenant currently has a work item in flight.
func (s *Scheduler) Claimed(id uuid.UUID) bool {
	return s.claims.held(id)
}
