// Package registry holds the in-memory snapshot of tenant configuration and
// last-action state. The repository owns durable truth; the registry
// reconciles from it periodically and batches activity write-backs, flushing
// them before shutdown.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/clock"
	"github.com/hyperxav/clara-engine/internal/model"
	"github.com/hyperxav/clara-engine/internal/repository"
)

// Outcome summarizes a completed work item for activity accounting.
type Outcome struct {
	// LLMCalls is the number of completions actually made (zero on a
	// cache hit).
	LLMCalls int
	// Published reports whether a post reached the published state.
	Published bool
	// ActedAt is the completion instant.
	ActedAt time.Time
}

// entry pairs a tenant snapshot with its own short exclusive lock, so
// mutating one tenant never blocks readers of another.
type entry struct {
	mu       sync.Mutex
	snapshot model.Tenant
	dirty    bool
}

// Registry is the read-optimized tenant map. It is safe for concurrent use.
type Registry struct {
	repo     repository.Repository
	clk      clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu      sync.RWMutex
	tenants map[uuid.UUID]*entry

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Registry. Call Load before Start.
func New(repo repository.Repository, clk clock.Clock, interval time.Duration, logger *slog.Logger) (*Registry, error) {
	if repo == nil {
		return nil, fmt.Errorf("registry: repository must not be nil")
	}
	if clk == nil {
		return nil, fmt.Errorf("registry: clock must not be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("registry: reconcile interval must be positive, got %v", interval)
	}
	if logger == nil {
		return nil, fmt.Errorf("registry: logger must not be nil")
	}
	return &Registry{
		repo:     repo,
		clk:      clk,
		logger:   logger,
		interval: interval,
		tenants:  make(map[uuid.UUID]*entry),
	}, nil
}

// Load performs the initial read from the repository. A failure here is
// fatal for engine start.
func (r *Registry) Load(ctx context.Context) error {
	tenants, err := r.repo.ListTenants(ctx)
	if err != nil {
		return model.NewError(model.KindFatal, "registry: loading tenants", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tenants {
		r.tenants[t.ID] = &entry{snapshot: t}
	}
	r.logger.Info("tenant registry loaded", "tenants", len(tenants))
	return nil
}

// Start launches the periodic reconcile loop.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.reconcile(ctx); err != nil {
					r.logger.Warn("tenant reconcile failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the reconcile loop and flushes pending write-backs.
func (r *Registry) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.Flush(ctx)
}

// reconcile re-reads the repository and merges configuration changes into
// the snapshots. Local activity state not yet flushed wins over stale
// repository values.
func (r *Registry) reconcile(ctx context.Context) error {
	tenants, err := r.repo.ListTenants(ctx)
	if err != nil {
		return err
	}

	seen := make(map[uuid.UUID]bool, len(tenants))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tenants {
		seen[t.ID] = true
		e, ok := r.tenants[t.ID]
		if !ok {
			r.tenants[t.ID] = &entry{snapshot: t}
			r.logger.Info("tenant added", "tenant_id", t.ID, "display_name", t.DisplayName)
			continue
		}

		e.mu.Lock()
		if e.dirty {
			// Keep unflushed local activity, take remote config.
			lastActed, counters := e.snapshot.LastActedAt, e.snapshot.Counters
			e.snapshot = t
			e.snapshot.LastActedAt = lastActed
			e.snapshot.Counters = counters
		} else {
			e.snapshot = t
		}
		e.mu.Unlock()
	}

	for id := range r.tenants {
		if !seen[id] {
			delete(r.tenants, id)
			r.logger.Info("tenant removed", "tenant_id", id)
		}
	}
	return nil
}

// ListActive returns copies of all active tenant snapshots.
func (r *Registry) ListActive() []model.Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Tenant, 0, len(r.tenants))
	for _, e := range r.tenants {
		e.mu.Lock()
		if e.snapshot.Active {
			out = append(out, e.snapshot)
		}
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns a copy of the tenant with the given id.
func (r *Registry) Snapshot(id uuid.UUID) (*model.Tenant, bool) {
	r.mu.RLock()
	e, ok := r.tenants[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.snapshot
	return &t, true
}

// RecordCompletion applies a completed work item's outcome to the tenant
// snapshot: last_acted_at moves forward and the daily counters accumulate,
// resetting first when the tenant-local day has rolled over. The snapshot
// is marked dirty for the next flush.
func (r *Registry) RecordCompletion(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	r.mu.RLock()
	e, ok := r.tenants[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown tenant %s", id)
	}

	e.mu.Lock()
	dayKey, err := clock.DayKey(&e.snapshot, outcome.ActedAt)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if e.snapshot.Counters.DayKey != dayKey {
		e.snapshot.Counters = model.DailyCounters{DayKey: dayKey}
	}
	e.snapshot.Counters.LLMCalls += outcome.LLMCalls
	if outcome.Published {
		e.snapshot.Counters.Posts++
	}
	// last_acted_at is strictly monotonic per tenant; the per-tenant
	// claim serializes completions, so a simple forward check suffices.
	if e.snapshot.LastActedAt == nil || outcome.ActedAt.After(*e.snapshot.LastActedAt) {
		acted := outcome.ActedAt
		e.snapshot.LastActedAt = &acted
	}
	e.dirty = true
	e.mu.Unlock()

	return nil
}

// Flush writes all dirty snapshots back to the repository. Entries that
// fail stay dirty and are retried on the next flush.
func (r *Registry) Flush(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tenants))
	for _, e := range r.tenants {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		id := e.snapshot.ID
		lastActed := e.snapshot.LastActedAt
		counters := e.snapshot.Counters
		e.mu.Unlock()

		if lastActed == nil {
			continue
		}
		if err := r.repo.UpdateTenantActivity(ctx, id, *lastActed, counters); err != nil {
			r.logger.Warn("tenant activity flush failed", "tenant_id", id, "error", err)
			continue
		}

		e.mu.Lock()
		e.dirty = false
		e.mu.Unlock()
	}
}

// CountersFor returns today's counters for the tenant, resetting the view
// (not the snapshot) when the day has rolled over. The scheduler uses this
// to evaluate daily-limit eligibility without mutating state.
func (r *Registry) CountersFor(tenant *model.Tenant, now time.Time) (model.DailyCounters, error) {
	dayKey, err := clock.DayKey(tenant, now)
	if err != nil {
		return model.DailyCounters{}, err
	}
	if tenant.Counters.DayKey != dayKey {
		return model.DailyCounters{DayKey: dayKey}, nil
	}
	return tenant.Counters, nil
}
