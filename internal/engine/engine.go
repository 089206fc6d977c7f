// Package engine runs the worker pool and owns process lifecycle: it loads
// the tenant registry, starts the scheduler and background loops, fans work
// items out to a bounded set of workers, and drives the two-phase graceful
// shutdown (drain, then abort).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/bucket"
	"github.com/hyperxav/clara-engine/internal/cache"
	"github.com/hyperxav/clara-engine/internal/clock"
	"github.com/hyperxav/clara-engine/internal/config"
	"github.com/hyperxav/clara-engine/internal/health"
	"github.com/hyperxav/clara-engine/internal/metrics"
	"github.com/hyperxav/clara-engine/internal/model"
	"github.com/hyperxav/clara-engine/internal/pipeline"
	"github.com/hyperxav/clara-engine/internal/ratelimit"
	"github.com/hyperxav/clara-engine/internal/registry"
	"github.com/hyperxav/clara-engine/internal/repository"
	"github.com/hyperxav/clara-engine/internal/scheduler"
)

const (
	// maxWorkers caps the auto-sized worker pool.
	maxWorkers = 32

	// heartbeatInterval is how often the engine loop refreshes liveness
	// and the health snapshot.
	heartbeatInterval = 10 * time.Second
)

// Engine wires the subsystems together and runs them.
type Engine struct {
	cfg    *config.Config
	reg    *registry.Registry
	sched  *scheduler.Scheduler
	pipe   *pipeline.Pipeline
	coord  *ratelimit.Coordinator
	repo   repository.Repository
	store  bucket.Store
	cache  *cache.Cache
	clk    clock.Clock
	health *health.Handler
	m      *metrics.Metrics
	logger *slog.Logger
}

// Deps carries the engine's collaborators.
type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Pipeline  *pipeline.Pipeline
	Coord     *ratelimit.Coordinator
	Repo      repository.Repository
	Store     bucket.Store
	Cache     *cache.Cache
	Clock     clock.Clock
	Health    *health.Handler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates an Engine.
func New(deps Deps, cfg *config.Config) (*Engine, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine: registry must not be nil")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("engine: scheduler must not be nil")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("engine: pipeline must not be nil")
	}
	if deps.Coord == nil {
		return nil, fmt.Errorf("engine: coordinator must not be nil")
	}
	if deps.Repo == nil {
		return nil, fmt.Errorf("engine: repository must not be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: bucket store must not be nil")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("engine: cache must not be nil")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("engine: clock must not be nil")
	}
	if deps.Health == nil {
		return nil, fmt.Errorf("engine: health handler must not be nil")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("engine: metrics must not be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("engine: logger must not be nil")
	}
	return &Engine{
		cfg:    cfg,
		reg:    deps.Registry,
		sched:  deps.Scheduler,
		pipe:   deps.Pipeline,
		coord:  deps.Coord,
		repo:   deps.Repo,
		store:  deps.Store,
		cache:  deps.Cache,
		clk:    deps.Clock,
		health: deps.Health,
		m:      deps.Metrics,
		logger: deps.Logger,
	}, nil
}

// WorkerCount resolves the pool size: the configured value, or
// min(32, 2 x active tenants) when zero, never less than one.
func WorkerCount(configured, activeTenants int) int {
	if configured > 0 {
		return configured
	}
	n := 2 * activeTenants
	if n > maxWorkers {
		n = maxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run starts the engine and blocks until ctx is cancelled and shutdown has
// completed. A registry load failure or a worker-reported fatal error ends
// the run with an error.
func (e *Engine) Run(ctx context.Context) error {
	e.health.SetState(health.StateStarting)

	if err := e.reg.Load(ctx); err != nil {
		return err
	}

	// Job contexts hang off the process, not the signal context, so
	// in-flight work survives the drain phase.
	jobCtx, abort := context.WithCancel(context.Background())
	defer abort()

	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()

	e.reg.Start(schedCtx)
	e.cache.Start(schedCtx)

	workers := WorkerCount(e.cfg.Engine.Workers, len(e.reg.ListActive()))
	e.m.WorkersTotal.Set(float64(workers))

	// Unbuffered: the scheduler blocks until a worker is free, so claims
	// are only taken for work that starts promptly.
	jobs := make(chan scheduler.Item)

	var wg sync.WaitGroup
	fatal := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(jobCtx, jobs, fatal)
		}()
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		e.sched.Run(schedCtx, jobs)
	}()

	e.health.SetState(health.StateRunning)
	e.refreshHealth(jobCtx)
	e.logger.Info("engine running", "workers", workers, "active_tenants", len(e.reg.ListActive()))

	var runErr error
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-fatal:
			e.logger.Error("fatal error, aborting", "error", err)
			runErr = err
			break loop
		case <-heartbeat.C:
			e.health.UpdateHeartbeat()
			e.refreshHealth(jobCtx)
		}
	}

	// Phase one: drain. Stop producing, let in-flight jobs finish.
	e.health.SetState(health.StateDraining)
	e.logger.Info("draining", "grace", e.cfg.Engine.ShutdownGrace)
	stopSched()
	<-schedDone
	close(jobs)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		wg.Wait()
	}()

	select {
	case <-drained:
		e.logger.Info("all workers drained")
	case <-time.After(e.cfg.Engine.ShutdownGrace):
		// Phase two: abort. Cancel remaining jobs; their records stay
		// in whatever state they last attained.
		e.logger.Warn("shutdown grace expired, aborting in-flight jobs")
		abort()
		<-drained
	}

	e.reg.Stop(context.Background())
	e.cache.Stop()
	e.health.SetState(health.StateStopped)
	e.logger.Info("engine stopped")
	return runErr
}

// worker consumes items until the channel closes, running the pipeline for
// each and applying the outcome: claims are released, deferrals reschedule
// the tenant, completions update the registry.
func (e *Engine) worker(ctx context.Context, jobs <-chan scheduler.Item, fatal chan<- error) {
	for item := range jobs {
		e.m.WorkersBusy.Inc()
		e.runItem(ctx, item, fatal)
		e.m.WorkersBusy.Dec()
	}
}

func (e *Engine) runItem(ctx context.Context, item scheduler.Item, fatal chan<- error) {
	tenant := item.Tenant
	defer e.sched.Release(tenant.ID)

	// The tenant's persona drives the topic, as there is no separate
	// topic feed.
	outcome, err := e.pipe.Run(ctx, &tenant, tenant.PersonaPrompt)
	if err != nil {
		e.health.RecordError("pipeline", err)
		if model.KindOf(err) == model.KindFatal {
			select {
			case fatal <- err:
			default:
			}
			return
		}
		e.logger.Error("work item failed without record", "tenant_id", tenant.ID, "error", err)
		return
	}
	e.health.RecordError("pipeline", nil)

	switch outcome.Disposition {
	case pipeline.Deferred:
		e.m.JobsTotal.WithLabelValues(outcome.Disposition.String()).Inc()
		e.sched.Defer(tenant.ID, outcome.RetryAfter)
	case pipeline.Published, pipeline.Failed:
		acted := e.clk.Now()
		if err := e.reg.RecordCompletion(ctx, tenant.ID, registry.Outcome{
			LLMCalls:  outcome.LLMCalls,
			Published: outcome.Disposition == pipeline.Published,
			ActedAt:   acted,
		}); err != nil {
			e.logger.Warn("recording completion failed", "tenant_id", tenant.ID, "error", err)
		}
	}
}

// refreshHealth updates the health snapshot: store reachability, active
// tenant count, and per-bucket balances.
func (e *Engine) refreshHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	repoErr := e.repo.Ping(pingCtx)
	e.health.SetRepositoryReachable(repoErr == nil)
	e.health.RecordError("repository", repoErr)

	active := e.reg.ListActive()
	e.health.SetActiveTenants(len(active))
	e.m.ActiveTenants.Set(float64(len(active)))

	ids := make([]uuid.UUID, 0, len(active))
	for _, t := range active {
		ids = append(ids, t.ID)
	}
	_, _, storeErr := e.store.Remaining(pingCtx, bucket.GlobalLLMDayKey)
	e.health.SetStoreReachable(storeErr == nil)
	e.health.RecordError("counter_store", storeErr)

	remaining := e.coord.RemainingByKey(pingCtx, ids)
	e.health.SetBucketRemaining(remaining)
	for key, value := range remaining {
		e.m.BucketRemaining.WithLabelValues(key).Set(value)
	}

	e.m.CacheEntries.Set(float64(e.cache.Len()))
}
