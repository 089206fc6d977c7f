// Package ratelimit composes individual token buckets into admission
// decisions. Each decision site consumes a fixed-order vector of buckets
// (coarsest to finest); when any bucket rejects, tokens already consumed are
// refunded best-effort and the caller is told how long to defer.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/bucket"
	"github.com/hyperxav/clara-engine/internal/config"
)

const (
	// dailyTTL keeps daily buckets around long enough to cover the whole
	// day plus clock skew before the store reclaims them.
	dailyTTL = 48 * time.Hour

	// pacingTTL bounds the lifetime of per-second pacing buckets.
	pacingTTL = time.Hour

	// secondsPerDay converts daily capacities into refill rates.
	secondsPerDay = 86400.0

	// DefaultBackoff is the defer applied when the counter store is
	// unreachable or times out.
	DefaultBackoff = 5 * time.Second
)

// Result is an admission decision: either admit, or defer for RetryAfter.
type Result struct {
	Admit      bool
	RetryAfter time.Duration
}

// admit is the successful Result.
var admit = Result{Admit: true}

// deferFor builds a deferred Result, clamping to a minimum so callers never
// spin on a zero wait.
func deferFor(d time.Duration) Result {
	if d < time.Second {
		d = time.Second
	}
	return Result{RetryAfter: d}
}

// step is one bucket in an admission vector.
type step struct {
	key          string
	capacity     int
	refillPerSec float64
	ttl          time.Duration
}

// Coordinator issues composite admission decisions against the counter store.
type Coordinator struct {
	store  bucket.Store
	limits config.LimitsConfig
	logger *slog.Logger
}

// New creates a Coordinator.
func New(store bucket.Store, limits config.LimitsConfig, logger *slog.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("ratelimit: logger must not be nil")
	}
	return &Coordinator{store: store, limits: limits, logger: logger}, nil
}

// AdmitLLM decides whether tenantID may make one LLM call now. The vector
// is global day, tenant day, tenant second.
func (c *Coordinator) AdmitLLM(ctx context.Context, tenantID uuid.UUID) Result {
	steps := make([]step, 0, 3)
	if c.limits.GlobalDailyLLM > 0 {
		steps = append(steps, step{
			key:          bucket.GlobalLLMDayKey,
			capacity:     c.limits.GlobalDailyLLM,
			refillPerSec: float64(c.limits.GlobalDailyLLM) / secondsPerDay,
			ttl:          dailyTTL,
		})
	}
	steps = append(steps,
		step{
			key:          bucket.LLMDayKey(tenantID),
			capacity:     c.limits.ClientDailyLLM,
			refillPerSec: float64(c.limits.ClientDailyLLM) / secondsPerDay,
			ttl:          dailyTTL,
		},
		step{
			key:          bucket.LLMSecKey(tenantID),
			capacity:     c.limits.ClientLLMPerSec,
			refillPerSec: float64(c.limits.ClientLLMPerSec),
			ttl:          pacingTTL,
		},
	)
	return c.consumeAll(ctx, steps)
}

// AdmitPublish decides whether tenantID may publish one post now.
func (c *Coordinator) AdmitPublish(ctx context.Context, tenantID uuid.UUID) Result {
	return c.consumeAll(ctx, []step{{
		key:          bucket.PostDayKey(tenantID),
		capacity:     c.limits.ClientDailyPosts,
		refillPerSec: float64(c.limits.ClientDailyPosts) / secondsPerDay,
		ttl:          dailyTTL,
	}})
}

// ReseedLLM pushes the tenant's per-second pacing bucket down so the next
// admission waits at least retryAfter, honouring a driver rate-limit hint.
func (c *Coordinator) ReseedLLM(ctx context.Context, tenantID uuid.UUID, retryAfter time.Duration) {
	rate := float64(c.limits.ClientLLMPerSec)
	target := 1 - retryAfter.Seconds()*rate
	if err := c.store.Penalize(ctx, bucket.LLMSecKey(tenantID), target); err != nil {
		c.logger.Warn("failed to reseed pacing bucket",
			"tenant_id", tenantID,
			"retry_after", retryAfter,
			"error", err,
		)
	}
}

// consumeAll takes one token from every step in order. On the first
// rejection it refunds the steps already consumed and reports the
// rejecting bucket's retry-after. Store failures map to the default
// backoff rather than an error: quota state is unknowable while the store
// is down, so the job defers.
func (c *Coordinator) consumeAll(ctx context.Context, steps []step) Result {
	for i, st := range steps {
		decision, err := c.store.Consume(ctx, st.key, 1, st.capacity, st.refillPerSec, st.ttl)
		if err != nil {
			c.logger.Warn("counter store error during admission",
				"key", st.key,
				"error", err,
			)
			c.refund(ctx, steps[:i])
			return deferFor(DefaultBackoff)
		}
		if !decision.OK {
			c.logger.Debug("admission rejected",
				"key", st.key,
				"remaining", decision.Remaining,
				"retry_after", decision.RetryAfter,
			)
			c.refund(ctx, steps[:i])
			return deferFor(decision.RetryAfter)
		}
	}
	return admit
}

// refund re-adds one token to each consumed step. Best-effort.
func (c *Coordinator) refund(ctx context.Context, consumed []step) {
	for _, st := range consumed {
		if err := c.store.Refund(ctx, st.key, 1, st.capacity); err != nil {
			c.logger.Warn("failed to refund bucket", "key", st.key, "error", err)
		}
	}
}

// RemainingByKey reports the current balance of the engine-level and
// per-tenant buckets for the health surface. Missing buckets (never
// consumed or expired) are omitted.
func (c *Coordinator) RemainingByKey(ctx context.Context, tenantIDs []uuid.UUID) map[string]float64 {
	keys := []string{bucket.GlobalLLMDayKey}
	for _, id := range tenantIDs {
		keys = append(keys, bucket.LLMDayKey(id), bucket.LLMSecKey(id), bucket.PostDayKey(id))
	}

	out := make(map[string]float64)
	for _, key := range keys {
		remaining, ok, err := c.store.Remaining(ctx, key)
		if err != nil || !ok {
			continue
		}
		out[key] = remaining
	}
	return out
}
