// Package bucket implements the shared token-bucket counter store. A bucket
// is a (tokens, last_refill) pair held in the counter store; refill is
// continuous at a fixed rate up to capacity. The single Consume operation is
// atomic: on Redis it is evaluated server-side by a Lua script, and the
// in-memory implementation mirrors the same math under a mutex.
package bucket

import (
	"context"
	"time"

	"github.com/hyperxav/clara-engine/internal/model"
)

// Decision is the result of a Consume call.
type Decision struct {
	// OK reports whether the bucket held at least cost tokens after refill.
	OK bool

	// Remaining is the token balance after the (possibly rejected) consume.
	Remaining float64

	// RetryAfter is how long until the bucket will hold cost tokens.
	// Zero when OK. A rejected consume against a zero-rate bucket reports
	// the bucket's full refill interval instead of blocking forever.
	RetryAfter time.Duration
}

// Store is the counter store interface consumed by the rate-limit
// coordinator. Implementations must make Consume atomic with respect to
// concurrent callers on the same key.
type Store interface {
	// Consume refills the bucket at key to now, then attempts to take
	// cost tokens. capacity bounds the bucket, refillPerSec is the
	// continuous refill rate, and ttl bounds the key's lifetime in the
	// store so expired buckets self-reclaim.
	Consume(ctx context.Context, key string, cost int, capacity int, refillPerSec float64, ttl time.Duration) (Decision, error)

	// Refund re-adds n tokens to the bucket at key, capped at capacity.
	// Best-effort: correctness does not depend on it, but it reduces
	// false starvation when a composed admission partially fails.
	Refund(ctx context.Context, key string, n int, capacity int) error

	// Penalize lowers the bucket at key to at most target tokens,
	// honouring an upstream retry-after hint. The balance only moves
	// down; a lower concurrent balance is preserved.
	Penalize(ctx context.Context, key string, target float64) error

	// Remaining reports the current token balance for key without
	// consuming. The second result is false when the key does not exist.
	Remaining(ctx context.Context, key string) (float64, bool, error)
}

// unavailable wraps a store transport failure as a transient error so
// callers defer rather than fail the job.
func unavailable(op string, err error) error {
	return model.NewError(model.KindTransient, "counter store unavailable during "+op, err)
}
