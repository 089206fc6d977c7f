package bucket

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperxav/clara-engine/internal/clock"
)

//go:embed token_bucket.lua
var consumeScript string

//go:embed refund.lua
var refundScript string

//go:embed penalize.lua
var penalizeScript string

// RedisStore is the production counter store. Bucket state lives in Redis
// hashes and all consume math runs server-side, so concurrent workers on
// any number of engine replicas observe one shared balance per key.
type RedisStore struct {
	client      *redis.Client
	consumeSHA  string
	refundSHA   string
	penalizeSHA string
	clk         clock.Clock
}

// NewRedisStore pings the server and preloads the bucket scripts.
func NewRedisStore(ctx context.Context, client *redis.Client, clk clock.Clock) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("bucket: redis client must not be nil")
	}
	if clk == nil {
		return nil, fmt.Errorf("bucket: clock must not be nil")
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bucket: pinging redis: %w", err)
	}

	consumeSHA, err := client.ScriptLoad(ctx, consumeScript).Result()
	if err != nil {
		return nil, fmt.Errorf("bucket: loading consume script: %w", err)
	}
	refundSHA, err := client.ScriptLoad(ctx, refundScript).Result()
	if err != nil {
		return nil, fmt.Errorf("bucket: loading refund script: %w", err)
	}
	penalizeSHA, err := client.ScriptLoad(ctx, penalizeScript).Result()
	if err != nil {
		return nil, fmt.Errorf("bucket: loading penalize script: %w", err)
	}

	return &RedisStore{
		client:      client,
		consumeSHA:  consumeSHA,
		refundSHA:   refundSHA,
		penalizeSHA: penalizeSHA,
		clk:         clk,
	}, nil
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, key string, cost int, capacity int, refillPerSec float64, ttl time.Duration) (Decision, error) {
	now := float64(s.clk.Now().UnixMicro()) / 1e6

	cmd := s.client.EvalSha(ctx, s.consumeSHA, []string{key},
		cost,
		capacity,
		refillPerSec,
		int(ttl/time.Second),
		now,
	)
	result, err := cmd.Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		// Script cache was flushed (e.g. Redis restart); re-eval inline.
		result, err = s.client.Eval(ctx, consumeScript, []string{key},
			cost, capacity, refillPerSec, int(ttl/time.Second), now).Result()
	}
	if err != nil {
		return Decision{}, unavailable("consume", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, unavailable("consume", fmt.Errorf("unexpected script reply %v", result))
	}

	allowed, _ := values[0].(int64)
	remaining := toFloat(values[1])
	retryAfter := toFloat(values[2])

	return Decision{
		OK:         allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}

// Refund implements Store.
func (s *RedisStore) Refund(ctx context.Context, key string, n int, capacity int) error {
	err := s.client.EvalSha(ctx, s.refundSHA, []string{key}, n, capacity).Err()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		err = s.client.Eval(ctx, refundScript, []string{key}, n, capacity).Err()
	}
	if err != nil {
		return unavailable("refund", err)
	}
	return nil
}

// Penalize implements Store.
func (s *RedisStore) Penalize(ctx context.Context, key string, target float64) error {
	now := float64(s.clk.Now().UnixMicro()) / 1e6
	err := s.client.EvalSha(ctx, s.penalizeSHA, []string{key}, target, now).Err()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		err = s.client.Eval(ctx, penalizeScript, []string{key}, target, now).Err()
	}
	if err != nil {
		return unavailable("penalize", err)
	}
	return nil
}

// Remaining implements Store. The reported balance is the stored value and
// does not account for refill since the last consume.
func (s *RedisStore) Remaining(ctx context.Context, key string) (float64, bool, error) {
	val, err := s.client.HGet(ctx, key, "tokens").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("remaining", err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, unavailable("remaining", fmt.Errorf("parsing token balance %q: %w", val, err))
	}
	return f, true, nil
}

// toFloat converts a Lua script reply value to float64. Redis returns Lua
// numbers as integers and our scripts return fractional values as strings.
func toFloat(val interface{}) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
