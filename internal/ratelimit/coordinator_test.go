package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/bucket"
	"github.com/hyperxav/clara-engine/internal/config"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// op records one store call for order assertions.
type op struct {
	name string
	key  string
}

// scriptedStore replays canned decisions per key and records every call.
type scriptedStore struct {
	decisions map[string]bucket.Decision
	errs      map[string]error
	penalized map[string]float64
	ops       []op
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{
		decisions: make(map[string]bucket.Decision),
		errs:      make(map[string]error),
		penalized: make(map[string]float64),
	}
}

func (s *scriptedStore) Consume(_ context.Context, key string, _ int, _ int, _ float64, _ time.Duration) (bucket.Decision, error) {
	s.ops = append(s.ops, op{"consume", key})
	if err := s.errs[key]; err != nil {
		return bucket.Decision{}, err
	}
	if d, ok := s.decisions[key]; ok {
		return d, nil
	}
	return bucket.Decision{OK: true, Remaining: 1}, nil
}

func (s *scriptedStore) Refund(_ context.Context, key string, _ int, _ int) error {
	s.ops = append(s.ops, op{"refund", key})
	return nil
}

func (s *scriptedStore) Penalize(_ context.Context, key string, target float64) error {
	s.ops = append(s.ops, op{"penalize", key})
	s.penalized[key] = target
	return nil
}

func (s *scriptedStore) Remaining(_ context.Context, key string) (float64, bool, error) {
	s.ops = append(s.ops, op{"remaining", key})
	if d, ok := s.decisions[key]; ok {
		return d.Remaining, true, nil
	}
	return 0, false, nil
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		GlobalDailyLLM:   1000,
		ClientDailyLLM:   100,
		ClientLLMPerSec:  1,
		ClientDailyPosts: 10,
	}
}

func testCoordinator(t *testing.T, store bucket.Store) *Coordinator {
	t.Helper()
	c, err := New(store, testLimits(), silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAdmitLLMConsumesCoarsestFirst(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	res := c.AdmitLLM(context.Background(), id)
	if !res.Admit {
		t.Fatalf("expected admit, got %+v", res)
	}

	want := []string{bucket.GlobalLLMDayKey, bucket.LLMDayKey(id), bucket.LLMSecKey(id)}
	if len(store.ops) != len(want) {
		t.Fatalf("store saw %d ops, want %d: %v", len(store.ops), len(want), store.ops)
	}
	for i, key := range want {
		if store.ops[i].name != "consume" || store.ops[i].key != key {
			t.Errorf("op %d = %+v, want consume %s", i, store.ops[i], key)
		}
	}
}

func TestAdmitLLMRefundsOnRejection(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	// The finest bucket rejects; the two coarser consumes must be refunded.
	store.decisions[bucket.LLMSecKey(id)] = bucket.Decision{OK: false, RetryAfter: 3 * time.Second}

	res := c.AdmitLLM(context.Background(), id)
	if res.Admit {
		t.Fatal("expected deferral")
	}
	if res.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want the rejecting bucket's 3s", res.RetryAfter)
	}

	want := []op{
		{"consume", bucket.GlobalLLMDayKey},
		{"consume", bucket.LLMDayKey(id)},
		{"consume", bucket.LLMSecKey(id)},
		{"refund", bucket.GlobalLLMDayKey},
		{"refund", bucket.LLMDayKey(id)},
	}
	if len(store.ops) != len(want) {
		t.Fatalf("store saw %v, want %v", store.ops, want)
	}
	for i := range want {
		if store.ops[i] != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, store.ops[i], want[i])
		}
	}
}

func TestAdmitLLMMinimumDeferral(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	store.decisions[bucket.GlobalLLMDayKey] = bucket.Decision{OK: false, RetryAfter: 10 * time.Millisecond}

	res := c.AdmitLLM(context.Background(), id)
	if res.Admit {
		t.Fatal("expected deferral")
	}
	if res.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want clamped to at least 1s", res.RetryAfter)
	}
}

func TestAdmitLLMStoreErrorDefers(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	store.errs[bucket.LLMDayKey(id)] = errors.New("connection refused")

	res := c.AdmitLLM(context.Background(), id)
	if res.Admit {
		t.Fatal("store failure must not admit")
	}
	if res.RetryAfter != DefaultBackoff {
		t.Errorf("RetryAfter = %v, want default backoff %v", res.RetryAfter, DefaultBackoff)
	}

	// The global consume that succeeded before the failure is refunded.
	last := store.ops[len(store.ops)-1]
	if last.name != "refund" || last.key != bucket.GlobalLLMDayKey {
		t.Errorf("last op = %+v, want refund of the global bucket", last)
	}
}

func TestAdmitLLMSkipsGlobalWhenUnlimited(t *testing.T) {
	store := newScriptedStore()
	limits := testLimits()
	limits.GlobalDailyLLM = 0
	c, err := New(store, limits, silentLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.AdmitLLM(context.Background(), uuid.New())
	for _, o := range store.ops {
		if o.key == bucket.GlobalLLMDayKey {
			t.Errorf("global bucket consumed despite zero limit: %v", store.ops)
		}
	}
}

func TestAdmitPublish(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	res := c.AdmitPublish(context.Background(), id)
	if !res.Admit {
		t.Fatalf("expected admit, got %+v", res)
	}
	if len(store.ops) != 1 || store.ops[0].key != bucket.PostDayKey(id) {
		t.Errorf("ops = %v, want single consume of the post bucket", store.ops)
	}
}

func TestReseedLLM(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	c.ReseedLLM(context.Background(), id, 5*time.Second)

	// rate = 1 token/sec, so target = 1 - 5*1 = -4: the next admission
	// waits out the upstream hint.
	got, ok := store.penalized[bucket.LLMSecKey(id)]
	if !ok {
		t.Fatal("pacing bucket was not penalized")
	}
	if got != -4 {
		t.Errorf("penalize target = %v, want -4", got)
	}
}

func TestRemainingByKey(t *testing.T) {
	store := newScriptedStore()
	c := testCoordinator(t, store)
	id := uuid.New()

	store.decisions[bucket.GlobalLLMDayKey] = bucket.Decision{Remaining: 900}
	store.decisions[bucket.PostDayKey(id)] = bucket.Decision{Remaining: 7}

	got := c.RemainingByKey(context.Background(), []uuid.UUID{id})
	if len(got) != 2 {
		t.Fatalf("RemainingByKey = %v, want two known buckets", got)
	}
	if got[bucket.GlobalLLMDayKey] != 900 {
		t.Errorf("global remaining = %v, want 900", got[bucket.GlobalLLMDayKey])
	}
	if got[bucket.PostDayKey(id)] != 7 {
		t.Errorf("post remaining = %v, want 7", got[bucket.PostDayKey(id)])
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, testLimits(), silentLogger()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(newScriptedStore(), testLimits(), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}
