package bucket

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/clock"
)

func TestConsumeNewBucketStartsFull(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)

	d, err := store.Consume(context.Background(), "k", 1, 10, 1, time.Hour)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !d.OK {
		t.Error("fresh bucket should admit")
	}
	if d.Remaining != 9 {
		t.Errorf("Remaining = %v, want 9", d.Remaining)
	}
	if d.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 on admit", d.RetryAfter)
	}
}

func TestConsumeRejectsWhenEmpty(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	// Drain a capacity-2 bucket refilling at 0.5 tokens/sec.
	for i := 0; i < 2; i++ {
		if d, _ := store.Consume(ctx, "k", 1, 2, 0.5, time.Hour); !d.OK {
			t.Fatalf("consume %d should admit", i)
		}
	}

	d, err := store.Consume(ctx, "k", 1, 2, 0.5, time.Hour)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if d.OK {
		t.Fatal("empty bucket should reject")
	}
	// One missing token at 0.5/sec is 2 seconds away.
	if d.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", d.RetryAfter)
	}
}

func TestConsumeRefillsOverTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if d, _ := store.Consume(ctx, "k", 2, 2, 1, time.Hour); !d.OK {
		t.Fatal("initial drain should admit")
	}
	if d, _ := store.Consume(ctx, "k", 1, 2, 1, time.Hour); d.OK {
		t.Fatal("drained bucket should reject")
	}

	clk.Advance(1500 * time.Millisecond)

	d, err := store.Consume(ctx, "k", 1, 2, 1, time.Hour)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !d.OK {
		t.Fatal("bucket should have refilled 1.5 tokens")
	}
	if d.Remaining != 0.5 {
		t.Errorf("Remaining = %v, want 0.5", d.Remaining)
	}
}

func TestConsumeRefillCapsAtCapacity(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if _, err := store.Consume(ctx, "k", 1, 3, 1, time.Hour); err != nil {
		t.Fatal(err)
	}

	// Far more time than needed to refill; balance must not exceed capacity.
	clk.Advance(time.Hour)

	d, err := store.Consume(ctx, "k", 1, 3, 1, time.Hour)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if d.Remaining != 2 {
		t.Errorf("Remaining = %v, want 2 (capacity 3 minus cost)", d.Remaining)
	}
}

func TestConsumeZeroRateRetryAfter(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if d, _ := store.Consume(ctx, "k", 1, 1, 0, time.Hour); !d.OK {
		t.Fatal("first consume should admit")
	}

	d, err := store.Consume(ctx, "k", 1, 1, 0, time.Hour)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if d.OK {
		t.Fatal("zero-rate empty bucket should reject")
	}
	if d.RetryAfter != 24*time.Hour {
		t.Errorf("RetryAfter = %v, want the 24h fallback for zero-rate buckets", d.RetryAfter)
	}
}

func TestConsumeTTLExpiryResets(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if _, err := store.Consume(ctx, "k", 5, 5, 0, time.Minute); err != nil {
		t.Fatal(err)
	}
	if d, _ := store.Consume(ctx, "k", 1, 5, 0, time.Minute); d.OK {
		t.Fatal("drained bucket should reject before expiry")
	}

	clk.Advance(2 * time.Minute)

	d, err := store.Consume(ctx, "k", 1, 5, 0, time.Minute)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !d.OK {
		t.Error("expired bucket should reset to full capacity")
	}
	if d.Remaining != 4 {
		t.Errorf("Remaining = %v, want 4", d.Remaining)
	}
}

func TestRefund(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if _, err := store.Consume(ctx, "k", 3, 5, 0, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.Refund(ctx, "k", 2, 5); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	got, ok, err := store.Remaining(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Remaining: %v ok=%v", err, ok)
	}
	if got != 4 {
		t.Errorf("balance = %v, want 4 after refund", got)
	}

	// A refund never pushes the balance past capacity.
	if err := store.Refund(ctx, "k", 10, 5); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	got, _, _ = store.Remaining(ctx, "k")
	if got != 5 {
		t.Errorf("balance = %v, want capped at capacity 5", got)
	}

	// Refunding a missing key is a no-op, not an error.
	if err := store.Refund(ctx, "missing", 1, 5); err != nil {
		t.Errorf("Refund on missing key: %v", err)
	}
}

func TestPenalize(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if _, err := store.Consume(ctx, "k", 1, 10, 0, time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := store.Penalize(ctx, "k", 2); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	got, _, _ := store.Remaining(ctx, "k")
	if got != 2 {
		t.Errorf("balance = %v, want lowered to 2", got)
	}

	// The balance only moves down; a higher target is ignored.
	if err := store.Penalize(ctx, "k", 8); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	got, _, _ = store.Remaining(ctx, "k")
	if got != 2 {
		t.Errorf("balance = %v, want unchanged 2", got)
	}

	// Penalizing a missing key seeds it at the target.
	if err := store.Penalize(ctx, "fresh", -1.5); err != nil {
		t.Fatalf("Penalize: %v", err)
	}
	got, ok, _ := store.Remaining(ctx, "fresh")
	if !ok || got != -1.5 {
		t.Errorf("seeded balance = %v ok=%v, want -1.5", got, ok)
	}
}

func TestRemainingMissingKey(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store := NewMemoryStore(clk)

	_, ok, err := store.Remaining(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if ok {
		t.Error("missing key should report ok=false")
	}
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	if got := LLMSecKey(id); got != "llm:sec:11111111-2222-3333-4444-555555555555" {
		t.Errorf("LLMSecKey = %q", got)
	}
	if got := LLMDayKey(id); got != "llm:day:11111111-2222-3333-4444-555555555555" {
		t.Errorf("LLMDayKey = %q", got)
	}
	if got := PostDayKey(id); got != "post:day:11111111-2222-3333-4444-555555555555" {
		t.Errorf("PostDayKey = %q", got)
	}
	if GlobalLLMDayKey != "llm:day:global" {
		t.Errorf("GlobalLLMDayKey = %q", GlobalLLMDayKey)
	}
}
