package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperxav/clara-engine/internal/bucket"
	"github.com/hyperxav/clara-engine/internal/cache"
	"github.com/hyperxav/clara-engine/internal/clock"
	"github.com/hyperxav/clara-engine/internal/config"
	"github.com/hyperxav/clara-engine/internal/driver"
	"github.com/hyperxav/clara-engine/internal/metrics"
	"github.com/hyperxav/clara-engine/internal/model"
	"github.com/hyperxav/clara-engine/internal/prompt"
	"github.com/hyperxav/clara-engine/internal/ratelimit"
	"github.com/hyperxav/clara-engine/internal/repository"
	"github.com/hyperxav/clara-engine/internal/validate"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a pipeline against in-memory collaborators. Sleeps advance
// the fake clock instead of blocking.
type harness struct {
	pipe    *Pipeline
	repo    *repository.Memory
	store   *bucket.MemoryStore
	clk     *clock.Fake
	llm     *driver.FakeLLM
	posting *driver.FakePosting
	cfg     *config.Config
	slept   []time.Duration
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := repository.NewMemory()
	store := bucket.NewMemoryStore(clk)
	logger := silentLogger()

	coord, err := ratelimit.New(store, cfg.Limits, logger)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}

	c, err := cache.New(cache.Config{
		Capacity:            cfg.Cache.Capacity,
		TTL:                 cfg.Cache.TTL,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		SweepInterval:       cfg.Cache.SweepInterval,
	}, driver.FakeEmbedder{}, clk, logger)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	validator, err := validate.Default(logger, cfg.Validator.PostMaxLen, []string{"banned"}, nil, cfg.Validator.SafetyThreshold)
	if err != nil {
		t.Fatalf("validate.Default: %v", err)
	}

	llm := &driver.FakeLLM{Responses: []string{"a fine generated post"}}
	posting := &driver.FakePosting{}

	pipe, err := New(Deps{
		Repo:      repo,
		Coord:     coord,
		Renderer:  prompt.NewRenderer(),
		Cache:     c,
		Validator: validator,
		LLM:       llm,
		Posting:   posting,
		Clock:     clk,
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:    logger,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &harness{pipe: pipe, repo: repo, store: store, clk: clk, llm: llm, posting: posting, cfg: cfg}
	pipe.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		clk.Advance(d)
		return nil
	}
	return h
}

func testTenant() *model.Tenant {
	return &model.Tenant{
		ID:            uuid.New(),
		DisplayName:   "acme",
		PersonaPrompt: "You are a cheerful gardening expert.",
		Timezone:      "UTC",
		PostingHours:  []int{12},
		Active:        true,
	}
}

func TestRunPublishes(t *testing.T) {
	h := newHarness(t, nil)
	tenant := testTenant()

	outcome, err := h.pipe.Run(context.Background(), tenant, "spring planting")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Disposition != Published {
		t.Fatalf("disposition = %s, want published", outcome.Disposition)
	}
	if outcome.LLMCalls != 1 {
		t.Errorf("LLMCalls = %d, want 1", outcome.LLMCalls)
	}
	if outcome.CacheHit {
		t.Error("first run should not hit the cache")
	}

	post, err := h.repo.GetPost(context.Background(), outcome.PostID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != model.StatusPublished {
		t.Errorf("record status = %s, want published", post.Status)
	}
	if post.Text != "a fine generated post" {
		t.Errorf("record text = %q", post.Text)
	}
	if post.ExternalID == "" || post.PublishedAt == nil {
		t.Errorf("published record missing external id or timestamp: %+v", post)
	}

	published := h.posting.Published()
	if len(published) != 1 || published[0] != "a fine generated post" {
		t.Errorf("posting backend saw %v", published)
	}
}

func TestRunCacheHitSkipsLLM(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.Responses = []string{"a fine generated post", "should never be used"}

	// Two tenants with the same persona and no history render the same
	// prompt, so the second run is served from the cache.
	first := testTenant()
	second := testTenant()

	if _, err := h.pipe.Run(context.Background(), first, "spring planting"); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	outcome, err := h.pipe.Run(context.Background(), second, "spring planting")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if outcome.Disposition != Published {
		t.Fatalf("disposition = %s, want published", outcome.Disposition)
	}
	if !outcome.CacheHit {
		t.Error("second run should be a cache hit")
	}
	if outcome.LLMCalls != 0 {
		t.Errorf("LLMCalls = %d, want 0 on a cache hit", outcome.LLMCalls)
	}
	if h.llm.Calls() != 1 {
		t.Errorf("driver saw %d calls, want 1", h.llm.Calls())
	}
}

func TestRunValidationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.Responses = []string{"this mentions a banned topic"}
	tenant := testTenant()

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Failed {
		t.Fatalf("disposition = %s, want failed", outcome.Disposition)
	}
	if outcome.FailureKind != model.KindValidation {
		t.Errorf("failure kind = %s, want validation", outcome.FailureKind)
	}

	post, _ := h.repo.GetPost(context.Background(), outcome.PostID)
	if post.Status != model.StatusFailed {
		t.Errorf("record status = %s, want failed", post.Status)
	}
	if post.Failure == nil || post.Failure.Kind != model.KindValidation {
		t.Errorf("record failure = %+v", post.Failure)
	}
	if len(h.posting.Published()) != 0 {
		t.Error("failed post must not be published")
	}
}

func TestRunDriverRateLimitDefers(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.Errs = []error{model.NewRateLimited("upstream throttled", 7*time.Second, nil)}
	tenant := testTenant()

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Deferred {
		t.Fatalf("disposition = %s, want deferred", outcome.Disposition)
	}
	if outcome.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want the driver's 7s hint", outcome.RetryAfter)
	}

	// The record is released back to pending, not failed.
	post, err := h.repo.GetPost(context.Background(), outcome.PostID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.Status != model.StatusPending {
		t.Errorf("record status = %s, want pending after deferral", post.Status)
	}

	// The pacing bucket was reseeded so the next admission waits the hint
	// out: 1 token/sec over 7s puts the balance at -6.
	remaining, ok, err := h.store.Remaining(context.Background(), bucket.LLMSecKey(tenant.ID))
	if err != nil || !ok {
		t.Fatalf("Remaining: %v ok=%v", err, ok)
	}
	if remaining != -6 {
		t.Errorf("pacing balance = %v, want -6", remaining)
	}
}

func TestRunRetriesTransientLLMFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.Errs = []error{model.NewError(model.KindTransient, "gateway timeout", nil)}
	h.llm.Responses = []string{"a fine generated post"}
	tenant := testTenant()

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Published {
		t.Fatalf("disposition = %s, want published after retry", outcome.Disposition)
	}
	if h.llm.Calls() != 2 {
		t.Errorf("driver saw %d calls, want 2", h.llm.Calls())
	}
	if len(h.slept) == 0 {
		t.Error("retry should back off before the second attempt")
	}
}

func TestRunNonRetryableLLMFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.Errs = []error{model.NewError(model.KindConfiguration, "model not found", nil)}
	tenant := testTenant()

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Failed {
		t.Fatalf("disposition = %s, want failed", outcome.Disposition)
	}
	if outcome.FailureKind != model.KindConfiguration {
		t.Errorf("failure kind = %s, want configuration", outcome.FailureKind)
	}
	if h.llm.Calls() != 1 {
		t.Errorf("driver saw %d calls, want 1 (no retry)", h.llm.Calls())
	}
}

func TestRunLLMAdmissionDeferral(t *testing.T) {
	h := newHarness(t, nil)
	tenant := testTenant()

	// Drain the tenant's pacing bucket so admission rejects up front.
	if _, err := h.store.Consume(context.Background(), bucket.LLMSecKey(tenant.ID), 1, 1, 1, time.Hour); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Deferred {
		t.Fatalf("disposition = %s, want deferred", outcome.Disposition)
	}
	if outcome.PostID != uuid.Nil {
		t.Error("pre-admission deferral must not create a record")
	}
	if outcome.RetryAfter < time.Second {
		t.Errorf("RetryAfter = %v, want at least the 1s floor", outcome.RetryAfter)
	}
	if h.llm.Calls() != 0 {
		t.Errorf("driver saw %d calls, want 0", h.llm.Calls())
	}
}

func TestRunPublishQuotaParkingExhausts(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Posting.ParkMax = 10 * time.Second
	})
	tenant := testTenant()

	// Use up today's post budget so AdmitPublish keeps rejecting.
	if _, err := h.store.Consume(context.Background(), bucket.PostDayKey(tenant.ID),
		h.cfg.Limits.ClientDailyPosts, h.cfg.Limits.ClientDailyPosts, 0, time.Hour); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Failed {
		t.Fatalf("disposition = %s, want failed after parking", outcome.Disposition)
	}
	if outcome.FailureKind != model.KindQuota {
		t.Errorf("failure kind = %s, want quota", outcome.FailureKind)
	}

	post, _ := h.repo.GetPost(context.Background(), outcome.PostID)
	if post.Status != model.StatusFailed {
		t.Errorf("record status = %s, want failed", post.Status)
	}
	if len(h.posting.Published()) != 0 {
		t.Error("parked post must not reach the backend")
	}
}

func TestRunRetriesTransientPublishFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.posting.Errs = []error{model.NewError(model.KindTransient, "connection reset", nil)}
	tenant := testTenant()

	outcome, err := h.pipe.Run(context.Background(), tenant, "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Published {
		t.Fatalf("disposition = %s, want published after publish retry", outcome.Disposition)
	}
	if published := h.posting.Published(); len(published) != 1 {
		t.Errorf("backend saw %d publishes, want exactly 1", len(published))
	}
}

func TestRunKnowledgeFailureIsBestEffort(t *testing.T) {
	h := newHarness(t, nil)
	h.pipe.knowledge = failingKnowledge{}
	tenant := testTenant()
	tenant.KnowledgeHandle = "gardening"

	outcome, err := h.pipe.Run(context.Background(), tenant, "spring planting")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Disposition != Published {
		t.Errorf("disposition = %s, want published despite knowledge failure", outcome.Disposition)
	}
}

type failingKnowledge struct{}

func (failingKnowledge) Search(context.Context, string, string, int) ([]string, error) {
	return nil, errors.New("vector store unreachable")
}

func TestBackoff(t *testing.T) {
	if got := backoff(1); got != 2*time.Second {
		t.Errorf("backoff(1) = %v, want 2s", got)
	}
	if got := backoff(2); got != 4*time.Second {
		t.Errorf("backoff(2) = %v, want 4s", got)
	}
	if got := backoff(10); got != maxBackoff {
		t.Errorf("backoff(10) = %v, want capped at %v", got, maxBackoff)
	}
}

func TestJoinLines(t *testing.T) {
	if got := joinLines(nil); got != "(none)" {
		t.Errorf("joinLines(nil) = %q", got)
	}
	if got := joinLines([]string{"a", "b"}); got != "- a\n- b" {
		t.Errorf("joinLines = %q", got)
	}
}
