// Package pipeline orchestrates one generation-and-publish cycle for one
// tenant: admission, context retrieval, prompt rendering, cache-mediated LLM
// completion, validation, publish admission with parking, and the posting
// call, moving the post record through its state machine as each step
// completes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

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

const (
	// maxAttempts bounds retries of transient driver failures.
	maxAttempts = 3

	// maxBackoff caps the exponential retry delay.
	maxBackoff = 30 * time.Second

	// recentPostsForPrompt is how many recent texts the render receives.
	recentPostsForPrompt = 5
)

// Disposition says what happened to a work item.
type Disposition int

const (
	// Published means the post reached the published state.
	Published Disposition = iota
	// Failed means the post record ended in the failed state.
	Failed
	// Deferred means no quota was available; the record stayed in (or
	// returned to) pending and the tenant should be retried later.
	Deferred
)

// String returns the disposition name.
func (d Disposition) String() string {
	switch d {
	case Published:
		return "published"
	case Failed:
		return "failed"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Outcome summarizes one completed work item for the engine loop.
type Outcome struct {
	// Disposition is the overall result.
	Disposition Disposition
	// PostID identifies the post record, uuid.Nil when deferral happened
	// before one was created.
	PostID uuid.UUID
	// RetryAfter says how long to wait before reselecting the tenant.
	// Set on Deferred.
	RetryAfter time.Duration
	// LLMCalls is the number of completions actually made (zero on a
	// cache hit).
	LLMCalls int
	// CacheHit reports whether the completion came from the cache.
	CacheHit bool
	// Usage is the token consumption reported by the driver.
	Usage model.TokenUsage
	// FailureKind is set when Disposition is Failed.
	FailureKind model.ErrorKind
}

// Pipeline runs work items. It is safe for concurrent use by many workers.
type Pipeline struct {
	repo      repository.Repository
	coord     *ratelimit.Coordinator
	renderer  *prompt.Renderer
	cache     *cache.Cache
	validator *validate.Chain
	llm       driver.LLM
	posting   driver.Posting
	knowledge driver.Knowledge
	clk       clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	llmCfg       config.LLMConfig
	parkMax      time.Duration
	recentN      int
	postMaxLen   int
	knowledgeMax int

	// sleep is replaced in tests to skip real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Repo      repository.Repository
	Coord     *ratelimit.Coordinator
	Renderer  *prompt.Renderer
	Cache     *cache.Cache
	Validator *validate.Chain
	LLM       driver.LLM
	Posting   driver.Posting
	// Knowledge is optional; nil means no context retrieval.
	Knowledge driver.Knowledge
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates a Pipeline.
func New(deps Deps, cfg *config.Config) (*Pipeline, error) {
	if deps.Repo == nil {
		return nil, fmt.Errorf("pipeline: repository must not be nil")
	}
	if deps.Coord == nil {
		return nil, fmt.Errorf("pipeline: coordinator must not be nil")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("pipeline: renderer must not be nil")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("pipeline: cache must not be nil")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("pipeline: validator must not be nil")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("pipeline: llm driver must not be nil")
	}
	if deps.Posting == nil {
		return nil, fmt.Errorf("pipeline: posting driver must not be nil")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("pipeline: clock must not be nil")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("pipeline: metrics must not be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("pipeline: logger must not be nil")
	}
	return &Pipeline{
		repo:         deps.Repo,
		coord:        deps.Coord,
		renderer:     deps.Renderer,
		cache:        deps.Cache,
		validator:    deps.Validator,
		llm:          deps.LLM,
		posting:      deps.Posting,
		knowledge:    deps.Knowledge,
		clk:          deps.Clock,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		llmCfg:       cfg.LLM,
		parkMax:      cfg.Posting.ParkMax,
		recentN:      cfg.Validator.RecentPosts,
		postMaxLen:   cfg.Validator.PostMaxLen,
		knowledgeMax: cfg.Knowledge.MaxResults,
		sleep:        sleepCtx,
	}, nil
}

// Run executes one generation-and-publish cycle for the tenant. The returned
// error is reserved for infrastructure failures that prevented the cycle from
// being recorded at all; domain failures end up in the Outcome and the post
// record.
func (p *Pipeline) Run(ctx context.Context, tenant *model.Tenant, topic string) (*Outcome, error) {
	logger := p.logger.With("tenant_id", tenant.ID, "display_name", tenant.DisplayName)

	// Admission before the record exists: a defer here leaves no trace.
	if res := p.coord.AdmitLLM(ctx, tenant.ID); !res.Admit {
		p.metrics.AdmissionDeferralsTotal.WithLabelValues("llm").Inc()
		logger.Debug("llm admission deferred", "retry_after", res.RetryAfter)
		return &Outcome{Disposition: Deferred, RetryAfter: res.RetryAfter}, nil
	}

	post := &model.Post{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Status:    model.StatusPending,
		CreatedAt: p.clk.Now(),
	}
	if err := p.repo.InsertPost(ctx, post); err != nil {
		return nil, fmt.Errorf("pipeline: creating post record: %w", err)
	}
	logger = logger.With("post_id", post.ID)

	if err := p.transition(ctx, post, model.StatusGenerating, repository.PostFields{}); err != nil {
		return nil, err
	}

	// Context retrieval is best-effort: an unavailable knowledge store
	// must not fail the post.
	contextText := p.fetchContext(ctx, tenant, topic, logger)

	recent, err := p.repo.RecentPublishedTexts(ctx, tenant.ID, p.recentN)
	if err != nil {
		logger.Warn("fetching recent posts failed", "error", err)
		recent = nil
	}

	rendered, err := p.renderer.Render(prompt.DefaultTemplateName, tenant, map[string]string{
		"topic":        topic,
		"context":      joinLines(contextText),
		"recent_posts": joinLines(firstN(recent, recentPostsForPrompt)),
		"max_length":   strconv.Itoa(p.postMaxLen),
	})
	if err != nil {
		return p.fail(ctx, post, model.StatusGenerating, err, logger)
	}

	llmCalls := 0
	var usage model.TokenUsage
	result, err := p.cache.Complete(ctx, rendered.Hash, rendered.Text, func(ctx context.Context) (*driver.Completion, error) {
		llmCalls++
		return p.completeWithRetry(ctx, tenant.ID, rendered.Text, logger)
	})
	if err != nil {
		if model.KindOf(err) == model.KindRateLimited {
			// The driver told us when to come back; release the record
			// and let the scheduler reselect the tenant.
			retryAfter := model.RetryAfterOf(err)
			p.coord.ReseedLLM(ctx, tenant.ID, retryAfter)
			if terr := p.transition(ctx, post, model.StatusPending, repository.PostFields{}); terr != nil {
				return nil, terr
			}
			logger.Info("generation deferred by driver rate limit", "retry_after", retryAfter)
			return &Outcome{
				Disposition: Deferred,
				PostID:      post.ID,
				RetryAfter:  retryAfter,
				LLMCalls:    llmCalls,
			}, nil
		}
		return p.fail(ctx, post, model.StatusGenerating, err, logger)
	}
	usage = result.Usage
	p.recordCacheLookup(result)

	text := result.Completion
	if err := p.transition(ctx, post, model.StatusValidating, repository.PostFields{Text: text}); err != nil {
		return nil, err
	}

	if err := p.validator.Validate(ctx, validate.Input{Text: text, RecentPublished: recent}); err != nil {
		return p.fail(ctx, post, model.StatusValidating, err, logger)
	}

	if err := p.awaitPublishQuota(ctx, tenant.ID, logger); err != nil {
		return p.fail(ctx, post, model.StatusValidating, err, logger)
	}

	if err := p.transition(ctx, post, model.StatusPublishing, repository.PostFields{}); err != nil {
		return nil, err
	}

	externalID, err := p.publishWithRetry(ctx, post, tenant.Credentials, text, logger)
	if err != nil {
		return p.fail(ctx, post, model.StatusPublishing, err, logger)
	}

	publishedAt := p.clk.Now()
	if err := p.transition(ctx, post, model.StatusPublished, repository.PostFields{
		ExternalID:  externalID,
		PublishedAt: &publishedAt,
	}); err != nil {
		return nil, err
	}

	p.metrics.JobsTotal.WithLabelValues(Published.String()).Inc()
	logger.Info("post published",
		"external_id", externalID,
		"llm_calls", llmCalls,
		"cache_hit", result.Hit,
		"tokens", usage.Total(),
	)
	return &Outcome{
		Disposition: Published,
		PostID:      post.ID,
		LLMCalls:    llmCalls,
		CacheHit:    result.Hit,
		Usage:       usage,
	}, nil
}

// completeWithRetry calls the LLM under the configured timeout, retrying
// transient failures with exponential backoff. Rate-limited errors are
// returned to the caller immediately so the job can defer instead of
// burning attempts against a known-closed window.
func (p *Pipeline) completeWithRetry(ctx context.Context, tenantID uuid.UUID, promptText string, logger *slog.Logger) (*driver.Completion, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, backoff(attempt)); err != nil {
				return nil, model.NewError(model.KindTransient, "pipeline: llm retry interrupted", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.llmCfg.Timeout)
		start := p.clk.Now()
		completion, err := p.llm.Complete(callCtx, promptText, driver.Params{
			MaxTokens:   p.llmCfg.MaxTokens,
			Temperature: p.llmCfg.Temperature,
		})
		cancel()
		p.metrics.LLMLatency.Observe(p.clk.Since(start).Seconds())

		if err == nil {
			p.metrics.LLMRequestsTotal.WithLabelValues(p.llm.Name(), "success").Inc()
			p.metrics.LLMTokensUsedTotal.WithLabelValues(p.llm.Name(), "input").Add(float64(completion.Usage.Input))
			p.metrics.LLMTokensUsedTotal.WithLabelValues(p.llm.Name(), "output").Add(float64(completion.Usage.Output))
			return completion, nil
		}

		p.metrics.LLMRequestsTotal.WithLabelValues(p.llm.Name(), "failure").Inc()
		if model.KindOf(err) == model.KindRateLimited {
			return nil, err
		}
		if !model.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		logger.Warn("llm call failed, retrying",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"error", err,
		)
	}
	return nil, lastErr
}

// publishWithRetry calls the posting backend, retrying transient failures.
// Before each retry it re-reads the record: a post already published by an
// earlier attempt whose response was lost must not be published twice.
func (p *Pipeline) publishWithRetry(ctx context.Context, post *model.Post, creds model.Credentials, text string, logger *slog.Logger) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, backoff(attempt)); err != nil {
				return "", model.NewError(model.KindTransient, "pipeline: publish retry interrupted", err)
			}

			stored, err := p.repo.GetPost(ctx, post.ID)
			if err == nil && stored.Status == model.StatusPublished {
				logger.Info("post already published, skipping retry", "external_id", stored.ExternalID)
				return stored.ExternalID, nil
			}
		}

		externalID, err := p.posting.Publish(ctx, creds, text)
		if err == nil {
			p.metrics.PublishesTotal.WithLabelValues(p.posting.Name(), "success").Inc()
			return externalID, nil
		}

		p.metrics.PublishesTotal.WithLabelValues(p.posting.Name(), "failure").Inc()
		if !model.IsRetryable(err) {
			return "", err
		}
		lastErr = err
		logger.Warn("publish failed, retrying",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"error", err,
		)
	}
	return "", lastErr
}

// awaitPublishQuota parks the validated text until the tenant's daily post
// bucket admits, up to the configured maximum.
func (p *Pipeline) awaitPublishQuota(ctx context.Context, tenantID uuid.UUID, logger *slog.Logger) error {
	deadline := p.clk.Now().Add(p.parkMax)
	for {
		res := p.coord.AdmitPublish(ctx, tenantID)
		if res.Admit {
			return nil
		}
		p.metrics.AdmissionDeferralsTotal.WithLabelValues("publish").Inc()

		remaining := deadline.Sub(p.clk.Now())
		if remaining <= 0 {
			return model.NewError(model.KindQuota,
				fmt.Sprintf("pipeline: publish quota unavailable after parking %v", p.parkMax), nil)
		}

		wait := res.RetryAfter
		if wait > remaining {
			wait = remaining
		}
		logger.Debug("parking validated post for publish quota", "wait", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return model.NewError(model.KindTransient, "pipeline: parking interrupted", err)
		}
	}
}

// fetchContext retrieves knowledge entries for the tenant, returning nil on
// any failure.
func (p *Pipeline) fetchContext(ctx context.Context, tenant *model.Tenant, topic string, logger *slog.Logger) []string {
	if p.knowledge == nil || tenant.KnowledgeHandle == "" {
		return nil
	}
	entries, err := p.knowledge.Search(ctx, tenant.KnowledgeHandle, topic, p.knowledgeMax)
	if err != nil {
		logger.Warn("knowledge retrieval failed, proceeding without context", "error", err)
		return nil
	}
	return entries
}

// fail moves the record to failed, capturing the error kind and message.
func (p *Pipeline) fail(ctx context.Context, post *model.Post, from model.PostStatus, cause error, logger *slog.Logger) (*Outcome, error) {
	kind := model.KindOf(cause)
	failure := &model.Failure{Kind: kind, Message: cause.Error()}

	if err := p.repo.UpdatePostStatus(ctx, post.ID, from, model.StatusFailed, repository.PostFields{Failure: failure}); err != nil {
		return nil, fmt.Errorf("pipeline: recording failure for post %s: %w", post.ID, err)
	}
	post.Status = model.StatusFailed

	p.metrics.JobsTotal.WithLabelValues(Failed.String()).Inc()
	p.metrics.JobFailuresTotal.WithLabelValues(string(kind)).Inc()
	logger.Warn("post failed", "kind", kind, "error", cause)

	return &Outcome{
		Disposition: Failed,
		PostID:      post.ID,
		FailureKind: kind,
	}, nil
}

// transition moves the record from its current status to next.
func (p *Pipeline) transition(ctx context.Context, post *model.Post, next model.PostStatus, fields repository.PostFields) error {
	if err := p.repo.UpdatePostStatus(ctx, post.ID, post.Status, next, fields); err != nil {
		return fmt.Errorf("pipeline: moving post %s from %s to %s: %w", post.ID, post.Status, next, err)
	}
	post.Status = next
	return nil
}

func (p *Pipeline) recordCacheLookup(result *cache.Result) {
	switch {
	case result.Hit && result.Semantic:
		p.metrics.CacheLookupsTotal.WithLabelValues("semantic_hit").Inc()
	case result.Hit:
		p.metrics.CacheLookupsTotal.WithLabelValues("exact_hit").Inc()
	default:
		p.metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	p.metrics.CacheEntries.Set(float64(p.cache.Len()))
}

// backoff returns the delay before the given retry attempt (1-based),
// doubling each time and capped.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// joinLines renders a string list for template injection, one entry per line.
func joinLines(entries []string) string {
	if len(entries) == 0 {
		return "(none)"
	}
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\n"
		}
		out += "- " + e
	}
	return out
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
