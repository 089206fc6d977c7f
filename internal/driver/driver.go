// Package driver defines the narrow interfaces the engine consumes for
// external services: LLM completion, text embedding, content-safety scoring,
// and the posting backend. Concrete HTTP implementations live alongside
// deterministic fakes used by tests and dry runs.
//
// Drivers classify their failures with the model error kinds: transient for
// network errors and 5xx responses, rate-limited (with retry-after) for 429,
// and configuration for request errors the caller cannot retry away.
package driver

import (
	"context"

	"github.com/hyperxav/clara-engine/internal/model"
)

// Completion is the result of one LLM call.
type Completion struct {
	// Text is the completion content.
	Text string
	// Usage is the reported token consumption, zero-valued when the
	// backend does not report it.
	Usage model.TokenUsage
	// FinishReason is the backend's stop reason (e.g., "stop", "length").
	FinishReason string
}

// Params tunes a single completion request.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// LLM produces text completions.
type LLM interface {
	// Name returns the driver identifier (e.g., "openai", "fake").
	Name() string

	// Complete generates a completion for the prompt.
	Complete(ctx context.Context, prompt string, params Params) (*Completion, error)
}

// Embedder produces vector embeddings for semantic similarity.
type Embedder interface {
	// Embed returns the embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Posting publishes finalized posts on behalf of a tenant.
type Posting interface {
	// Name returns the driver identifier.
	Name() string

	// Publish posts text under the given credentials and returns the
	// backend's external id.
	Publish(ctx context.Context, creds model.Credentials, text string) (string, error)

	// Delete removes a previously published post. Used by operator
	// tooling, not by the pipeline.
	Delete(ctx context.Context, creds model.Credentials, externalID string) error
}

// SafetyScorer classifies content safety. Scores are in [0, 1]; higher
// means more likely unsafe.
type SafetyScorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Knowledge retrieves per-tenant context entries for prompt grounding.
type Knowledge interface {
	// Search returns up to max entries from the named collection ranked
	// by relevance to query.
	Search(ctx context.Context, collection, query string, max int) ([]string, error)
}
