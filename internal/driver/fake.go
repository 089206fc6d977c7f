package driver

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"

	"github.com/hyperxav/clara-engine/internal/model"
)

// FakeLLM is a scripted LLM driver for tests and dry runs. Responses are
// returned in order; Errs are consumed before Responses so failure-then-
// success sequences can be scripted. Safe for concurrent use.
type FakeLLM struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	calls     int
}

// Name returns "fake".
func (f *FakeLLM) Name() string { return "fake" }

// Complete implements LLM.
func (f *FakeLLM) Complete(_ context.Context, prompt string, _ Params) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]
		return nil, err
	}

	text := fmt.Sprintf("fake completion for %q", prompt)
	if len(f.Responses) > 0 {
		text = f.Responses[0]
		f.Responses = f.Responses[1:]
	}
	return &Completion{
		Text:         text,
		Usage:        model.TokenUsage{Input: len(prompt) / 4, Output: len(text) / 4},
		FinishReason: "stop",
	}, nil
}

// Calls reports how many completions were requested.
func (f *FakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeEmbedder returns a deterministic unit vector derived from the text's
// hash, so identical texts embed identically and distinct texts are
// (almost surely) dissimilar.
type FakeEmbedder struct{}

// Embed implements Embedder.
func (FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	var norm float64
	for i := range vec {
		v := float32(sum[i*4])/255 - 0.5
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// FakePosting records published texts instead of calling a backend.
// Safe for concurrent use.
type FakePosting struct {
	mu        sync.Mutex
	Errs      []error
	published []string
	deleted   []string
	nextID    int
}

// Name returns "fake-posting".
func (f *FakePosting) Name() string { return "fake-posting" }

// Publish implements Posting.
func (f *FakePosting) Publish(_ context.Context, _ model.Credentials, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]
		return "", err
	}

	f.nextID++
	f.published = append(f.published, text)
	return fmt.Sprintf("ext-%d", f.nextID), nil
}

// Delete implements Posting.
func (f *FakePosting) Delete(_ context.Context, _ model.Credentials, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, externalID)
	return nil
}

// Published returns a copy of the texts published so far.
func (f *FakePosting) Published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

// FakeSafety scores every text with a fixed value.
type FakeSafety struct {
	Value float64
}

// Score implements SafetyScorer.
func (f FakeSafety) Score(_ context.Context, _ string) (float64, error) {
	return f.Value, nil
}
