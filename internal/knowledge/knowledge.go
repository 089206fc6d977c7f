// Package knowledge provides an in-memory vector store for per-tenant
// context retrieval. Collections are keyed by the tenant's knowledge handle;
// lookups rank stored documents by cosine similarity to the query embedding.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperxav/clara-engine/internal/cache"
	"github.com/hyperxav/clara-engine/internal/driver"
	"github.com/hyperxav/clara-engine/internal/model"
)

// document is one stored context snippet with its embedding.
type document struct {
	text      string
	embedding []float32
}

// Config holds retrieval settings.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a
	// document to be returned.
	SimilarityThreshold float64
	// MaxResults caps how many documents a search returns.
	MaxResults int
}

// Store is an in-memory vector store. It is safe for concurrent use.
type Store struct {
	cfg      Config
	embedder driver.Embedder

	mu          sync.RWMutex
	collections map[string][]document
}

// NewStore creates a Store.
func NewStore(cfg Config, embedder driver.Embedder) (*Store, error) {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("knowledge: similarity threshold must be in (0, 1], got %v", cfg.SimilarityThreshold)
	}
	if cfg.MaxResults < 1 {
		return nil, fmt.Errorf("knowledge: max results must be >= 1, got %d", cfg.MaxResults)
	}
	if embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder must not be nil")
	}
	return &Store{
		cfg:         cfg,
		embedder:    embedder,
		collections: make(map[string][]document),
	}, nil
}

// Add embeds text and stores it in the named collection.
func (s *Store) Add(ctx context.Context, collection, text string) error {
	if collection == "" {
		return fmt.Errorf("knowledge: collection must not be empty")
	}
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return model.NewError(model.KindTransient, "knowledge: embedding document", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = append(s.collections[collection], document{
		text:      text,
		embedding: embedding,
	})
	return nil
}

// Search implements driver.Knowledge. It returns up to max documents from
// the collection whose similarity to the query meets the threshold, best
// first. An unknown collection yields no results, not an error.
func (s *Store) Search(ctx context.Context, collection, query string, max int) ([]string, error) {
	if max <= 0 || max > s.cfg.MaxResults {
		max = s.cfg.MaxResults
	}

	s.mu.RLock()
	docs := s.collections[collection]
	s.mu.RUnlock()
	if len(docs) == 0 {
		return nil, nil
	}

	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "knowledge: embedding query", err)
	}

	type scored struct {
		text string
		sim  float64
	}
	matches := make([]scored, 0, len(docs))
	for _, d := range docs {
		sim := cache.Cosine(queryEmbedding, d.embedding)
		if sim >= s.cfg.SimilarityThreshold {
			matches = append(matches, scored{text: d.text, sim: sim})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
	if len(matches) > max {
		matches = matches[:max]
	}

	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.text
	}
	return out, nil
}

// Len returns the document count of a collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}
