// Package model defines the core data types that flow through the engine:
// Tenant, Post, PromptTemplate, and their supporting types, together with
// the error kind taxonomy shared by every component.
package model

import (
	"time"

	"github.com/google/uuid"
)

// PostStatus represents the lifecycle state of a post record.
type PostStatus string

const (
	// StatusPending is the initial state of a freshly created post record.
	StatusPending PostStatus = "pending"
	// StatusGenerating means an LLM completion is being obtained.
	StatusGenerating PostStatus = "generating"
	// StatusValidating means the completion is being checked by the validator.
	StatusValidating PostStatus = "validating"
	// StatusPublishing means the posting backend call is in flight.
	StatusPublishing PostStatus = "publishing"
	// StatusPublished is the terminal success state.
	StatusPublished PostStatus = "published"
	// StatusFailed is the terminal failure state.
	StatusFailed PostStatus = "failed"
)

// validTransitions enumerates the allowed edges of the post state machine.
// Any transition not listed here must be rejected by the repository. The
// generating -> pending edge releases a record when the LLM driver signals
// a rate limit and the job is deferred rather than failed.
var validTransitions = map[PostStatus][]PostStatus{
	StatusPending:    {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusValidating, StatusPending, StatusFailed},
	StatusValidating: {StatusPublishing, StatusFailed},
	StatusPublishing: {StatusPublished, StatusFailed},
}

// CanTransition reports whether moving from to next is a legal edge of the
// post state machine. Terminal states have no outgoing edges.
func (s PostStatus) CanTransition(next PostStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s PostStatus) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// IsValid reports whether s is a recognized post status.
func (s PostStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusGenerating, StatusValidating, StatusPublishing, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Credentials is an opaque credential bundle for the posting backend. It is
// passed by reference and must never appear in logs; String and GoString
// are overridden to guard against accidental formatting.
type Credentials struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
}

// String returns a redacted representation.
func (Credentials) String() string { return "credentials[redacted]" }

// GoString returns a redacted representation for %#v formatting.
func (Credentials) GoString() string { return "model.Credentials{redacted}" }

// DailyCounters tracks a tenant's per-day usage. DayKey is the tenant-local
// calendar date ("2006-01-02"); counters reset when the key rolls over.
type DailyCounters struct {
	DayKey   string
	LLMCalls int
	Posts    int
}

// Tenant is the unit of multi-tenancy: one account under whose identity
// posts are generated and published.
type Tenant struct {
	// ID is the stable identifier for this tenant (UUID v4).
	ID uuid.UUID
	// DisplayName is a human-readable name for logs and dashboards.
	DisplayName string
	// PersonaPrompt is free text injected into every prompt render.
	PersonaPrompt string
	// PostingHours is the allow-list of tenant-local clock hours (0-23)
	// during which selection is permitted.
	PostingHours []int
	// Timezone is the IANA zone name governing window evaluation and
	// day boundaries.
	Timezone string
	// Credentials is the posting backend credential bundle.
	Credentials Credentials
	// KnowledgeHandle optionally names a per-tenant context collection.
	// Empty means the tenant has no knowledge base.
	KnowledgeHandle string
	// Active tenants are eligible for selection; inactive tenants are
	// skipped but retained.
	Active bool
	// LastActedAt is the wall time of the most recent completed post,
	// nil if the tenant has never acted.
	LastActedAt *time.Time
	// Counters holds today's usage, keyed by the tenant-local date.
	Counters DailyCounters

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Failure captures why a post ended in the failed state.
type Failure struct {
	Kind    ErrorKind
	Message string
}

// Post is the unit of output: one generated and (eventually) published text.
type Post struct {
	// ID is the stable identifier for this post (UUID v4).
	ID uuid.UUID
	// TenantID references the owning tenant.
	TenantID uuid.UUID
	// Text is the final validated post text.
	Text string
	// Status is the current state machine position.
	Status PostStatus
	// ExternalID is the posting backend's identifier. Set if and only if
	// Status is published.
	ExternalID string
	// Failure is set if and only if Status is failed.
	Failure *Failure

	CreatedAt   time.Time
	PublishedAt *time.Time
}

// PromptTemplate is a named, versioned prompt text with {{name}} placeholders
// and a declared maximum render length.
type PromptTemplate struct {
	// Name uniquely identifies the template.
	Name string
	// Version distinguishes revisions of the same template.
	Version int
	// Text is the template body with {{name}} placeholders.
	Text string
	// Required lists the variables that must be present at render time.
	Required []string
	// MaxLength bounds the rendered prompt length in bytes. Zero means
	// unbounded.
	MaxLength int
}

// TokenUsage tracks LLM token consumption for a single request.
type TokenUsage struct {
	Input  int
	Output int
}

// Total returns the combined input and output token count.
func (t TokenUsage) Total() int {
	return t.Input + t.Output
}
