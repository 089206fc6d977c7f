// Package repository defines the durable store for tenants and posts.
// The repository is the single source of truth for durable tenant and post
// data; in-memory snapshots elsewhere are caches. Two implementations are
// provided: Postgres for production and an in-memory store for tests and
// single-node runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/model"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound reports a missing tenant or post.
	ErrNotFound = errors.New("repository: not found")

	// ErrIllegalTransition reports a post status update that does not
	// follow the state machine, or whose expected current status did not
	// match. The conditional update rejects atomically.
	ErrIllegalTransition = errors.New("repository: illegal status transition")
)

// PostFields carries the optional columns written together with a status
// transition. Text is set when generation completes; ExternalID and
// PublishedAt only when moving to published; Failure only when moving to
// failed. Empty or nil fields keep their stored values.
type PostFields struct {
	Text        string
	ExternalID  string
	PublishedAt *time.Time
	Failure     *model.Failure
}

// Repository is the durable store interface consumed by the registry and
// the pipeline.
type Repository interface {
	// ListTenants returns all tenants, active or not.
	ListTenants(ctx context.Context) ([]model.Tenant, error)

	// GetTenant returns the tenant with the given id, or ErrNotFound.
	GetTenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error)

	// UpsertTenant inserts or replaces a tenant row.
	UpsertTenant(ctx context.Context, tenant *model.Tenant) error

	// UpdateTenantActivity writes back last_acted_at and the daily
	// counters after a completed post.
	UpdateTenantActivity(ctx context.Context, id uuid.UUID, lastActedAt time.Time, counters model.DailyCounters) error

	// InsertPost creates a new post record. The record's status must be
	// pending.
	InsertPost(ctx context.Context, post *model.Post) error

	// GetPost returns the post with the given id, or ErrNotFound.
	GetPost(ctx context.Context, id uuid.UUID) (*model.Post, error)

	// UpdatePostStatus conditionally moves a post from one status to
	// another, writing fields in the same atomic update. It returns
	// ErrIllegalTransition when the edge is not part of the state machine
	// or the stored status no longer equals from.
	UpdatePostStatus(ctx context.Context, id uuid.UUID, from, to model.PostStatus, fields PostFields) error

	// RecentPublishedTexts returns up to n texts of the tenant's most
	// recently published posts, newest first. Used by the duplication
	// validator rule.
	RecentPublishedTexts(ctx context.Context, tenantID uuid.UUID, n int) ([]string, error)

	// Ping verifies connectivity. Engine start treats a failure as fatal.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
