package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hyperxav/clara-engine/internal/model"
)

// Postgres is the production Repository backed by a pgx connection pool.
//
// Schema (applied by migrations, not by this package):
//
//	tenants(id uuid primary key, display_name text, persona_prompt text,
//	        posting_hours int[], timezone text, credentials jsonb,
//	        knowledge_handle text, active bool, last_acted_at timestamptz,
//	        day_key text, llm_calls int, posts int,
//	        created_at timestamptz, updated_at timestamptz)
//
//	posts(id uuid primary key, tenant_id uuid references tenants(id),
//	      text text, external_id text, status text,
//	      failure_kind text, failure_message text,
//	      created_at timestamptz, published_at timestamptz)
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given URL.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("repository: creating pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const tenantColumns = `id, display_name, persona_prompt, posting_hours, timezone,
	credentials, knowledge_handle, active, last_acted_at,
	day_key, llm_calls, posts, created_at, updated_at`

// ListTenants implements Repository.
func (p *Postgres) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("repository: listing tenants: %w", err)
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: listing tenants: %w", err)
	}
	return out, nil
}

// GetTenant implements Repository.
func (p *Postgres) GetTenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// UpsertTenant implements Repository.
func (p *Postgres) UpsertTenant(ctx context.Context, tenant *model.Tenant) error {
	creds, err := json.Marshal(tenant.Credentials)
	if err != nil {
		return fmt.Errorf("repository: encoding credentials: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO tenants (
			id, display_name, persona_prompt, posting_hours, timezone,
			credentials, knowledge_handle, active, last_acted_at,
			day_key, llm_calls, posts, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			persona_prompt = EXCLUDED.persona_prompt,
			posting_hours = EXCLUDED.posting_hours,
			timezone = EXCLUDED.timezone,
			credentials = EXCLUDED.credentials,
			knowledge_handle = EXCLUDED.knowledge_handle,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		tenant.ID, tenant.DisplayName, tenant.PersonaPrompt, tenant.PostingHours,
		tenant.Timezone, creds, tenant.KnowledgeHandle, tenant.Active,
		tenant.LastActedAt, tenant.Counters.DayKey, tenant.Counters.LLMCalls,
		tenant.Counters.Posts, tenant.CreatedAt, tenant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: upserting tenant %s: %w", tenant.ID, err)
	}
	return nil
}

// UpdateTenantActivity implements Repository.
func (p *Postgres) UpdateTenantActivity(ctx context.Context, id uuid.UUID, lastActedAt time.Time, counters model.DailyCounters) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tenants
		SET last_acted_at = $2, day_key = $3, llm_calls = $4, posts = $5, updated_at = $2
		WHERE id = $1`,
		id, lastActedAt, counters.DayKey, counters.LLMCalls, counters.Posts,
	)
	if err != nil {
		return fmt.Errorf("repository: updating tenant activity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertPost implements Repository.
func (p *Postgres) InsertPost(ctx context.Context, post *model.Post) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO posts (id, tenant_id, text, external_id, status,
			failure_kind, failure_message, created_at, published_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		post.ID, post.TenantID, post.Text, post.ExternalID, post.Status,
		failureKind(post.Failure), failureMessage(post.Failure),
		post.CreatedAt, post.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: inserting post %s: %w", post.ID, err)
	}
	return nil
}

// GetPost implements Repository.
func (p *Postgres) GetPost(ctx context.Context, id uuid.UUID) (*model.Post, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, text, external_id, status,
			failure_kind, failure_message, created_at, published_at
		FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return post, err
}

// UpdatePostStatus implements Repository. The WHERE clause on the current
// status makes the transition conditional: a concurrent writer that moved
// the post first causes RowsAffected() == 0 and the update is rejected
// without partial writes.
func (p *Postgres) UpdatePostStatus(ctx context.Context, id uuid.UUID, from, to model.PostStatus, fields PostFields) error {
	if !from.CanTransition(to) {
		return ErrIllegalTransition
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE posts
		SET status = $3,
			text = COALESCE(NULLIF($4, ''), text),
			external_id = COALESCE(NULLIF($5, ''), external_id),
			published_at = COALESCE($6, published_at),
			failure_kind = COALESCE($7, failure_kind),
			failure_message = COALESCE($8, failure_message)
		WHERE id = $1 AND status = $2`,
		id, from, to, fields.Text, fields.ExternalID, fields.PublishedAt,
		failureKind(fields.Failure), failureMessage(fields.Failure),
	)
	if err != nil {
		return fmt.Errorf("repository: updating post %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// RecentPublishedTexts implements Repository.
func (p *Postgres) RecentPublishedTexts(ctx context.Context, tenantID uuid.UUID, n int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT text FROM posts
		WHERE tenant_id = $1 AND status = 'published'
		ORDER BY published_at DESC
		LIMIT $2`, tenantID, n)
	if err != nil {
		return nil, fmt.Errorf("repository: recent published texts for %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("repository: scanning text: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// Ping implements Repository.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("repository: ping: %w", err)
	}
	return nil
}

// Close implements Repository.
func (p *Postgres) Close() {
	p.pool.Close()
}

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var (
		t     model.Tenant
		creds []byte
	)
	err := row.Scan(
		&t.ID, &t.DisplayName, &t.PersonaPrompt, &t.PostingHours, &t.Timezone,
		&creds, &t.KnowledgeHandle, &t.Active, &t.LastActedAt,
		&t.Counters.DayKey, &t.Counters.LLMCalls, &t.Counters.Posts,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &t.Credentials); err != nil {
			return nil, fmt.Errorf("repository: decoding credentials for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanPost(row pgx.Row) (*model.Post, error) {
	var (
		p       model.Post
		kind    *string
		message *string
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Text, &p.ExternalID, &p.Status,
		&kind, &message, &p.CreatedAt, &p.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	if kind != nil {
		p.Failure = &model.Failure{Kind: model.ErrorKind(*kind)}
		if message != nil {
			p.Failure.Message = *message
		}
	}
	return &p, nil
}

func failureKind(f *model.Failure) *string {
	if f == nil {
		return nil
	}
	s := string(f.Kind)
	return &s
}

func failureMessage(f *model.Failure) *string {
	if f == nil {
		return nil
	}
	return &f.Message
}
