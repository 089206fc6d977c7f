package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hyperxav/clara-engine/internal/model"
)

func insertPending(t *testing.T, repo *Memory, tenantID uuid.UUID) *model.Post {
	t.Helper()
	post := &model.Post{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Status:    model.StatusPending,
		CreatedAt: time.Now(),
	}
	if err := repo.InsertPost(context.Background(), post); err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	return post
}

func publish(t *testing.T, repo *Memory, post *model.Post, text string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		from, to model.PostStatus
		fields   PostFields
	}{
		{model.StatusPending, model.StatusGenerating, PostFields{}},
		{model.StatusGenerating, model.StatusValidating, PostFields{Text: text}},
		{model.StatusValidating, model.StatusPublishing, PostFields{}},
		{model.StatusPublishing, model.StatusPublished, PostFields{ExternalID: "ext-" + post.ID.String()[:8], PublishedAt: &at}},
	}
	for _, s := range steps {
		if err := repo.UpdatePostStatus(ctx, post.ID, s.from, s.to, s.fields); err != nil {
			t.Fatalf("transition %s -> %s: %v", s.from, s.to, err)
		}
	}
}

func TestUpdatePostStatusHappyPath(t *testing.T) {
	repo := NewMemory()
	post := insertPending(t, repo, uuid.New())
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	publish(t, repo, post, "the generated text", at)

	got, err := repo.GetPost(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if got.Status != model.StatusPublished {
		t.Errorf("status = %s, want published", got.Status)
	}
	if got.Text != "the generated text" {
		t.Errorf("text = %q", got.Text)
	}
	if got.ExternalID == "" {
		t.Error("external id not written")
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(at) {
		t.Errorf("published at = %v, want %v", got.PublishedAt, at)
	}
}

func TestUpdatePostStatusRejectsIllegalEdge(t *testing.T) {
	repo := NewMemory()
	post := insertPending(t, repo, uuid.New())

	err := repo.UpdatePostStatus(context.Background(), post.ID, model.StatusPending, model.StatusPublished, PostFields{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}

	got, _ := repo.GetPost(context.Background(), post.ID)
	if got.Status != model.StatusPending {
		t.Errorf("rejected update changed status to %s", got.Status)
	}
}

func TestUpdatePostStatusRejectsStaleFrom(t *testing.T) {
	repo := NewMemory()
	post := insertPending(t, repo, uuid.New())
	ctx := context.Background()

	if err := repo.UpdatePostStatus(ctx, post.ID, model.StatusPending, model.StatusGenerating, PostFields{}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// A second mover with a stale view of the record loses atomically.
	err := repo.UpdatePostStatus(ctx, post.ID, model.StatusPending, model.StatusGenerating, PostFields{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition for stale from", err)
	}
}

func TestUpdatePostStatusReleaseToPending(t *testing.T) {
	repo := NewMemory()
	post := insertPending(t, repo, uuid.New())
	ctx := context.Background()

	if err := repo.UpdatePostStatus(ctx, post.ID, model.StatusPending, model.StatusGenerating, PostFields{}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdatePostStatus(ctx, post.ID, model.StatusGenerating, model.StatusPending, PostFields{}); err != nil {
		t.Fatalf("release to pending: %v", err)
	}

	got, _ := repo.GetPost(ctx, post.ID)
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want pending after release", got.Status)
	}
}

func TestUpdatePostStatusFailureFields(t *testing.T) {
	repo := NewMemory()
	post := insertPending(t, repo, uuid.New())
	ctx := context.Background()

	failure := &model.Failure{Kind: model.KindValidation, Message: "rule length: 300 runes over limit"}
	if err := repo.UpdatePostStatus(ctx, post.ID, model.StatusPending, model.StatusFailed, PostFields{Failure: failure}); err != nil {
		t.Fatalf("fail transition: %v", err)
	}

	got, _ := repo.GetPost(ctx, post.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Failure == nil || got.Failure.Kind != model.KindValidation {
		t.Errorf("failure = %+v, want validation kind", got.Failure)
	}
}

func TestUpdatePostStatusNotFound(t *testing.T) {
	repo := NewMemory()
	err := repo.UpdatePostStatus(context.Background(), uuid.New(), model.StatusPending, model.StatusGenerating, PostFields{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecentPublishedTextsNewestFirst(t *testing.T) {
	repo := NewMemory()
	tenantID := uuid.New()
	otherID := uuid.New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, text := range []string{"first", "second", "third"} {
		post := insertPending(t, repo, tenantID)
		publish(t, repo, post, text, at.Add(time.Duration(i)*time.Minute))
	}
	// Another tenant's post and an unpublished one must not appear.
	publish(t, repo, insertPending(t, repo, otherID), "foreign", at)
	insertPending(t, repo, tenantID)

	got, err := repo.RecentPublishedTexts(context.Background(), tenantID, 2)
	if err != nil {
		t.Fatalf("RecentPublishedTexts: %v", err)
	}
	want := []string{"third", "second"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUpdateTenantActivity(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	tenant := &model.Tenant{ID: uuid.New(), DisplayName: "acme", Active: true}
	if err := repo.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	acted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	counters := model.DailyCounters{DayKey: "2024-03-01", LLMCalls: 3, Posts: 1}
	if err := repo.UpdateTenantActivity(ctx, tenant.ID, acted, counters); err != nil {
		t.Fatalf("UpdateTenantActivity: %v", err)
	}

	got, err := repo.GetTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.LastActedAt == nil || !got.LastActedAt.Equal(acted) {
		t.Errorf("LastActedAt = %v, want %v", got.LastActedAt, acted)
	}
	if got.Counters != counters {
		t.Errorf("Counters = %+v, want %+v", got.Counters, counters)
	}

	if err := repo.UpdateTenantActivity(ctx, uuid.New(), acted, counters); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown tenant: err = %v, want ErrNotFound", err)
	}
}

func TestGetTenantReturnsCopy(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	tenant := &model.Tenant{ID: uuid.New(), DisplayName: "acme"}
	if err := repo.UpsertTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetTenant(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.DisplayName = "mutated"

	again, _ := repo.GetTenant(ctx, tenant.ID)
	if again.DisplayName != "acme" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestListTenantsSorted(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := repo.UpsertTenant(ctx, &model.Tenant{ID: uuid.New()}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].ID.String() > got[i].ID.String() {
			t.Errorf("tenants not sorted by id at %d", i)
		}
	}
}
