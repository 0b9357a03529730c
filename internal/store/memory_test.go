package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRevisionNumbersAreGapFree(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	post := &Post{Status: PostDraft}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("create post: %v", err)
	}

	for i := 0; i < 5; i++ {
		rev := &Revision{PostID: post.ID, Content: "candidate", EngineUsed: EnginePrimary}
		if err := s.CreateRevision(ctx, rev); err != nil {
			t.Fatalf("create revision %d: %v", i, err)
		}
		if rev.RevisionNo != i+1 {
			t.Errorf("revision %d got number %d", i, rev.RevisionNo)
		}
	}

	revs, err := s.ListRevisions(ctx, post.ID)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	for i, r := range revs {
		if r.RevisionNo != i+1 {
			t.Errorf("gap at position %d: revision_no %d", i, r.RevisionNo)
		}
	}
}

func TestTransitionPostConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	post := &Post{Status: PostDraft}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("create post: %v", err)
	}

	if err := s.TransitionPost(ctx, post.ID, PostDraft, PostGenerating); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// Second claim of the same transition must lose.
	err := s.TransitionPost(ctx, post.ID, PostDraft, PostGenerating)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReviewRequestIsOneShot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := &ReviewRequest{
		PostID:         uuid.New(),
		RevisionID:     uuid.New(),
		Token:          "tok-1",
		ReviewerUserID: "U1",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if err := s.CreateReviewRequest(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UseReviewRequest(ctx, req.ID, time.Now()); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := s.UseReviewRequest(ctx, req.ID, time.Now()); !IsConflict(err) {
		t.Fatalf("second use should conflict, got %v", err)
	}

	got, err := s.GetReviewRequestByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if got.Status != ReviewUsed || got.UsedAt == nil {
		t.Errorf("request not marked used: %+v", got)
	}
}

func TestReviewTokenCollisionRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := &ReviewRequest{PostID: uuid.New(), RevisionID: uuid.New(), Token: "dup", ReviewerUserID: "U1", ExpiresAt: time.Now().Add(time.Hour)}
	b := &ReviewRequest{PostID: uuid.New(), RevisionID: uuid.New(), Token: "dup", ReviewerUserID: "U1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateReviewRequest(ctx, a); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateReviewRequest(ctx, b); !IsConflict(err) {
		t.Fatalf("duplicate token should conflict, got %v", err)
	}
}

func TestOneActiveSchedulePerDay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &DailyAutoSchedule{
		ScheduleDate:       "2026-08-24",
		ScheduledTime:      time.Now().Add(time.Hour),
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             SchedulePending,
	}
	if err := s.CreateDailyAutoSchedule(ctx, first); err != nil {
		t.Fatalf("first schedule: %v", err)
	}

	second := &DailyAutoSchedule{
		ScheduleDate:       "2026-08-24",
		ScheduledTime:      time.Now().Add(2 * time.Hour),
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             SchedulePending,
	}
	if err := s.CreateDailyAutoSchedule(ctx, second); !IsConflict(err) {
		t.Fatalf("second active schedule should conflict, got %v", err)
	}

	// A cancelled schedule frees the day.
	if err := s.FinishSchedule(ctx, first.ID, ScheduleCancelled, time.Now(), "operator cancel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateDailyAutoSchedule(ctx, second); err != nil {
		t.Fatalf("schedule after cancel: %v", err)
	}
}

func TestClaimDueSchedules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	due := &DailyAutoSchedule{ScheduleDate: "2026-08-23", ScheduledTime: now.Add(-time.Minute), SelectedTimeSlotID: uuid.New(), SelectedTemplateID: uuid.New(), Status: SchedulePending}
	future := &DailyAutoSchedule{ScheduleDate: "2026-08-24", ScheduledTime: now.Add(time.Hour), SelectedTimeSlotID: uuid.New(), SelectedTemplateID: uuid.New(), Status: SchedulePending}
	for _, d := range []*DailyAutoSchedule{due, future} {
		if err := s.CreateDailyAutoSchedule(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// Only approved schedules are claimable.
	if err := s.TransitionSchedule(ctx, due.ID, SchedulePending, ScheduleApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := s.TransitionSchedule(ctx, future.ID, SchedulePending, ScheduleApproved); err != nil {
		t.Fatalf("approve future: %v", err)
	}

	claimed, err := s.ClaimDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("expected only the due schedule, got %d", len(claimed))
	}
	if claimed[0].Status != SchedulePublishing {
		t.Errorf("claimed schedule status %s", claimed[0].Status)
	}

	// A second claim returns nothing.
	again, err := s.ClaimDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d schedules", len(again))
	}
}

func TestAuthsDueForRefresh(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	makeAccount := func() uuid.UUID {
		a := &ThreadsAccount{Username: "acct", ExternalAccountID: uuid.NewString(), Status: "ACTIVE"}
		if err := s.CreateAccount(ctx, a); err != nil {
			t.Fatalf("account: %v", err)
		}
		return a.ID
	}

	dueID := makeAccount()
	s.UpsertAuth(ctx, &ThreadsAuth{AccountID: dueID, AccessToken: "enc", ExpiresAt: now.Add(3 * 24 * time.Hour), Status: AuthOK})

	freshID := makeAccount()
	s.UpsertAuth(ctx, &ThreadsAuth{AccountID: freshID, AccessToken: "enc", ExpiresAt: now.Add(30 * 24 * time.Hour), Status: AuthOK})

	recentID := makeAccount()
	refreshed := now.Add(-2 * time.Hour)
	s.UpsertAuth(ctx, &ThreadsAuth{AccountID: recentID, AccessToken: "enc", ExpiresAt: now.Add(3 * 24 * time.Hour), LastRefreshedAt: &refreshed, Status: AuthOK})

	due, err := s.AuthsDueForRefresh(ctx, now, 7*24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].AccountID != dueID {
		t.Fatalf("expected exactly the expiring, unrefreshed auth, got %d", len(due))
	}
}

func TestRecordTemplateOutcomeRunningMean(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tpl := &Template{Name: "t", Prompt: "p", Enabled: true}
	if err := s.CreateTemplate(ctx, tpl); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, rate := range []float64{0.1, 0.2, 0.3} {
		if err := s.RecordTemplateOutcome(ctx, tpl.ID, rate); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalUses != 3 {
		t.Errorf("total uses = %d", got.TotalUses)
	}
	if diff := got.AvgEngagementRate - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("running mean = %f, want 0.2", got.AvgEngagementRate)
	}
}

func TestRecentPostedEmbeddingsUsesLatestRevision(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	post := &Post{Status: PostPublishing}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("create post: %v", err)
	}
	old := &Revision{PostID: post.ID, Content: "v1"}
	s.CreateRevision(ctx, old)
	s.CreateEmbedding(ctx, &Embedding{RevisionID: old.ID, Vector: []float64{1, 0}})
	latest := &Revision{PostID: post.ID, Content: "v2"}
	s.CreateRevision(ctx, latest)
	s.CreateEmbedding(ctx, &Embedding{RevisionID: latest.ID, Vector: []float64{0, 1}})
	if err := s.MarkPostPosted(ctx, post.ID, "m1", "url", now); err != nil {
		t.Fatalf("posted: %v", err)
	}

	recent, err := s.RecentPostedEmbeddings(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("got %d embeddings", len(recent))
	}
	if recent[0].Vector[0] != 0 || recent[0].Vector[1] != 1 {
		t.Errorf("expected latest revision vector, got %v", recent[0].Vector)
	}
}
