package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/store"
)

type fakeScanner struct{ calls int }

func (f *fakeScanner) Scan(context.Context, time.Time) (int, error) { f.calls++; return 0, nil }

type fakeInsights struct{ calls int }

func (f *fakeInsights) Run(context.Context, time.Time) (int, error) { f.calls++; return 0, nil }

type fakeReminder struct {
	resent []uuid.UUID
}

func (f *fakeReminder) ResendPending(_ context.Context, req *store.ReviewRequest) error {
	f.resent = append(f.resent, req.ID)
	return nil
}

type fakeTexts struct {
	sent map[string][]string
}

func (f *fakeTexts) SendText(_ context.Context, userID, text string) error {
	if f.sent == nil {
		f.sent = make(map[string][]string)
	}
	f.sent[userID] = append(f.sent[userID], text)
	return nil
}

func newTestRunner(t *testing.T, s *store.MemoryStore, q *queue.MemoryQueue, reminder *fakeReminder, texts *fakeTexts) *Runner {
	t.Helper()
	loc := taipei(t)
	sel := newTestSelector(s, q, loc)
	return NewRunner(s, q, sel, &fakeScanner{}, &fakeInsights{}, reminder, texts, NewMemoryLocker(), events.NewHub(), loc)
}

func TestMemoryLockerExcludesAndExpires(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "tick", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	if ok, _ := l.TryLock(ctx, "tick", time.Minute); ok {
		t.Fatal("held lock granted twice")
	}
	// Another name is independent.
	if ok, _ := l.TryLock(ctx, "other", time.Minute); !ok {
		t.Fatal("unrelated name blocked")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.TryLock(ctx, "tick", time.Minute); !ok {
		t.Fatal("expired lock not reclaimable")
	}

	if err := l.Unlock(ctx, "tick"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ := l.TryLock(ctx, "tick", time.Minute); !ok {
		t.Fatal("unlocked name not reclaimable")
	}
}

func TestExpirySweepWritesOffUnapprovedSchedules(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	post := &store.Post{Status: store.PostPendingReview}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("post: %v", err)
	}
	sched := &store.DailyAutoSchedule{
		ScheduleDate:       now.Format("2006-01-02"),
		ScheduledTime:      now.Add(5 * time.Minute), // inside the expiry lead
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             store.ScheduleGenerated,
	}
	if err := s.CreateDailyAutoSchedule(ctx, sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.AttachPostToSchedule(ctx, sched.ID, post.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// A stale review token on an unrelated manual post gets retired too.
	manual := &store.Post{Status: store.PostPendingReview}
	if err := s.CreatePost(ctx, manual); err != nil {
		t.Fatalf("manual post: %v", err)
	}
	req := &store.ReviewRequest{
		PostID:         manual.ID,
		RevisionID:     uuid.New(),
		Token:          "stale-token",
		ReviewerUserID: "U1",
		Status:         store.ReviewPending,
		ExpiresAt:      now.Add(-time.Minute),
	}
	if err := s.CreateReviewRequest(ctx, req); err != nil {
		t.Fatalf("request: %v", err)
	}

	r := newTestRunner(t, s, q, &fakeReminder{}, &fakeTexts{})
	if err := r.ExpirySweep(ctx, now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := s.GetDailyAutoSchedule(ctx, sched.ID)
	if got.Status != store.ScheduleExpired {
		t.Errorf("schedule status = %s", got.Status)
	}
	// The unapproved draft is purged, not parked.
	if _, err := s.GetPost(ctx, post.ID); !store.IsNotFound(err) {
		t.Errorf("draft still present after sweep: %v", err)
	}
	reqAfter, _ := s.GetReviewRequestByToken(ctx, "stale-token")
	if reqAfter.Status != store.ReviewExpired {
		t.Errorf("request status = %s", reqAfter.Status)
	}
}

func TestExpirySweepLeavesDistantSchedulesAlone(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	sched := &store.DailyAutoSchedule{
		ScheduleDate:       now.Format("2006-01-02"),
		ScheduledTime:      now.Add(2 * time.Hour),
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             store.ScheduleGenerated,
	}
	if err := s.CreateDailyAutoSchedule(ctx, sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	r := newTestRunner(t, s, queue.NewMemoryQueue(), &fakeReminder{}, &fakeTexts{})
	if err := r.ExpirySweep(ctx, now); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := s.GetDailyAutoSchedule(ctx, sched.ID)
	if got.Status != store.ScheduleGenerated {
		t.Errorf("distant schedule expired early: %s", got.Status)
	}
}

func TestDispatchDueEnqueuesPublish(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	post := &store.Post{Status: store.PostApproved}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("post: %v", err)
	}
	sched := &store.DailyAutoSchedule{
		ScheduleDate:       now.Format("2006-01-02"),
		ScheduledTime:      now.Add(-time.Minute),
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             store.ScheduleApproved,
	}
	if err := s.CreateDailyAutoSchedule(ctx, sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.AttachPostToSchedule(ctx, sched.ID, post.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}

	r := newTestRunner(t, s, q, &fakeReminder{}, &fakeTexts{})
	if err := r.DispatchDue(ctx, now); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	job, err := q.Reserve(ctx, queue.QueuePublish, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("publish job: %v %v", job, err)
	}
	var payload queue.PublishPayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.PostID != post.ID {
		t.Errorf("dispatched post %s", payload.PostID)
	}

	// A second tick finds nothing: the claim moved the schedule on.
	if err := r.DispatchDue(ctx, now); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if job, _ := q.Reserve(ctx, queue.QueuePublish, time.Minute); job != nil {
		t.Error("schedule dispatched twice")
	}
}

func TestDispatchDueFailsScheduleWithoutPost(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	sched := &store.DailyAutoSchedule{
		ScheduleDate:       now.Format("2006-01-02"),
		ScheduledTime:      now.Add(-time.Minute),
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             store.ScheduleApproved,
	}
	if err := s.CreateDailyAutoSchedule(ctx, sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	r := newTestRunner(t, s, queue.NewMemoryQueue(), &fakeReminder{}, &fakeTexts{})
	if err := r.DispatchDue(ctx, now); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := s.GetDailyAutoSchedule(ctx, sched.ID)
	if got.Status != store.ScheduleFailed {
		t.Errorf("schedule status = %s", got.Status)
	}
}

func TestDailyRemindersOncePerDayAtLocalHour(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	loc, _ := time.LoadLocation("Asia/Taipei")
	nineAM := time.Date(2026, 8, 24, ReminderHour, 15, 0, 0, loc)

	post := &store.Post{Status: store.PostPendingReview}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("post: %v", err)
	}
	req := &store.ReviewRequest{
		PostID:         post.ID,
		RevisionID:     uuid.New(),
		Token:          "pending-token",
		ReviewerUserID: "U-reviewer",
		Status:         store.ReviewPending,
		ExpiresAt:      nineAM.Add(12 * time.Hour),
	}
	if err := s.CreateReviewRequest(ctx, req); err != nil {
		t.Fatalf("request: %v", err)
	}

	reminder := &fakeReminder{}
	texts := &fakeTexts{}
	r := newTestRunner(t, s, queue.NewMemoryQueue(), reminder, texts)

	// Outside the reminder hour nothing happens.
	if err := r.DailyReminders(ctx, nineAM.Add(-2*time.Hour)); err != nil {
		t.Fatalf("early: %v", err)
	}
	if len(texts.sent) != 0 {
		t.Fatal("reminder sent outside the window")
	}

	if err := r.DailyReminders(ctx, nineAM); err != nil {
		t.Fatalf("reminders: %v", err)
	}
	if len(texts.sent["U-reviewer"]) != 1 {
		t.Fatalf("reviewer texts = %v", texts.sent)
	}
	if len(reminder.resent) != 1 || reminder.resent[0] != req.ID {
		t.Errorf("card not resent: %v", reminder.resent)
	}

	// Same day, later in the hour: the guard suppresses a second nudge.
	if err := r.DailyReminders(ctx, nineAM.Add(30*time.Minute)); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if len(texts.sent["U-reviewer"]) != 1 {
		t.Errorf("reviewer nudged twice in one day")
	}
}
