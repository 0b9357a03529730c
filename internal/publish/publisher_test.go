package publish

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
)

type fakeSocial struct {
	err      error
	calls    int
	lastText string
}

func (f *fakeSocial) Publish(_ context.Context, _, _, text string) (string, string, error) {
	f.calls++
	f.lastText = text
	if f.err != nil {
		return "", "", f.err
	}
	return "media-123", "https://threads.net/p/media-123", nil
}

type fakeAlerts struct {
	texts []string
}

func (f *fakeAlerts) SendText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

type publishFixture struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	social *fakeSocial
	alerts *fakeAlerts
	cipher *crypto.Cipher
	pub    *Publisher
	post   *store.Post
}

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	c, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return c
}

func newPublishFixture(t *testing.T) *publishFixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	sc := &fakeSocial{}
	alerts := &fakeAlerts{}
	cipher := testCipher(t)

	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	pub := NewPublisher(s, sc, cipher, events.NewHub(), alerts, q, loc)

	account := &store.ThreadsAccount{Username: "brand", ExternalAccountID: "ext-1", Status: "ACTIVE", IsDefault: true}
	if err := s.CreateAccount(ctx, account); err != nil {
		t.Fatalf("account: %v", err)
	}
	enc, err := cipher.Encrypt("live-access-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := s.UpsertAuth(ctx, &store.ThreadsAuth{
		AccountID:   account.ID,
		AccessToken: enc,
		ExpiresAt:   time.Now().Add(30 * 24 * time.Hour),
		Status:      store.AuthOK,
	}); err != nil {
		t.Fatalf("auth: %v", err)
	}

	// The scheduler config names the operator who receives alerts.
	if err := s.SaveSchedulerConfig(ctx, &store.SchedulerConfig{LineUserID: "U-admin"}); err != nil {
		t.Fatalf("config: %v", err)
	}

	post := &store.Post{Status: store.PostApproved}
	if err := s.CreatePost(ctx, post); err != nil {
		t.Fatalf("post: %v", err)
	}
	rev := &store.Revision{PostID: post.ID, Content: "approved announcement"}
	if err := s.CreateRevision(ctx, rev); err != nil {
		t.Fatalf("revision: %v", err)
	}
	return &publishFixture{store: s, queue: q, social: sc, alerts: alerts, cipher: cipher, pub: pub, post: post}
}

func publishJob(t *testing.T, fx *publishFixture) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(queue.PublishPayload{Version: queue.PayloadVersion, PostID: fx.post.ID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Job{Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func TestPublishSuccess(t *testing.T) {
	fx := newPublishFixture(t)
	ctx := context.Background()

	if err := fx.pub.Handle(ctx, publishJob(t, fx)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	post, _ := fx.store.GetPost(ctx, fx.post.ID)
	if post.Status != store.PostPosted {
		t.Errorf("status = %s", post.Status)
	}
	if post.MediaID != "media-123" {
		t.Errorf("media id = %q", post.MediaID)
	}
	if fx.social.lastText != "approved announcement" {
		t.Errorf("published text = %q", fx.social.lastText)
	}
}

func TestPublishClosesScheduleAndLogsPerformance(t *testing.T) {
	fx := newPublishFixture(t)
	ctx := context.Background()

	sched := &store.DailyAutoSchedule{
		ScheduleDate:       time.Now().Format("2006-01-02"),
		ScheduledTime:      time.Now(),
		SelectedTimeSlotID: uuid.New(),
		SelectedTemplateID: uuid.New(),
		Status:             store.SchedulePublishing,
		UCBScore:           1.42,
		WasExploration:     true,
		SelectionReason:    `{"policy":"ucb1"}`,
	}
	if err := fx.store.CreateDailyAutoSchedule(ctx, sched); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := fx.store.AttachPostToSchedule(ctx, sched.ID, fx.post.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := fx.pub.Handle(ctx, publishJob(t, fx)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := fx.store.GetDailyAutoSchedule(ctx, sched.ID)
	if got.Status != store.SchedulePublished {
		t.Errorf("schedule status = %s", got.Status)
	}

	logs, err := fx.store.ListPerformanceLogs(ctx, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("performance logs = %d, err %v", len(logs), err)
	}
	perf := logs[0]
	if perf.TemplateID != sched.SelectedTemplateID || perf.TimeSlotID != sched.SelectedTimeSlotID {
		t.Errorf("performance log not tied to the schedule's arm")
	}
	if perf.UCBScore != 1.42 || !perf.WasExploration {
		t.Errorf("bandit fields not carried over: %+v", perf)
	}
	loc, _ := time.LoadLocation("Asia/Taipei")
	if want := perf.PostedAt.In(loc).Hour(); perf.PostedHour != want {
		t.Errorf("posted hour = %d, want local %d", perf.PostedHour, want)
	}
	// Monday=1..Sunday=7, same convention as the slot schedules.
	if want := store.ISOWeekday(perf.PostedAt.In(loc).Weekday()); perf.DayOfWeek != want {
		t.Errorf("day of week = %d, want %d", perf.DayOfWeek, want)
	}
}

func TestPublishTokenExpiredFlagsAccount(t *testing.T) {
	fx := newPublishFixture(t)
	ctx := context.Background()

	fx.social.err = &social.APIError{Code: social.CodeTokenExpired, Status: 401, Operation: "publish", Msg: "token expired"}

	if err := fx.pub.Handle(ctx, publishJob(t, fx)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	post, _ := fx.store.GetPost(ctx, fx.post.ID)
	if post.Status != store.PostActionRequired {
		t.Errorf("status = %s", post.Status)
	}
	if post.LastErrorCode != string(social.CodeTokenExpired) {
		t.Errorf("error code = %s", post.LastErrorCode)
	}
	account, _ := fx.store.DefaultAccount(ctx)
	auth, _ := fx.store.GetAuth(ctx, account.ID)
	if auth.Status != store.AuthActionRequired {
		t.Errorf("auth status = %s", auth.Status)
	}
	if len(fx.alerts.texts) != 1 || !strings.Contains(fx.alerts.texts[0], "re-authorization") {
		t.Errorf("operator alert = %v", fx.alerts.texts)
	}
}

func TestPublishRetriableFailureStaysPublishing(t *testing.T) {
	fx := newPublishFixture(t)
	ctx := context.Background()

	fx.social.err = &social.APIError{Code: social.CodeRateLimit, Status: 429, Operation: "publish", Msg: "throttled"}

	job := publishJob(t, fx)
	if err := fx.pub.Handle(ctx, job); err == nil {
		t.Fatal("retriable failure must surface to the queue")
	}

	post, _ := fx.store.GetPost(ctx, fx.post.ID)
	if post.Status != store.PostPublishing {
		t.Errorf("status = %s, want PUBLISHING for the retry", post.Status)
	}

	// At the attempt budget the same error becomes terminal.
	job.Attempts = job.MaxAttempts
	if err := fx.pub.Handle(ctx, job); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	post, _ = fx.store.GetPost(ctx, fx.post.ID)
	if post.Status != store.PostFailed {
		t.Errorf("final status = %s", post.Status)
	}
	if post.LastErrorCode != string(social.CodeRateLimit) {
		t.Errorf("error code = %s", post.LastErrorCode)
	}
}

func TestPublishPrematureDeliveryIsRescheduled(t *testing.T) {
	fx := newPublishFixture(t)
	ctx := context.Background()

	at := time.Now().Add(45 * time.Minute)
	if err := fx.store.SetPostScheduledFor(ctx, fx.post.ID, &at); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := fx.pub.Handle(ctx, publishJob(t, fx)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	post, _ := fx.store.GetPost(ctx, fx.post.ID)
	if post.Status != store.PostApproved {
		t.Errorf("premature delivery changed status to %s", post.Status)
	}
	if fx.social.calls != 0 {
		t.Error("premature delivery reached the platform")
	}
	// The replacement job exists but is not reservable yet.
	if job, _ := fx.queue.Reserve(ctx, queue.QueuePublish, time.Minute); job != nil {
		t.Error("rescheduled job reservable immediately")
	}
}

func TestPublishStaleDeliveryIsDropped(t *testing.T) {
	fx := newPublishFixture(t)
	ctx := context.Background()

	if err := fx.store.TransitionPost(ctx, fx.post.ID, store.PostApproved, store.PostPublishing); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := fx.store.MarkPostPosted(ctx, fx.post.ID, "m-old", "url", time.Now()); err != nil {
		t.Fatalf("posted: %v", err)
	}

	if err := fx.pub.Handle(ctx, publishJob(t, fx)); err != nil {
		t.Fatalf("stale delivery should no-op: %v", err)
	}
	if fx.social.calls != 0 {
		t.Error("stale delivery reached the platform")
	}
}
