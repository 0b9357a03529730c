package tokens

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
)

type fakeRefresher struct {
	err       error
	newToken  string
	expiresAt time.Time
	got       []string // plaintext tokens passed in
}

func (f *fakeRefresher) Refresh(_ context.Context, token string) (string, time.Time, error) {
	f.got = append(f.got, token)
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.newToken, f.expiresAt, nil
}

type fakeAlerts struct {
	texts []string
}

func (f *fakeAlerts) SendText(_ context.Context, _, text string) error {
	f.texts = append(f.texts, text)
	return nil
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

func seedAccount(t *testing.T, s *store.MemoryStore, cipher *crypto.Cipher, token string, expiresAt time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	a := &store.ThreadsAccount{Username: "brand", ExternalAccountID: uuid.NewString(), Status: "ACTIVE"}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("account: %v", err)
	}
	enc, err := cipher.Encrypt(token)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := s.UpsertAuth(ctx, &store.ThreadsAuth{AccountID: a.ID, AccessToken: enc, ExpiresAt: expiresAt, Status: store.AuthOK}); err != nil {
		t.Fatalf("auth: %v", err)
	}
	return a.ID
}

func refreshJob(t *testing.T, accountID uuid.UUID) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(queue.TokenRefreshPayload{Version: queue.PayloadVersion, AccountID: accountID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &queue.Job{Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func TestScanEnqueuesOnlyDueAuths(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	cipher := testCipher(t)
	ctx := context.Background()
	now := time.Now()

	due := seedAccount(t, s, cipher, "old-token", now.Add(3*24*time.Hour))
	seedAccount(t, s, cipher, "fresh-token", now.Add(40*24*time.Hour))

	l := NewLifecycle(s, &fakeRefresher{}, cipher, q, &fakeAlerts{})
	n, err := l.Scan(ctx, now)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued %d jobs, want 1", n)
	}

	job, err := q.Reserve(ctx, queue.QueueTokenRefresh, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("reserve: %v %v", job, err)
	}
	var payload queue.TokenRefreshPayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.AccountID != due {
		t.Errorf("enqueued account %s, want %s", payload.AccountID, due)
	}
}

func TestRefreshRotatesEncryptedToken(t *testing.T) {
	s := store.NewMemoryStore()
	cipher := testCipher(t)
	ctx := context.Background()
	now := time.Now()

	accountID := seedAccount(t, s, cipher, "old-token", now.Add(2*24*time.Hour))
	newExpiry := now.Add(60 * 24 * time.Hour)
	refresher := &fakeRefresher{newToken: "rotated-token", expiresAt: newExpiry}

	l := NewLifecycle(s, refresher, cipher, queue.NewMemoryQueue(), &fakeAlerts{})
	if err := l.Handle(ctx, refreshJob(t, accountID)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(refresher.got) != 1 || refresher.got[0] != "old-token" {
		t.Errorf("refresher saw %v", refresher.got)
	}
	auth, _ := s.GetAuth(ctx, accountID)
	plain, err := cipher.Decrypt(auth.AccessToken)
	if err != nil {
		t.Fatalf("decrypt stored token: %v", err)
	}
	if plain != "rotated-token" {
		t.Errorf("stored token = %q", plain)
	}
	if !auth.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expiry = %v", auth.ExpiresAt)
	}
	if auth.LastRefreshedAt == nil {
		t.Error("last_refreshed_at not set")
	}
}

func TestRefreshSkipsIneligibleAuths(t *testing.T) {
	s := store.NewMemoryStore()
	cipher := testCipher(t)
	ctx := context.Background()
	now := time.Now()

	// Refreshed two hours ago; the handler must not touch it again.
	accountID := seedAccount(t, s, cipher, "recent-token", now.Add(2*24*time.Hour))
	refreshed := now.Add(-2 * time.Hour)
	auth, _ := s.GetAuth(ctx, accountID)
	auth.LastRefreshedAt = &refreshed
	if err := s.UpsertAuth(ctx, auth); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	refresher := &fakeRefresher{newToken: "should-not-happen"}
	l := NewLifecycle(s, refresher, cipher, queue.NewMemoryQueue(), &fakeAlerts{})
	if err := l.Handle(ctx, refreshJob(t, accountID)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(refresher.got) != 0 {
		t.Errorf("ineligible auth was refreshed")
	}
}

func TestRefreshFailureEscalates(t *testing.T) {
	s := store.NewMemoryStore()
	cipher := testCipher(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveSchedulerConfig(ctx, &store.SchedulerConfig{LineUserID: "U-admin"}); err != nil {
		t.Fatalf("config: %v", err)
	}
	accountID := seedAccount(t, s, cipher, "doomed-token", now.Add(2*24*time.Hour))

	refresher := &fakeRefresher{err: &social.APIError{Code: social.CodeTokenExpired, Status: 401, Operation: "refresh", Msg: "expired"}}
	alerts := &fakeAlerts{}
	l := NewLifecycle(s, refresher, cipher, queue.NewMemoryQueue(), alerts)

	if err := l.Handle(ctx, refreshJob(t, accountID)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	auth, _ := s.GetAuth(ctx, accountID)
	if auth.Status != store.AuthActionRequired {
		t.Errorf("auth status = %s", auth.Status)
	}
	if len(alerts.texts) != 1 {
		t.Fatalf("alerts = %v", alerts.texts)
	}
}

func TestRefreshRetriableFailureReturnsError(t *testing.T) {
	s := store.NewMemoryStore()
	cipher := testCipher(t)
	ctx := context.Background()
	now := time.Now()

	accountID := seedAccount(t, s, cipher, "flaky-token", now.Add(2*24*time.Hour))
	refresher := &fakeRefresher{err: &social.APIError{Code: social.CodeNetwork, Status: 502, Operation: "refresh", Msg: "bad gateway"}}
	alerts := &fakeAlerts{}
	l := NewLifecycle(s, refresher, cipher, queue.NewMemoryQueue(), alerts)

	if err := l.Handle(ctx, refreshJob(t, accountID)); err == nil {
		t.Fatal("retriable failure must surface to the queue")
	}
	auth, _ := s.GetAuth(ctx, accountID)
	if auth.Status != store.AuthOK {
		t.Errorf("retriable failure flagged the auth: %s", auth.Status)
	}
	if len(alerts.texts) != 0 {
		t.Errorf("retriable failure alerted the operator")
	}
}
