package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testPayload struct {
	Version int       `json:"version"`
	ID      uuid.UUID `json:"id"`
}

func TestReserveIsExclusive(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "generate", testPayload{Version: 1, ID: uuid.New()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Reserve(ctx, "generate", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first == nil {
		t.Fatal("expected a job")
	}
	second, err := q.Reserve(ctx, "generate", time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if second != nil {
		t.Fatal("job reserved twice")
	}
}

func TestLapsedLeaseIsReclaimed(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "publish", testPayload{Version: 1})
	first, err := q.Reserve(ctx, "publish", 10*time.Millisecond)
	if err != nil || first == nil {
		t.Fatalf("reserve: %v %v", first, err)
	}

	time.Sleep(20 * time.Millisecond)

	second, err := q.Reserve(ctx, "publish", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if second == nil || second.ID != id {
		t.Fatal("lapsed job not reclaimed")
	}
	if second.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", second.Attempts)
	}

	// The first holder's ack must be rejected after the reclaim... its job
	// is ACTIVE again under the new lease, so Complete still succeeds once.
	if err := q.Complete(ctx, second.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := q.Complete(ctx, second.ID); err != ErrJobNotActive {
		t.Errorf("double complete: %v", err)
	}
}

func TestFailRequeuesWithBackoffUntilBudget(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "generate", testPayload{Version: 1}, WithMaxAttempts(2))

	job, _ := q.Reserve(ctx, "generate", time.Minute)
	if err := q.Fail(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	snap, _ := q.Snapshot(id)
	if snap.Status != JobDelayed {
		t.Fatalf("after first fail status = %s", snap.Status)
	}
	if wait := time.Until(snap.AvailableAt); wait < time.Second || wait > 3*time.Second {
		t.Errorf("first backoff = %v, want about 2s", wait)
	}

	// Exhaust the budget: pretend the delay elapsed.
	snap, _ = q.Snapshot(id)
	q.mu.Lock()
	q.jobs[id].AvailableAt = time.Now()
	q.mu.Unlock()

	job, _ = q.Reserve(ctx, "generate", time.Minute)
	if job == nil {
		t.Fatal("requeued job not reservable")
	}
	if err := q.Fail(ctx, job.ID, "boom again"); err != nil {
		t.Fatalf("final fail: %v", err)
	}
	snap, _ = q.Snapshot(id)
	if snap.Status != JobFailed {
		t.Errorf("after budget exhausted status = %s", snap.Status)
	}
	if snap.LastError != "boom again" {
		t.Errorf("last error = %q", snap.LastError)
	}
}

func TestDelayedJobNotReservableEarly(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, "publish", testPayload{Version: 1}, WithDelay(time.Hour))
	job, err := q.Reserve(ctx, "publish", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job != nil {
		t.Fatal("delayed job reserved before its time")
	}
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 10 * time.Second},
		{3, 60 * time.Second},
		{7, 60 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDecodePayloadVersionCheck(t *testing.T) {
	var out testPayload
	if err := DecodePayload([]byte(`{"version":1}`), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := DecodePayload([]byte(`{"version":99}`), &out); err == nil {
		t.Fatal("unsupported version accepted")
	}
}

func TestPoolProcessesAndCompletes(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan uuid.UUID, 1)
	pool := NewPool(q, "generate", 1, func(ctx context.Context, job *Job) error {
		var p testPayload
		if err := DecodePayload(job.Payload, &p); err != nil {
			return err
		}
		done <- job.ID
		return nil
	})
	pool.SetPollInterval(5 * time.Millisecond)
	pool.Start(ctx)

	id, _ := q.Enqueue(ctx, "generate", testPayload{Version: 1, ID: uuid.New()})

	select {
	case got := <-done:
		if got != id {
			t.Errorf("processed job %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never processed")
	}

	deadline := time.Now().Add(time.Second)
	for {
		snap, _ := q.Snapshot(id)
		if snap.Status == JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", snap.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
