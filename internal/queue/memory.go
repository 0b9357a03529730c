package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue with the same semantics as the Postgres
// implementation. Used by tests and single-process dev runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

// NewMemoryQueue initializes an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[uuid.UUID]*Job)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, payload any, opts ...Option) (uuid.UUID, error) {
	o := buildOptions(opts)

	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue marshal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j := &Job{
		ID:          uuid.New(),
		QueueName:   queue,
		Payload:     data,
		Status:      JobWaiting,
		MaxAttempts: o.MaxAttempts,
		AvailableAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	if o.Delay > 0 {
		j.Status = JobDelayed
		j.AvailableAt = j.AvailableAt.Add(o.Delay)
	}
	q.jobs[j.ID] = j
	return j.ID, nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var candidates []*Job
	for _, j := range q.jobs {
		if j.QueueName != queue {
			continue
		}
		runnable := (j.Status == JobWaiting || j.Status == JobDelayed) && !j.AvailableAt.After(now)
		reclaimable := j.Status == JobActive && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
		if runnable || reclaimable {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].AvailableAt.Equal(candidates[j].AvailableAt) {
			return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	j := candidates[0]
	j.Status = JobActive
	j.Attempts++
	exp := now.Add(lease)
	j.LeaseExpiresAt = &exp

	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != JobActive {
		return ErrJobNotActive
	}
	j.Status = JobCompleted
	j.LeaseExpiresAt = nil
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != JobActive {
		return ErrJobNotActive
	}
	j.LastError = jobErr
	j.LeaseExpiresAt = nil
	if j.Attempts < j.MaxAttempts {
		j.Status = JobDelayed
		j.AvailableAt = time.Now().Add(Backoff(j.Attempts))
	} else {
		j.Status = JobFailed
	}
	return nil
}

func (q *MemoryQueue) ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != JobActive {
		return ErrJobNotActive
	}
	exp := time.Now().Add(lease)
	j.LeaseExpiresAt = &exp
	return nil
}

// Snapshot returns a copy of a job for test assertions.
func (q *MemoryQueue) Snapshot(jobID uuid.UUID) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// CountByStatus returns how many jobs on the queue are in the given status.
func (q *MemoryQueue) CountByStatus(queue, status string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.QueueName == queue && j.Status == status {
			n++
		}
	}
	return n
}
