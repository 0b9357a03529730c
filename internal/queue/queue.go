// Package queue is a durable multi-queue with leases, delayed jobs and
// retry backoff. Delivery is at-least-once; handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the pipeline.
const (
	QueueGenerate     = "generate"
	QueuePublish      = "publish"
	QueueTokenRefresh = "token_refresh"
)

// Job statuses.
const (
	JobWaiting   = "WAITING"
	JobActive    = "ACTIVE"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
	JobDelayed   = "DELAYED"
)

// DefaultMaxAttempts is applied when Enqueue gets no override.
const DefaultMaxAttempts = 3

var (
	// ErrJobNotActive is returned by Complete/Fail/ExtendLease when the job
	// is not held (lease lapsed and the job was reclaimed, or a double ack).
	ErrJobNotActive = errors.New("queue: job not active")
)

// Job is one unit of queued work.
type Job struct {
	ID             uuid.UUID
	QueueName      string
	Payload        json.RawMessage
	Status         string
	Attempts       int
	MaxAttempts    int
	AvailableAt    time.Time
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
}

// Backoff returns the requeue delay after the given 1-based attempt.
// Default schedule: 2s, 10s, 60s, then 60s flat.
func Backoff(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 2 * time.Second
	case attempt == 2:
		return 10 * time.Second
	default:
		return 60 * time.Second
	}
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// Option mutates EnqueueOptions.
type Option func(*EnqueueOptions)

// WithDelay makes the job reservable only after the delay elapses.
func WithDelay(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) Option {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// Queue is the durable job queue contract.
//
// Reserve is atomic: at most one worker observes a given job ACTIVE. A job
// whose lease expires without Complete/Fail is reclaimed and re-reserved.
// Fail re-queues with Backoff(attempt) until attempts reach MaxAttempts.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...Option) (uuid.UUID, error)
	Reserve(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, jobErr string) error
	ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error
}

func buildOptions(opts []Option) EnqueueOptions {
	o := EnqueueOptions{MaxAttempts: DefaultMaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
