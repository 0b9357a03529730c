package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/PostForge/internal/observability"
)

// Handler processes one reserved job. A nil return completes the job; an
// error fails it (retried with backoff until MaxAttempts).
type Handler func(ctx context.Context, job *Job) error

// Pool runs a fixed number of worker slots against one queue. Each slot
// polls Reserve, runs the handler, and keeps the lease alive while the
// handler runs. Shutdown is cooperative: cancelling the run context stops
// new reservations; active handlers get the grace period to finish.
type Pool struct {
	queue       Queue
	name        string
	concurrency int
	handler     Handler

	lease       time.Duration
	pollEvery   time.Duration
	gracePeriod time.Duration

	wg sync.WaitGroup
}

// NewPool creates a worker pool for the named queue.
func NewPool(q Queue, name string, concurrency int, handler Handler) *Pool {
	return &Pool{
		queue:       q,
		name:        name,
		concurrency: concurrency,
		handler:     handler,
		lease:       60 * time.Second,
		pollEvery:   time.Second,
		gracePeriod: 30 * time.Second,
	}
}

// SetLease overrides the reservation lease (tests use short leases).
func (p *Pool) SetLease(d time.Duration) { p.lease = d }

// SetPollInterval overrides the reserve polling cadence.
func (p *Pool) SetPollInterval(d time.Duration) { p.pollEvery = d }

// Start launches the pool slots. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
	log.Printf("worker pool %q started with %d slots", p.name, p.concurrency)
}

// Wait blocks until all slots have drained, or the grace period elapses.
func (p *Pool) Wait() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.gracePeriod):
		log.Printf("worker pool %q: grace period elapsed, abandoning active jobs", p.name)
	}
}

func (p *Pool) slot(ctx context.Context, idx int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := p.queue.Reserve(ctx, p.name, p.lease)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("worker %s[%d]: reserve failed: %v", p.name, idx, err)
			}
			continue
		}
		if job == nil {
			continue
		}
		p.run(ctx, job)
	}
}

func (p *Pool) run(ctx context.Context, job *Job) {
	observability.WorkerSlots.WithLabelValues(p.name).Inc()
	defer observability.WorkerSlots.WithLabelValues(p.name).Dec()

	start := time.Now()
	defer func() {
		observability.JobDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}()

	// Keep the lease alive for the duration of the handler. If this process
	// dies mid-handler the lease lapses and the job is re-delivered.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(p.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(heartbeatCtx, job.ID, p.lease); err != nil {
					return
				}
			}
		}
	}()

	err := p.safeHandle(ctx, job)
	stopHeartbeat()

	if err != nil {
		log.Printf("worker %s: job %s attempt %d/%d failed: %v",
			p.name, job.ID, job.Attempts, job.MaxAttempts, err)
		if failErr := p.queue.Fail(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			log.Printf("worker %s: fail ack for job %s: %v", p.name, job.ID, failErr)
		}
		if job.Attempts < job.MaxAttempts {
			observability.JobsProcessed.WithLabelValues(p.name, "retried").Inc()
		} else {
			observability.JobsProcessed.WithLabelValues(p.name, "failed").Inc()
		}
		return
	}

	if ackErr := p.queue.Complete(context.WithoutCancel(ctx), job.ID); ackErr != nil {
		// Lease lapsed and the job was re-delivered elsewhere. Handlers are
		// idempotent, so this is noise rather than corruption.
		log.Printf("worker %s: complete ack for job %s: %v", p.name, job.ID, ackErr)
	}
	observability.JobsProcessed.WithLabelValues(p.name, "completed").Inc()
}

func (p *Pool) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}
