package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/store"
)

// Tick cadences.
const (
	ExpiryInterval   = 5 * time.Minute
	DispatchInterval = 5 * time.Minute
	EnsureInterval   = 10 * time.Minute
	TokenInterval    = 6 * time.Hour
	InsightsInterval = 4 * time.Hour
	ReminderHour     = 9 // local wall-clock hour for daily reminders
)

// expiryLead is how close to its scheduled time an unapproved schedule can
// get before it is written off.
const expiryLead = 10 * time.Minute

// TokenScanner enqueues refresh work for expiring tokens.
type TokenScanner interface {
	Scan(ctx context.Context, now time.Time) (int, error)
}

// InsightsRunner sweeps posted posts for fresh metrics.
type InsightsRunner interface {
	Run(ctx context.Context, now time.Time) (int, error)
}

// ReviewReminder re-delivers cards for still-pending reviews.
type ReviewReminder interface {
	ResendPending(ctx context.Context, req *store.ReviewRequest) error
}

// Notifier delivers reminder texts.
type Notifier interface {
	SendText(ctx context.Context, userID, text string) error
}

// Runner drives all periodic work from tickers. Every tick is claimed
// through the Locker first, so running multiple replicas is safe.
type Runner struct {
	store    store.Store
	queue    queue.Queue
	selector *Selector
	tokens   TokenScanner
	insights InsightsRunner
	review   ReviewReminder
	notifier Notifier
	locker   Locker
	hub      *events.Hub
	loc      *time.Location

	mu              sync.Mutex
	lastReminderDay string

	wg sync.WaitGroup
}

// NewRunner wires the tick loop.
func NewRunner(s store.Store, q queue.Queue, sel *Selector, tokens TokenScanner, insights InsightsRunner, review ReviewReminder, n Notifier, locker Locker, hub *events.Hub, loc *time.Location) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		store:    s,
		queue:    q,
		selector: sel,
		tokens:   tokens,
		insights: insights,
		review:   review,
		notifier: n,
		locker:   locker,
		hub:      hub,
		loc:      loc,
	}
}

// Start launches all tick loops. They stop when ctx is cancelled; Wait
// blocks until they have drained.
func (r *Runner) Start(ctx context.Context) {
	r.loop(ctx, "expiry", ExpiryInterval, r.ExpirySweep)
	r.loop(ctx, "dispatch", DispatchInterval, r.DispatchDue)
	r.loop(ctx, "ensure_today", EnsureInterval, r.EnsureToday)
	r.loop(ctx, "token_scan", TokenInterval, r.TokenScan)
	r.loop(ctx, "insights", InsightsInterval, r.InsightsSweep)
	r.loop(ctx, "reminders", time.Hour, r.DailyReminders)
}

// Wait blocks until every loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context, time.Time) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		// Jitter the first run so replicas restarted together do not
		// hammer the lock at the same instant.
		jitter := time.Duration(rand.Int63n(int64(interval / 10)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.runLocked(ctx, name, interval, fn)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runLocked(ctx, name, interval, fn)
			}
		}
	}()
}

func (r *Runner) runLocked(ctx context.Context, name string, interval time.Duration, fn func(context.Context, time.Time) error) {
	ttl := interval
	if ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}
	ok, err := r.locker.TryLock(ctx, name, ttl)
	if err != nil {
		observability.SchedulerTicks.WithLabelValues(name, "error").Inc()
		log.Printf("scheduler: %s lock: %v", name, err)
		return
	}
	if !ok {
		observability.SchedulerTicks.WithLabelValues(name, "skipped").Inc()
		return
	}
	defer func() {
		if err := r.locker.Unlock(ctx, name); err != nil {
			log.Printf("scheduler: %s unlock: %v", name, err)
		}
	}()

	if err := fn(ctx, time.Now()); err != nil {
		observability.SchedulerTicks.WithLabelValues(name, "error").Inc()
		log.Printf("scheduler: %s tick: %v", name, err)
		return
	}
	observability.SchedulerTicks.WithLabelValues(name, "ok").Inc()
}

// ExpirySweep retires stale review tokens and writes off schedules whose
// drafts were never approved in time.
func (r *Runner) ExpirySweep(ctx context.Context, now time.Time) error {
	expired, err := r.store.ExpireReviewRequests(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Printf("scheduler: %d review request(s) expired", expired)
	}

	schedules, err := r.store.ExpiringGeneratedSchedules(ctx, now.Add(expiryLead))
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if err := r.store.TransitionSchedule(ctx, sched.ID, store.ScheduleGenerated, store.ScheduleExpired); err != nil {
			if store.IsConflict(err) {
				continue // approved or cancelled under us
			}
			return err
		}
		if sched.PostID != nil {
			// The draft was never approved; purge it so nothing can publish
			// it late. An in-flight generate job finds the post gone and
			// drops the work.
			if err := r.store.DeletePost(ctx, *sched.PostID); err != nil && !store.IsNotFound(err) {
				return err
			}
			r.hub.Publish(events.PostEvent{PostID: *sched.PostID, Status: store.PostSkipped, ScheduleID: sched.ID.String(), Detail: "draft purged, schedule expired unapproved"})
		}
		log.Printf("scheduler: schedule %s for %s expired unapproved", sched.ID, sched.ScheduleDate)
	}
	return nil
}

// DispatchDue claims approved schedules whose time has arrived and hands
// their posts to the publish queue.
func (r *Runner) DispatchDue(ctx context.Context, now time.Time) error {
	claimed, err := r.store.ClaimDueSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, sched := range claimed {
		if sched.PostID == nil {
			// Cannot publish without a post; close the schedule out.
			if err := r.store.FinishSchedule(ctx, sched.ID, store.ScheduleFailed, now, "no post attached"); err != nil {
				return err
			}
			continue
		}
		payload := queue.PublishPayload{Version: queue.PayloadVersion, PostID: *sched.PostID}
		if _, err := r.queue.Enqueue(ctx, queue.QueuePublish, payload); err != nil {
			return err
		}
		log.Printf("scheduler: schedule %s dispatched, post %s", sched.ID, *sched.PostID)
	}
	return nil
}

// EnsureToday runs the daily UCB selection when it has not happened yet.
func (r *Runner) EnsureToday(ctx context.Context, now time.Time) error {
	sched, err := r.selector.EnsureToday(ctx, now)
	if err != nil {
		if err == ErrNotScheduled {
			return nil
		}
		return err
	}
	log.Printf("scheduler: today's schedule %s created for %s", sched.ID, sched.ScheduledTime.Format(time.RFC3339))
	return nil
}

// TokenScan enqueues refresh jobs for tokens approaching expiry.
func (r *Runner) TokenScan(ctx context.Context, now time.Time) error {
	_, err := r.tokens.Scan(ctx, now)
	return err
}

// InsightsSweep refreshes engagement metrics for recent posts.
func (r *Runner) InsightsSweep(ctx context.Context, now time.Time) error {
	_, err := r.insights.Run(ctx, now)
	return err
}

// DailyReminders nudges reviewers with outstanding pending reviews once a
// day at the configured local hour.
func (r *Runner) DailyReminders(ctx context.Context, now time.Time) error {
	local := now.In(r.loc)
	if local.Hour() != ReminderHour {
		return nil
	}
	day := local.Format("2006-01-02")

	r.mu.Lock()
	if r.lastReminderDay == day {
		r.mu.Unlock()
		return nil
	}
	r.lastReminderDay = day
	r.mu.Unlock()

	backlogs, err := r.store.ReviewerBacklogs(ctx, now)
	if err != nil {
		return err
	}
	for _, b := range backlogs {
		if b.Pending == 0 {
			continue
		}
		text := fmt.Sprintf("You have %d post(s) waiting for review.", b.Pending)
		if err := r.notifier.SendText(ctx, b.ReviewerUserID, text); err != nil {
			log.Printf("scheduler: reminder to %s: %v", b.ReviewerUserID, err)
			continue
		}
		// Re-push the newest pending card so the reviewer can act from the
		// reminder without digging for the original.
		if req, err := r.store.PendingReviewForUser(ctx, b.ReviewerUserID, now); err == nil {
			if err := r.review.ResendPending(ctx, req); err != nil {
				log.Printf("scheduler: card resend to %s: %v", b.ReviewerUserID, err)
			}
		}
	}
	return nil
}
