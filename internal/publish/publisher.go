// Package publish delivers approved posts to the social platform and
// finalizes their outcome: POSTED with media IDs, or a classified failure
// with the matching escalation.
package publish

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
)

// rescheduleSlack tolerates clock skew between the queue's delay and the
// post's scheduled time before a delivery is treated as premature.
const rescheduleSlack = time.Minute

// SocialPublisher is the platform surface the publisher needs.
type SocialPublisher interface {
	Publish(ctx context.Context, externalAccountID, token, text string) (mediaID, permalink string, err error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	SendText(ctx context.Context, userID, text string) error
}

// Publisher is the handler behind the publish queue.
type Publisher struct {
	store    store.Store
	social   SocialPublisher
	cipher   *crypto.Cipher
	hub      *events.Hub
	notifier Notifier
	queue    queue.Queue
	loc      *time.Location
}

// NewPublisher wires the publish handler. loc is the platform's local
// timezone used for performance-log bucketing.
func NewPublisher(s store.Store, sc SocialPublisher, cipher *crypto.Cipher, hub *events.Hub, n Notifier, q queue.Queue, loc *time.Location) *Publisher {
	if loc == nil {
		loc = time.UTC
	}
	return &Publisher{store: s, social: sc, cipher: cipher, hub: hub, notifier: n, queue: q, loc: loc}
}

// Handle processes one publish job. Duplicate deliveries for posts that
// already moved past APPROVED are dropped without side effects.
func (p *Publisher) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.PublishPayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		return err
	}

	post, err := p.store.GetPost(ctx, payload.PostID)
	if err != nil {
		if store.IsNotFound(err) {
			observability.Publishes.WithLabelValues("stale_drop").Inc()
			return nil
		}
		return err
	}

	switch post.Status {
	case store.PostApproved:
		// A delayed job delivered before a pushed-back scheduled time is
		// premature, not stale: hand the wait back to the queue.
		if post.ScheduledFor != nil {
			if wait := time.Until(*post.ScheduledFor); wait > rescheduleSlack {
				_, err := p.queue.Enqueue(ctx, queue.QueuePublish,
					queue.PublishPayload{Version: queue.PayloadVersion, PostID: post.ID},
					queue.WithDelay(wait))
				return err
			}
		}
		if err := p.store.TransitionPost(ctx, post.ID, store.PostApproved, store.PostPublishing); err != nil {
			if store.IsConflict(err) {
				observability.Publishes.WithLabelValues("stale_drop").Inc()
				return nil
			}
			return err
		}
	case store.PostPublishing:
		// Lease lapsed mid-publish; resume. The platform's container step is
		// repeated, which at worst re-creates an unpublished container.
	default:
		observability.Publishes.WithLabelValues("stale_drop").Inc()
		return nil
	}
	p.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostPublishing})

	rev, err := p.store.LatestRevision(ctx, post.ID)
	if err != nil {
		return err
	}

	account, err := p.resolveAccount(ctx, post)
	if err != nil {
		return p.terminalFailure(ctx, post, store.PostFailed, "NO_ACCOUNT", err.Error())
	}

	auth, err := p.store.GetAuth(ctx, account.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return p.actionRequired(ctx, post, account.ID, "account has no stored token")
		}
		return err
	}
	if auth.Status != store.AuthOK {
		return p.actionRequired(ctx, post, account.ID, fmt.Sprintf("account auth is %s", auth.Status))
	}

	token, err := p.cipher.Decrypt(auth.AccessToken)
	if err != nil {
		return p.actionRequired(ctx, post, account.ID, "stored token cannot be decrypted")
	}

	mediaID, permalink, err := p.social.Publish(ctx, account.ExternalAccountID, token, rev.Content)
	if err != nil {
		return p.publishFailure(ctx, post, account.ID, job, err)
	}

	now := time.Now()
	if err := p.store.MarkPostPosted(ctx, post.ID, mediaID, permalink, now); err != nil {
		return err
	}
	observability.Publishes.WithLabelValues("posted").Inc()
	p.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostPosted, Detail: permalink})
	log.Printf("publish: post %s live as media %s", post.ID, mediaID)

	p.finishSchedule(ctx, post, now)
	return nil
}

func (p *Publisher) resolveAccount(ctx context.Context, post *store.Post) (*store.ThreadsAccount, error) {
	if post.ThreadsAccountID != nil {
		return p.store.GetAccount(ctx, *post.ThreadsAccountID)
	}
	return p.store.DefaultAccount(ctx)
}

// publishFailure classifies the social API error. Retriable classes are
// retried through the queue until the attempt budget runs out; the rest
// are terminal.
func (p *Publisher) publishFailure(ctx context.Context, post *store.Post, accountID uuid.UUID, job *queue.Job, err error) error {
	code := social.Classify(err)
	if social.Retriable(code) && job.Attempts < job.MaxAttempts {
		return err // queue backoff retries while the post stays PUBLISHING
	}

	if code == social.CodeTokenExpired {
		return p.actionRequired(ctx, post, accountID, err.Error())
	}
	return p.terminalFailure(ctx, post, store.PostFailed, string(code), err.Error())
}

func (p *Publisher) actionRequired(ctx context.Context, post *store.Post, accountID uuid.UUID, msg string) error {
	if err := p.store.MarkAuthActionRequired(ctx, accountID); err != nil && !store.IsNotFound(err) {
		log.Printf("publish: mark auth action-required for account %s: %v", accountID, err)
	}
	if err := p.terminalFailure(ctx, post, store.PostActionRequired, string(social.CodeTokenExpired), msg); err != nil {
		return err
	}
	if admin := p.adminUser(ctx); admin != "" {
		text := fmt.Sprintf("Publishing failed: the connected account needs re-authorization (%s).", msg)
		if err := p.notifier.SendText(ctx, admin, text); err != nil {
			log.Printf("publish: admin alert: %v", err)
		}
	}
	return nil
}

func (p *Publisher) terminalFailure(ctx context.Context, post *store.Post, status, code, msg string) error {
	if err := p.store.MarkPostFailed(ctx, post.ID, status, code, msg); err != nil {
		return err
	}
	outcome := "failed"
	if status == store.PostActionRequired {
		outcome = "action_required"
	}
	observability.Publishes.WithLabelValues(outcome).Inc()
	p.hub.Publish(events.PostEvent{PostID: post.ID, Status: status, Detail: code})

	if sched, err := p.store.ScheduleForPost(ctx, post.ID); err == nil {
		if err := p.store.FinishSchedule(ctx, sched.ID, store.ScheduleFailed, time.Now(), msg); err != nil {
			log.Printf("publish: schedule %s fail mark: %v", sched.ID, err)
		}
	}
	return nil
}

// finishSchedule closes out the auto-schedule behind the post (when there
// is one) and appends the performance-log row the bandit learns from.
func (p *Publisher) finishSchedule(ctx context.Context, post *store.Post, postedAt time.Time) {
	sched, err := p.store.ScheduleForPost(ctx, post.ID)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Printf("publish: schedule lookup for post %s: %v", post.ID, err)
		}
		return
	}

	if err := p.store.FinishSchedule(ctx, sched.ID, store.SchedulePublished, postedAt, ""); err != nil {
		log.Printf("publish: schedule %s finish: %v", sched.ID, err)
	}
	p.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostPosted, ScheduleID: sched.ID.String()})

	local := postedAt.In(p.loc)
	perf := &store.PerformanceLog{
		PostID:          post.ID,
		TemplateID:      sched.SelectedTemplateID,
		TimeSlotID:      sched.SelectedTimeSlotID,
		PostedAt:        postedAt,
		PostedHour:      local.Hour(),
		PostedMinute:    local.Minute(),
		DayOfWeek:       store.ISOWeekday(local.Weekday()),
		UCBScore:        sched.UCBScore,
		WasExploration:  sched.WasExploration,
		SelectionReason: sched.SelectionReason,
	}
	if err := p.store.CreatePerformanceLog(ctx, perf); err != nil {
		log.Printf("publish: performance log for post %s: %v", post.ID, err)
	}
}

func (p *Publisher) adminUser(ctx context.Context) string {
	if cfg, err := p.store.GetSchedulerConfig(ctx); err == nil {
		return cfg.LineUserID
	}
	return ""
}
