// Package review owns the human approval loop: one-shot review tokens,
// card delivery to the reviewer's chat, and the approve / regenerate /
// skip / edit actions that come back through the webhook.
package review

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/itskum47/PostForge/internal/chat"
	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/store"
)

// Review postback actions.
const (
	ActionApprove     = "approve"
	ActionRegenerate  = "regenerate"
	ActionSkip        = "skip"
	ActionConfirmEdit = "confirm_edit"
	ActionCancelEdit  = "cancel_edit"
)

// TokenTTL is how long a review token stays redeemable.
const TokenTTL = 24 * time.Hour

// EditTTL is how long a typed edit waits for confirmation.
const EditTTL = 10 * time.Minute

// Notifier is the chat surface the coordinator talks through.
type Notifier interface {
	SendText(ctx context.Context, userID, text string) error
	SendReviewCard(ctx context.Context, userID string, card chat.ReviewCard) error
	SendEditConfirmCard(ctx context.Context, userID, edited, confirmToken, cancelToken string) error
}

// Coordinator drives the review lifecycle for posts in PENDING_REVIEW.
type Coordinator struct {
	store    store.Store
	queue    queue.Queue
	notifier Notifier
	edits    EditState
	hub      *events.Hub

	// defaultReviewer receives cards when the scheduler config names nobody.
	defaultReviewer string
}

// NewCoordinator wires the review loop.
func NewCoordinator(s store.Store, q queue.Queue, n Notifier, edits EditState, hub *events.Hub, defaultReviewer string) *Coordinator {
	return &Coordinator{
		store:           s,
		queue:           q,
		notifier:        n,
		edits:           edits,
		hub:             hub,
		defaultReviewer: defaultReviewer,
	}
}

// NewToken returns a 128-bit opaque review token.
func NewToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(b[:])
}

// RequestReview creates a one-shot token for the revision and pushes the
// review card. Called by the pipeline after a post reaches PENDING_REVIEW.
func (c *Coordinator) RequestReview(ctx context.Context, post *store.Post, rev *store.Revision, scheduledFor *time.Time) error {
	if scheduledFor != nil {
		if err := c.store.SetPostScheduledFor(ctx, post.ID, scheduledFor); err != nil {
			return err
		}
		post.ScheduledFor = scheduledFor
	}

	reviewer := c.reviewerFor(ctx)
	if reviewer == "" {
		return fmt.Errorf("review: no reviewer configured for post %s", post.ID)
	}

	token := NewToken()
	req := &store.ReviewRequest{
		PostID:         post.ID,
		RevisionID:     rev.ID,
		Token:          token,
		ReviewerUserID: reviewer,
		Status:         store.ReviewPending,
		ExpiresAt:      time.Now().Add(TokenTTL),
	}
	if err := c.store.CreateReviewRequest(ctx, req); err != nil {
		return err
	}

	return c.notifier.SendReviewCard(ctx, reviewer, chat.ReviewCard{
		Content:         rev.Content,
		ApproveToken:    token,
		RegenerateToken: token,
		SkipToken:       token,
		ScheduledFor:    post.ScheduledFor,
	})
}

// ResendPending re-pushes the review card for a still-pending request.
// Used by the daily reminder tick.
func (c *Coordinator) ResendPending(ctx context.Context, req *store.ReviewRequest) error {
	post, err := c.store.GetPost(ctx, req.PostID)
	if err != nil {
		return err
	}
	rev, err := c.store.GetRevision(ctx, req.RevisionID)
	if err != nil {
		return err
	}
	return c.notifier.SendReviewCard(ctx, req.ReviewerUserID, chat.ReviewCard{
		Content:         rev.Content,
		ApproveToken:    req.Token,
		RegenerateToken: req.Token,
		SkipToken:       req.Token,
		ScheduledFor:    post.ScheduledFor,
	})
}

// HandleEvents dispatches parsed webhook events. Per-event failures are
// reported back to the sender, never returned; the webhook endpoint must
// stay 200 so the platform does not retry the whole batch.
func (c *Coordinator) HandleEvents(ctx context.Context, evs []chat.InboundEvent) {
	for _, ev := range evs {
		observability.WebhookEvents.WithLabelValues(ev.Type).Inc()
		switch ev.Type {
		case chat.EventPostback:
			if err := c.HandleAction(ctx, ev.UserID, ev.Action, ev.Token); err != nil {
				log.Printf("review: action %s from %s: %v", ev.Action, ev.UserID, err)
			}
		case chat.EventMessage:
			if err := c.HandleMessage(ctx, ev.UserID, ev.Text); err != nil {
				log.Printf("review: message from %s: %v", ev.UserID, err)
			}
		}
	}
}

// HandleAction processes one postback. The token is consumed exactly once;
// a second redemption of any verb gets a polite already-used reply.
func (c *Coordinator) HandleAction(ctx context.Context, userID, action, token string) error {
	if action == ActionCancelEdit {
		_ = c.edits.Clear(ctx, userID)
		observability.ReviewActions.WithLabelValues(action, "ok").Inc()
		return c.notifier.SendText(ctx, userID, "Edit cancelled. The original draft is still waiting for review.")
	}

	req, err := c.store.GetReviewRequestByToken(ctx, token)
	if err != nil {
		if store.IsNotFound(err) {
			observability.ReviewActions.WithLabelValues(action, "invalid_token").Inc()
			return c.notifier.SendText(ctx, userID, "That review link is not valid.")
		}
		return err
	}
	if req.ReviewerUserID != userID {
		observability.ReviewActions.WithLabelValues(action, "wrong_user").Inc()
		return c.notifier.SendText(ctx, userID, "This review belongs to another reviewer.")
	}
	if req.Status != store.ReviewPending {
		observability.ReviewActions.WithLabelValues(action, "already_used").Inc()
		return c.notifier.SendText(ctx, userID, "This review was already handled.")
	}
	if time.Now().After(req.ExpiresAt) {
		observability.ReviewActions.WithLabelValues(action, "expired").Inc()
		return c.notifier.SendText(ctx, userID, "This review link has expired.")
	}

	var edit *PendingEdit
	if action == ActionConfirmEdit {
		edit, err = c.edits.Get(ctx, userID)
		if err != nil {
			observability.ReviewActions.WithLabelValues(action, "no_edit").Inc()
			return c.notifier.SendText(ctx, userID, "That edit is no longer staged. Please type it again.")
		}
		if edit.RequestID != req.ID {
			observability.ReviewActions.WithLabelValues(action, "stale_edit").Inc()
			return c.notifier.SendText(ctx, userID, "That edit belongs to an older review. Please type it again.")
		}
	}

	// One-shot consumption; a concurrent redemption loses here.
	if err := c.store.UseReviewRequest(ctx, req.ID, time.Now()); err != nil {
		if store.IsConflict(err) {
			observability.ReviewActions.WithLabelValues(action, "already_used").Inc()
			return c.notifier.SendText(ctx, userID, "This review was already handled.")
		}
		return err
	}

	switch action {
	case ActionApprove:
		err = c.approve(ctx, req, nil)
	case ActionConfirmEdit:
		_ = c.edits.Clear(ctx, userID)
		err = c.approve(ctx, req, edit)
	case ActionRegenerate:
		err = c.regenerate(ctx, req)
	case ActionSkip:
		err = c.skip(ctx, req)
	default:
		observability.ReviewActions.WithLabelValues(action, "unknown").Inc()
		return c.notifier.SendText(ctx, userID, "Unknown action.")
	}
	if err != nil {
		observability.ReviewActions.WithLabelValues(action, "error").Inc()
		return err
	}
	observability.ReviewActions.WithLabelValues(action, "ok").Inc()
	return nil
}

// HandleMessage treats free text from a reviewer with a pending review as
// replacement content and asks for confirmation before acting on it.
func (c *Coordinator) HandleMessage(ctx context.Context, userID, text string) error {
	req, err := c.store.PendingReviewForUser(ctx, userID, time.Now())
	if err != nil {
		if store.IsNotFound(err) {
			return nil // nothing pending; plain chatter
		}
		return err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) > store.MaxContentLength {
		return c.notifier.SendText(ctx, userID,
			fmt.Sprintf("That text is %d characters; the limit is %d.", utf8.RuneCountInString(text), store.MaxContentLength))
	}

	if err := c.edits.Set(ctx, userID, PendingEdit{RequestID: req.ID, Content: text}, EditTTL); err != nil {
		return err
	}
	return c.notifier.SendEditConfirmCard(ctx, userID, text, req.Token, req.Token)
}

func (c *Coordinator) approve(ctx context.Context, req *store.ReviewRequest, edit *PendingEdit) error {
	post, err := c.store.GetPost(ctx, req.PostID)
	if err != nil {
		return err
	}

	if edit != nil {
		if err := c.store.SetReviewEditedContent(ctx, req.ID, edit.Content); err != nil {
			return err
		}
		rev := &store.Revision{PostID: post.ID, Content: edit.Content, EngineUsed: store.EngineManual}
		if err := c.store.CreateRevision(ctx, rev); err != nil {
			return err
		}
	}

	if err := c.store.TransitionPost(ctx, post.ID, store.PostPendingReview, store.PostApproved); err != nil {
		return err
	}
	c.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostApproved})

	sched, err := c.store.ScheduleForPost(ctx, post.ID)
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	if sched != nil {
		// The due-dispatch tick claims the schedule at its time.
		if err := c.store.TransitionSchedule(ctx, sched.ID, store.ScheduleGenerated, store.ScheduleApproved); err != nil && !store.IsConflict(err) {
			return err
		}
		return c.notifier.SendText(ctx, req.ReviewerUserID,
			fmt.Sprintf("Approved. Publishing at %s.", sched.ScheduledTime.Format("01/02 15:04")))
	}

	delay := time.Duration(0)
	if post.ScheduledFor != nil {
		if d := time.Until(*post.ScheduledFor); d > 0 {
			delay = d
		}
	}
	if _, err := c.queue.Enqueue(ctx, queue.QueuePublish,
		queue.PublishPayload{Version: queue.PayloadVersion, PostID: post.ID},
		queue.WithDelay(delay)); err != nil {
		return err
	}

	msg := "Approved. Publishing now."
	if delay > 0 {
		msg = fmt.Sprintf("Approved. Publishing at %s.", post.ScheduledFor.Format("01/02 15:04"))
	}
	return c.notifier.SendText(ctx, req.ReviewerUserID, msg)
}

func (c *Coordinator) regenerate(ctx context.Context, req *store.ReviewRequest) error {
	post, err := c.store.GetPost(ctx, req.PostID)
	if err != nil {
		return err
	}
	if err := c.store.TransitionPost(ctx, post.ID, store.PostPendingReview, store.PostGenerating); err != nil {
		return err
	}
	c.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostGenerating})

	payload := queue.GeneratePayload{
		Version:       queue.PayloadVersion,
		PostID:        post.ID,
		CreatedBy:     post.CreatedBy,
		StylePreset:   c.promptFor(ctx, post),
		ScheduledTime: post.ScheduledFor,
	}
	if sched, err := c.store.ScheduleForPost(ctx, post.ID); err == nil {
		payload.AutoScheduleID = &sched.ID
	}
	if _, err := c.queue.Enqueue(ctx, queue.QueueGenerate, payload); err != nil {
		return err
	}
	return c.notifier.SendText(ctx, req.ReviewerUserID, "Regenerating; a fresh draft is on its way.")
}

func (c *Coordinator) skip(ctx context.Context, req *store.ReviewRequest) error {
	if err := c.store.TransitionPost(ctx, req.PostID, store.PostPendingReview, store.PostSkipped); err != nil {
		return err
	}
	c.hub.Publish(events.PostEvent{PostID: req.PostID, Status: store.PostSkipped})

	if sched, err := c.store.ScheduleForPost(ctx, req.PostID); err == nil {
		if err := c.store.TransitionSchedule(ctx, sched.ID, store.ScheduleGenerated, store.ScheduleCancelled); err != nil && !store.IsConflict(err) {
			return err
		}
	}
	return c.notifier.SendText(ctx, req.ReviewerUserID, "Skipped. Nothing will be published.")
}

// promptFor rebuilds the generation prompt: the post's template when it has
// one, otherwise the global auto-schedule prompt.
func (c *Coordinator) promptFor(ctx context.Context, post *store.Post) string {
	if post.TemplateID != nil {
		if tpl, err := c.store.GetTemplate(ctx, *post.TemplateID); err == nil {
			return tpl.Prompt
		}
	}
	if cfg, err := c.store.GetSchedulerConfig(ctx); err == nil {
		return cfg.AIPrompt
	}
	return ""
}

// reviewerFor resolves who gets review cards right now.
func (c *Coordinator) reviewerFor(ctx context.Context) string {
	if cfg, err := c.store.GetSchedulerConfig(ctx); err == nil && cfg.LineUserID != "" {
		return cfg.LineUserID
	}
	return c.defaultReviewer
}
