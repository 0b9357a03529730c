// Package pipeline orchestrates content generation: LLM call, embedding,
// similarity screening with retries and engine fallback, revision
// persistence, and hand-off to review.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/llm"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/similarity"
	"github.com/itskum47/PostForge/internal/store"
)

// ErrCodeSimilarity is recorded when every attempt exceeded the threshold.
const ErrCodeSimilarity = "SIMILARITY_EXCEEDED"

// DefaultMaxAttempts is the generation retry budget per job.
const DefaultMaxAttempts = 3

// TextEngine is the LLM surface the pipeline needs.
type TextEngine interface {
	Generate(ctx context.Context, prompt, engine string) (text, engineUsed string, err error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ReviewRequester receives posts that reached PENDING_REVIEW.
type ReviewRequester interface {
	RequestReview(ctx context.Context, post *store.Post, rev *store.Revision, scheduledFor *time.Time) error
}

// Generator is the handler behind the generate queue.
type Generator struct {
	store   store.Store
	engine  TextEngine
	checker *similarity.Checker
	review  ReviewRequester
	hub     *events.Hub

	threshold   float64
	maxAttempts int
	// failOpen persists the best candidate and proceeds to review when all
	// attempts exceed the threshold, instead of failing the post.
	failOpen bool
}

// NewGenerator wires the generate handler.
func NewGenerator(s store.Store, engine TextEngine, checker *similarity.Checker, review ReviewRequester, hub *events.Hub, threshold float64, failOpen bool) *Generator {
	if threshold <= 0 {
		threshold = similarity.DefaultThreshold
	}
	return &Generator{
		store:       s,
		engine:      engine,
		checker:     checker,
		review:      review,
		hub:         hub,
		threshold:   threshold,
		maxAttempts: DefaultMaxAttempts,
		failOpen:    failOpen,
	}
}

type candidate struct {
	content string
	engine  string
	sim     float64
	vector  []float64
}

// Handle processes one generate job. Re-deliveries of the same payload are
// absorbed by the post's status checks.
func (g *Generator) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.GeneratePayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		return err
	}

	post, err := g.store.GetPost(ctx, payload.PostID)
	if err != nil {
		if store.IsNotFound(err) {
			// Draft purged (expired auto-schedule). Nothing to do.
			return nil
		}
		return err
	}

	switch post.Status {
	case store.PostDraft:
		if err := g.store.TransitionPost(ctx, post.ID, store.PostDraft, store.PostGenerating); err != nil {
			if store.IsConflict(err) {
				return nil // lost the race to another delivery
			}
			return err
		}
	case store.PostGenerating:
		// Re-delivery after a lapsed lease; resume.
	default:
		// Already past generation; duplicate delivery.
		return nil
	}
	g.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostGenerating})

	var rev *store.Revision
	if payload.ManualContent != "" {
		rev, err = g.persistManual(ctx, post, payload.ManualContent)
	} else {
		rev, err = g.generate(ctx, post, payload)
	}
	if err != nil {
		return err
	}
	if rev == nil {
		// Terminal similarity failure already recorded on the post.
		if payload.AutoScheduleID != nil {
			if ferr := g.store.FinishSchedule(ctx, *payload.AutoScheduleID, store.ScheduleFailed, time.Now(), ErrCodeSimilarity); ferr != nil {
				log.Printf("pipeline: schedule %s fail mark: %v", *payload.AutoScheduleID, ferr)
			}
		}
		return nil
	}

	if err := g.store.TransitionPost(ctx, post.ID, store.PostGenerating, store.PostPendingReview); err != nil {
		return err
	}
	g.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostPendingReview})

	post.Status = store.PostPendingReview
	if err := g.review.RequestReview(ctx, post, rev, payload.ScheduledTime); err != nil {
		// The post is already PENDING_REVIEW; a failed card push is retried
		// by the review reminder tick rather than by re-generating.
		log.Printf("pipeline: review request for post %s: %v", post.ID, err)
	}
	return nil
}

func (g *Generator) persistManual(ctx context.Context, post *store.Post, content string) (*store.Revision, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > store.MaxContentLength {
		return nil, fmt.Errorf("manual content invalid (len %d)", utf8.RuneCountInString(content))
	}
	rev := &store.Revision{PostID: post.ID, Content: content, EngineUsed: store.EngineManual}
	if err := g.store.CreateRevision(ctx, rev); err != nil {
		return nil, err
	}
	// Best effort: embed manual content so it joins the similarity history.
	if vec, err := g.engine.Embed(ctx, content); err == nil {
		if err := g.store.CreateEmbedding(ctx, &store.Embedding{RevisionID: rev.ID, Vector: vec}); err != nil {
			log.Printf("pipeline: embedding for manual revision %s: %v", rev.ID, err)
		}
	}
	return rev, nil
}

func (g *Generator) generate(ctx context.Context, post *store.Post, payload queue.GeneratePayload) (*store.Revision, error) {
	prompt := payload.StylePreset
	if post.Context != "" {
		prompt = prompt + "\n\nContext: " + post.Context
	}

	var last *candidate
	providerFailed := false

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		engine := llm.EnginePrimary
		if payload.Engine == llm.EngineFallback {
			engine = llm.EngineFallback
		}
		// Late attempts and attempts after a provider-quality failure move
		// to the fallback engine. A similarity rejection is not a provider
		// failure and stays on the primary.
		if providerFailed || attempt > (g.maxAttempts+1)/2 {
			engine = llm.EngineFallback
		}

		text, engineUsed, err := g.engine.Generate(ctx, prompt, engine)
		if err != nil {
			observability.GenerationAttempts.WithLabelValues(engine, "provider_error").Inc()
			if llm.IsRetriableProvider(err) {
				providerFailed = true
				continue
			}
			return nil, err
		}

		text = strings.TrimSpace(text)
		if text == "" || utf8.RuneCountInString(text) > store.MaxContentLength {
			observability.GenerationAttempts.WithLabelValues(engineUsed, "invalid").Inc()
			continue
		}

		vec, err := g.engine.Embed(ctx, text)
		if err != nil {
			observability.GenerationAttempts.WithLabelValues(engineUsed, "provider_error").Inc()
			if llm.IsRetriableProvider(err) {
				providerFailed = true
				continue
			}
			return nil, err
		}

		maxSim, nearest, err := g.checker.CheckAgainstRecent(ctx, vec)
		if err != nil {
			return nil, err
		}
		observability.SimilarityScore.Observe(maxSim)

		last = &candidate{content: text, engine: engineUsed, sim: maxSim, vector: vec}
		if maxSim <= g.threshold {
			observability.GenerationAttempts.WithLabelValues(engineUsed, "accepted").Inc()
			return g.persistCandidate(ctx, post, last)
		}

		observability.GenerationAttempts.WithLabelValues(engineUsed, "similarity_rejected").Inc()
		log.Printf("pipeline: post %s attempt %d rejected, similarity %.2f to post %s",
			post.ID, attempt, maxSim, nearest)
	}

	if last == nil {
		// Every attempt died before producing a candidate.
		return nil, fmt.Errorf("generation produced no usable candidate for post %s", post.ID)
	}

	if g.failOpen {
		log.Printf("pipeline: post %s exceeds similarity threshold, proceeding anyway (fail-open)", post.ID)
		return g.persistCandidate(ctx, post, last)
	}

	// Keep the evidence: persist the final rejected candidate, then fail.
	if _, err := g.persistCandidate(ctx, post, last); err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("all %d attempts exceeded similarity threshold %.2f (last %.2f)",
		g.maxAttempts, g.threshold, last.sim)
	if err := g.store.MarkPostFailed(ctx, post.ID, store.PostFailed, ErrCodeSimilarity, msg); err != nil {
		return nil, err
	}
	g.hub.Publish(events.PostEvent{PostID: post.ID, Status: store.PostFailed, Detail: ErrCodeSimilarity})
	return nil, nil
}

func (g *Generator) persistCandidate(ctx context.Context, post *store.Post, c *candidate) (*store.Revision, error) {
	rev := &store.Revision{
		PostID:        post.ID,
		Content:       c.content,
		EngineUsed:    c.engine,
		SimilarityMax: c.sim,
	}
	if err := g.store.CreateRevision(ctx, rev); err != nil {
		return nil, err
	}
	if err := g.store.CreateEmbedding(ctx, &store.Embedding{RevisionID: rev.ID, Vector: c.vector}); err != nil {
		return nil, err
	}
	return rev, nil
}
