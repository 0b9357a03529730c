package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts handler outcomes per queue.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_jobs_processed_total",
		Help: "Jobs processed, by queue and outcome (completed, retried, failed)",
	}, []string{"queue", "outcome"})

	// JobDuration tracks handler execution time per queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postforge_job_duration_seconds",
		Help:    "Job handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
	}, []string{"queue"})

	// GenerationAttempts counts LLM generation attempts by engine and result.
	GenerationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_generation_attempts_total",
		Help: "Content generation attempts, by engine and result",
	}, []string{"engine", "result"}) // result: accepted, similarity_rejected, provider_error, invalid

	// SimilarityScore tracks observed max cosine similarity per candidate.
	SimilarityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "postforge_similarity_max",
		Help:    "Max cosine similarity of generated candidates against recent posts",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// Publishes counts publish outcomes.
	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_publishes_total",
		Help: "Publish attempts, by outcome (posted, failed, action_required, stale_drop)",
	}, []string{"outcome"})

	// ReviewActions counts inbound review decisions.
	ReviewActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_review_actions_total",
		Help: "Review actions received, by action and result",
	}, []string{"action", "result"})

	// TokenRefreshes counts token refresh outcomes.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_token_refreshes_total",
		Help: "Token refresh attempts, by outcome",
	}, []string{"outcome"})

	// SchedulerTicks counts tick executions by tick name and outcome.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_scheduler_ticks_total",
		Help: "Scheduler tick executions, by tick and outcome (ok, error, skipped)",
	}, []string{"tick", "outcome"})

	// UCBSelections counts daily selections by mode.
	UCBSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_ucb_selections_total",
		Help: "Auto-schedule selections, by mode (exploration, exploitation)",
	}, []string{"mode"})

	// InsightsSynced counts insight sync outcomes.
	InsightsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_insights_synced_total",
		Help: "Insight sync attempts per post, by outcome",
	}, []string{"outcome"})

	// WebhookEvents counts chat webhook events by type.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_webhook_events_total",
		Help: "Chat webhook events received, by type",
	}, []string{"type"})

	// APIRateLimited tracks requests rejected by the storm limiters.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// SocialAPICalls counts outbound social API calls by operation and code.
	SocialAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_social_api_calls_total",
		Help: "Outbound social API calls, by operation and error class",
	}, []string{"operation", "code"})

	// LLMCalls counts outbound LLM calls by engine and error class.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postforge_llm_calls_total",
		Help: "Outbound LLM calls, by engine and result",
	}, []string{"engine", "result"})

	// WorkerSlots tracks busy worker slots per queue.
	WorkerSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postforge_worker_busy_slots",
		Help: "Currently busy worker slots, by queue",
	}, []string{"queue"})
)
