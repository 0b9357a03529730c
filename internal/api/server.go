// Package api is the admin HTTP surface: post management, review links,
// the chat webhook, scheduler administration, statistics, and the live
// event stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/itskum47/PostForge/internal/chat"
	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/review"
	"github.com/itskum47/PostForge/internal/scheduler"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	store       store.Store
	queue       queue.Queue
	notifier    *chat.Notifier
	coordinator *review.Coordinator
	selector    *scheduler.Selector
	social      *social.Client
	cipher      *crypto.Cipher
	hub         *events.Hub
	auth        *AuthManager

	redisPing func() error

	upgrader websocket.Upgrader

	// Storm protection on the unauthenticated surfaces.
	webhookLimiter *rate.Limiter
	reviewLimiter  *rate.Limiter

	// bootstrapSecret gates token issuance.
	bootstrapSecret string
}

// NewServer wires the HTTP layer. redisPing may be nil when Redis is not
// in use (tests); the health check then reports it as skipped.
func NewServer(s store.Store, q queue.Queue, notifier *chat.Notifier, coordinator *review.Coordinator, selector *scheduler.Selector, sc *social.Client, cipher *crypto.Cipher, hub *events.Hub, auth *AuthManager, redisPing func() error, bootstrapSecret string) *Server {
	return &Server{
		store:       s,
		queue:       q,
		notifier:    notifier,
		coordinator: coordinator,
		selector:    selector,
		social:      sc,
		cipher:      cipher,
		hub:         hub,
		auth:        auth,
		redisPing:   redisPing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		// Webhook bursts arrive when the reviewer taps through a backlog.
		webhookLimiter:  rate.NewLimiter(rate.Limit(10), 20),
		reviewLimiter:   rate.NewLimiter(rate.Limit(5), 10),
		bootstrapSecret: bootstrapSecret,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", s.handleHealth)

	// Unauthenticated surfaces with their own protection.
	r.Post("/api/webhook/chat", s.handleChatWebhook)
	r.Get("/api/review/{action}", s.handleReviewLink)
	r.Get("/api/threads/oauth/callback", s.handleOAuthCallback)
	r.Post("/api/auth/token", s.handleIssueToken)
	r.Get("/api/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Route("/api/posts", func(r chi.Router) {
			r.With(RequireRole(RoleAdmin, RoleCreator)).Post("/", s.handleCreatePost)
			r.Get("/", s.handleListPosts)
			r.Get("/{id}", s.handleGetPost)
			r.With(RequireRole(RoleAdmin, RoleReviewer)).Post("/{id}/approve", s.handleApprovePost)
			r.With(RequireRole(RoleAdmin, RoleReviewer)).Post("/{id}/skip", s.handleSkipPost)
			r.With(RequireRole(RoleAdmin)).Post("/manual", s.handleManualPost)
			r.With(RequireRole(RoleAdmin)).Post("/import", s.handleImportPosts)
			r.With(RequireRole(RoleAdmin)).Delete("/{id}", s.handleDeletePost)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))

			r.Route("/api/templates", func(r chi.Router) {
				r.Get("/", s.handleListTemplates)
				r.Post("/", s.handleCreateTemplate)
				r.Get("/{id}", s.handleGetTemplate)
				r.Put("/{id}", s.handleUpdateTemplate)
				r.Delete("/{id}", s.handleDeleteTemplate)
			})
			r.Route("/api/time-slots", func(r chi.Router) {
				r.Get("/", s.handleListTimeSlots)
				r.Post("/", s.handleCreateTimeSlot)
				r.Get("/{id}", s.handleGetTimeSlot)
				r.Put("/{id}", s.handleUpdateTimeSlot)
				r.Delete("/{id}", s.handleDeleteTimeSlot)
			})
			r.Get("/api/scheduler-config", s.handleGetSchedulerConfig)
			r.Put("/api/scheduler-config", s.handleSaveSchedulerConfig)
			r.Get("/api/auto-schedules", s.handleListAutoSchedules)
			r.Post("/api/trigger-daily-schedule", s.handleTriggerDailySchedule)
			r.Get("/api/accounts", s.handleListAccounts)
			r.Get("/api/statistics/templates", s.handleTemplateStats)
			r.Get("/api/statistics/slots", s.handleSlotStats)
		})
	})

	return r
}
