package api

import (
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/itskum47/PostForge/internal/chat"
	"github.com/itskum47/PostForge/internal/observability"
	"github.com/itskum47/PostForge/internal/review"
)

// handleChatWebhook receives the chat platform's event callbacks. The
// response is always 200 once the signature checks out; per-event errors
// are handled inside the coordinator so the platform does not redeliver
// the whole batch.
func (s *Server) handleChatWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhookLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("webhook").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !s.notifier.VerifyWebhookSignature(body, r.Header.Get("X-Line-Signature")) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}

	evs, err := chat.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed webhook body")
		return
	}

	s.coordinator.HandleEvents(r.Context(), evs)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReviewLink performs a review action from a plain GET link, the
// fallback for chat clients that cannot send postbacks. The token plus
// the uid parameter stand in for the postback's source user.
func (s *Server) handleReviewLink(w http.ResponseWriter, r *http.Request) {
	if !s.reviewLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("review").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	action := chi.URLParam(r, "action")
	switch action {
	case review.ActionApprove, review.ActionRegenerate, review.ActionSkip:
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	token := r.URL.Query().Get("token")
	uid := r.URL.Query().Get("uid")
	if token == "" || uid == "" {
		writeError(w, http.StatusBadRequest, "token and uid are required")
		return
	}

	if err := s.coordinator.HandleAction(r.Context(), uid, action, token); err != nil {
		log.Printf("api: review link %s: %v", action, err)
		writeError(w, http.StatusInternalServerError, "action failed")
		return
	}

	// The outcome (including invalid/used tokens) is reported back through
	// chat; the link itself just acknowledges.
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><p>Done. Check the chat for the result.</p></body></html>"))
}
