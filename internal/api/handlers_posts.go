package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/store"
)

// postResponse is a post plus its revision history.
type postResponse struct {
	Post      *store.Post       `json:"post"`
	Revisions []*store.Revision `json:"revisions,omitempty"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prompt := req.StylePreset
	if req.TemplateID != nil {
		tpl, err := s.store.GetTemplate(r.Context(), *req.TemplateID)
		if err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusBadRequest, "template not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "template lookup failed")
			return
		}
		prompt = tpl.Prompt
	}
	if req.Topic != "" {
		prompt += "\n\nTopic: " + req.Topic
	}
	if len(req.Keywords) > 0 {
		prompt += "\nKeywords: " + strings.Join(req.Keywords, ", ")
	}
	if strings.TrimSpace(prompt) == "" {
		writeError(w, http.StatusBadRequest, "one of stylePreset, templateId or topic is required")
		return
	}

	post := &store.Post{
		Status:           store.PostDraft,
		CreatedBy:        UserFromContext(r.Context()),
		TemplateID:       req.TemplateID,
		ThreadsAccountID: req.AccountID,
		IsAIGenerated:    true,
		Tags:             req.Tags,
	}
	if err := s.store.CreatePost(r.Context(), post); err != nil {
		writeError(w, http.StatusInternalServerError, "post create failed")
		return
	}

	payload := queue.GeneratePayload{
		Version:       queue.PayloadVersion,
		PostID:        post.ID,
		CreatedBy:     post.CreatedBy,
		StylePreset:   prompt,
		Engine:        req.Engine,
		ScheduledTime: req.ScheduledFor,
	}
	if _, err := s.queue.Enqueue(r.Context(), queue.QueueGenerate, payload); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, postResponse{Post: post})
}

func (s *Server) handleManualPost(w http.ResponseWriter, r *http.Request) {
	var req manualPostRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ScheduledFor != nil && req.ScheduledFor.Before(time.Now()) {
		writeError(w, http.StatusBadRequest, "scheduledFor must be in the future")
		return
	}

	// Manual posts are operator-authored and skip both generation and
	// review: they go straight to APPROVED and into the publish queue.
	post := &store.Post{
		Status:           store.PostApproved,
		CreatedBy:        UserFromContext(r.Context()),
		ThreadsAccountID: req.AccountID,
		Tags:             req.Tags,
		ScheduledFor:     req.ScheduledFor,
	}
	if err := s.store.CreatePost(r.Context(), post); err != nil {
		writeError(w, http.StatusInternalServerError, "post create failed")
		return
	}
	rev := &store.Revision{PostID: post.ID, Content: req.Content, EngineUsed: store.EngineManual}
	if err := s.store.CreateRevision(r.Context(), rev); err != nil {
		writeError(w, http.StatusInternalServerError, "revision create failed")
		return
	}

	delay := time.Duration(0)
	if req.ScheduledFor != nil {
		delay = time.Until(*req.ScheduledFor)
	}
	payload := queue.PublishPayload{Version: queue.PayloadVersion, PostID: post.ID}
	if _, err := s.queue.Enqueue(r.Context(), queue.QueuePublish, payload, queue.WithDelay(delay)); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, postResponse{Post: post, Revisions: []*store.Revision{rev}})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "post lookup failed")
		return
	}
	revisions, err := s.store.ListRevisions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revision lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, postResponse{Post: post, Revisions: revisions})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := queryInt(r, "offset", 0)

	posts, err := s.store.ListPosts(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "post list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts, "limit": limit, "offset": offset})
}

func (s *Server) handleApprovePost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "post lookup failed")
		return
	}
	if post.Status != store.PostPendingReview {
		writeError(w, http.StatusConflict, "post is not pending review")
		return
	}

	if err := s.store.TransitionPost(r.Context(), id, store.PostPendingReview, store.PostApproved); err != nil {
		if store.IsConflict(err) {
			writeError(w, http.StatusConflict, "post moved concurrently")
			return
		}
		writeError(w, http.StatusInternalServerError, "approve failed")
		return
	}

	// Approval through the console mirrors the chat path: schedule-bound
	// posts wait for the dispatch tick; the rest publish immediately or at
	// their scheduled time.
	if sched, err := s.store.ScheduleForPost(r.Context(), id); err == nil {
		_ = s.store.TransitionSchedule(r.Context(), sched.ID, store.ScheduleGenerated, store.ScheduleApproved)
	} else {
		delay := time.Duration(0)
		if post.ScheduledFor != nil {
			if d := time.Until(*post.ScheduledFor); d > 0 {
				delay = d
			}
		}
		payload := queue.PublishPayload{Version: queue.PayloadVersion, PostID: id}
		if _, err := s.queue.Enqueue(r.Context(), queue.QueuePublish, payload, queue.WithDelay(delay)); err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": store.PostApproved})
}

func (s *Server) handleSkipPost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	if err := s.store.TransitionPost(r.Context(), id, store.PostPendingReview, store.PostSkipped); err != nil {
		if store.IsConflict(err) || store.IsNotFound(err) {
			writeError(w, http.StatusConflict, "post is not pending review")
			return
		}
		writeError(w, http.StatusInternalServerError, "skip failed")
		return
	}
	if sched, err := s.store.ScheduleForPost(r.Context(), id); err == nil {
		_ = s.store.TransitionSchedule(r.Context(), sched.ID, store.ScheduleGenerated, store.ScheduleCancelled)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.PostSkipped})
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "post lookup failed")
		return
	}
	// Live and in-flight posts cannot be deleted.
	switch post.Status {
	case store.PostGenerating, store.PostPublishing, store.PostPosted:
		writeError(w, http.StatusConflict, "post cannot be deleted in its current state")
		return
	}
	if err := s.store.DeletePost(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleImportPosts pulls recent published media from the platform into
// the store as POSTED posts with IMPORTED revisions, so history published
// before this system existed shows up in listings and insights sync.
func (s *Server) handleImportPosts(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = 25
	}

	var account *store.ThreadsAccount
	var err error
	if req.AccountID != nil {
		account, err = s.store.GetAccount(r.Context(), *req.AccountID)
	} else {
		account, err = s.store.DefaultAccount(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "no account to import from")
		return
	}
	auth, err := s.store.GetAuth(r.Context(), account.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "account has no stored token")
		return
	}
	token, err := s.cipher.Decrypt(auth.AccessToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored token cannot be decrypted")
		return
	}

	media, err := s.social.ListRecentMedia(r.Context(), account.ExternalAccountID, token, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, "media listing failed")
		return
	}

	imported := 0
	for _, m := range media {
		if m.Text == "" {
			continue
		}
		postedAt := m.Timestamp
		post := &store.Post{
			Status:           store.PostPosted,
			CreatedBy:        "import",
			ThreadsAccountID: &account.ID,
			PostedAt:         &postedAt,
			PostURL:          m.Permalink,
			MediaID:          m.ID,
		}
		if err := s.store.CreatePost(r.Context(), post); err != nil {
			continue
		}
		rev := &store.Revision{PostID: post.ID, Content: m.Text, EngineUsed: store.EngineImported}
		if err := s.store.CreateRevision(r.Context(), rev); err != nil {
			continue
		}
		imported++
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
