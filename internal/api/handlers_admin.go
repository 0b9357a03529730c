package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/scheduler"
	"github.com/itskum47/PostForge/internal/store"
)

// --- Auth bootstrap ---

// handleIssueToken exchanges the bootstrap secret for a signed API token.
// The secret lives in the deployment environment; there is no user table.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.bootstrapSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "bad secret")
		return
	}
	token, err := s.auth.Issue(req.UserID, req.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- OAuth ---

// handleOAuthCallback finishes the platform's authorization code flow:
// code -> short-lived token -> long-lived token, stored encrypted.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	shortToken, err := s.social.ExchangeCode(r.Context(), code)
	if err != nil {
		log.Printf("api: oauth code exchange: %v", err)
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	longToken, expiresAt, err := s.social.ExchangeForLongLived(r.Context(), shortToken)
	if err != nil {
		log.Printf("api: oauth long-lived exchange: %v", err)
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	profile, err := s.social.FetchProfile(r.Context(), longToken)
	if err != nil {
		log.Printf("api: oauth profile fetch: %v", err)
		writeError(w, http.StatusBadGateway, "profile fetch failed")
		return
	}

	account := s.findOrCreateAccount(w, r, profile.ExternalID, profile.Username)
	if account == nil {
		return
	}

	enc, err := s.cipher.Encrypt(longToken)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token encryption failed")
		return
	}
	auth := &store.ThreadsAuth{
		AccountID:   account.ID,
		AccessToken: enc,
		ExpiresAt:   expiresAt,
		Status:      store.AuthOK,
	}
	if err := s.store.UpsertAuth(r.Context(), auth); err != nil {
		writeError(w, http.StatusInternalServerError, "auth store failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":  account.Username,
		"expires":  expiresAt,
		"relinked": true,
	})
}

func (s *Server) findOrCreateAccount(w http.ResponseWriter, r *http.Request, externalID, username string) *store.ThreadsAccount {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "account list failed")
		return nil
	}
	for _, a := range accounts {
		if a.ExternalAccountID == externalID {
			return a
		}
	}
	account := &store.ThreadsAccount{
		Username:          username,
		ExternalAccountID: externalID,
		Status:            "ACTIVE",
		IsDefault:         len(accounts) == 0,
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, http.StatusInternalServerError, "account create failed")
		return nil
	}
	return account
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "account list failed")
		return
	}
	// Auth status rides along; tokens never do.
	type accountView struct {
		*store.ThreadsAccount
		AuthStatus string     `json:"authStatus"`
		TokenUntil *time.Time `json:"tokenExpiresAt,omitempty"`
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		view := accountView{ThreadsAccount: a, AuthStatus: "NONE"}
		if auth, err := s.store.GetAuth(r.Context(), a.ID); err == nil {
			view.AuthStatus = auth.Status
			view.TokenUntil = &auth.ExpiresAt
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// --- Templates ---

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "template list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tpl := &store.Template{
		Name:            req.Name,
		Prompt:          req.Prompt,
		PreferredEngine: req.PreferredEngine,
		Enabled:         req.Enabled == nil || *req.Enabled,
	}
	if err := s.store.CreateTemplate(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, "template create failed")
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	tpl, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "template lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	var req templateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tpl, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "template lookup failed")
		return
	}
	tpl.Name = req.Name
	tpl.Prompt = req.Prompt
	tpl.PreferredEngine = req.PreferredEngine
	if req.Enabled != nil {
		tpl.Enabled = *req.Enabled
	}
	if err := s.store.UpdateTemplate(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, "template update failed")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	if err := s.store.DeleteTemplate(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "template delete failed")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// --- Time slots ---

func (s *Server) handleListTimeSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.store.ListTimeSlots(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "time slot list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeSlots": slots})
}

func (s *Server) handleCreateTimeSlot(w http.ResponseWriter, r *http.Request) {
	var req timeSlotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EndHour*60+req.EndMinute <= req.StartHour*60+req.StartMinute {
		writeError(w, http.StatusBadRequest, "slot end must be after start")
		return
	}
	slot := &store.TimeSlot{
		Label:       req.Label,
		StartHour:   req.StartHour,
		StartMinute: req.StartMinute,
		EndHour:     req.EndHour,
		EndMinute:   req.EndMinute,
		ActiveDays:  req.ActiveDays,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if err := s.store.CreateTimeSlot(r.Context(), slot); err != nil {
		writeError(w, http.StatusInternalServerError, "time slot create failed")
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (s *Server) handleGetTimeSlot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time slot id")
		return
	}
	slot, err := s.store.GetTimeSlot(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "time slot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "time slot lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *Server) handleUpdateTimeSlot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time slot id")
		return
	}
	var req timeSlotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slot, err := s.store.GetTimeSlot(r.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "time slot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "time slot lookup failed")
		return
	}
	slot.Label = req.Label
	slot.StartHour = req.StartHour
	slot.StartMinute = req.StartMinute
	slot.EndHour = req.EndHour
	slot.EndMinute = req.EndMinute
	slot.ActiveDays = req.ActiveDays
	if req.Enabled != nil {
		slot.Enabled = *req.Enabled
	}
	if err := s.store.UpdateTimeSlot(r.Context(), slot); err != nil {
		writeError(w, http.StatusInternalServerError, "time slot update failed")
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *Server) handleDeleteTimeSlot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time slot id")
		return
	}
	if err := s.store.DeleteTimeSlot(r.Context(), id); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "time slot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "time slot delete failed")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// --- Scheduler config and schedules ---

func (s *Server) handleGetSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetSchedulerConfig(r.Context())
	if err != nil {
		if store.IsNotFound(err) {
			writeJSON(w, http.StatusOK, &store.SchedulerConfig{})
			return
		}
		writeError(w, http.StatusInternalServerError, "config lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	var req schedulerConfigRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := &store.SchedulerConfig{
		ExplorationFactor:    req.ExplorationFactor,
		MinTrialsPerTemplate: req.MinTrialsPerTemplate,
		PostsPerDay:          req.PostsPerDay,
		TimeRangeStart:       req.TimeRangeStart,
		TimeRangeEnd:         req.TimeRangeEnd,
		ActiveDays:           req.ActiveDays,
		AutoScheduleEnabled:  req.AutoScheduleEnabled,
		AIPrompt:             req.AIPrompt,
		AIEngine:             req.AIEngine,
		LineUserID:           req.LineUserID,
		ThreadsAccountID:     req.ThreadsAccountID,
	}
	if err := s.store.SaveSchedulerConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "config save failed")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListAutoSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListRecentSchedules(r.Context(), 30)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "schedule list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// handleTriggerDailySchedule forces today's UCB selection. Idempotent:
// an existing active schedule for today makes this a no-op.
func (s *Server) handleTriggerDailySchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.selector.EnsureToday(r.Context(), time.Now())
	if err != nil {
		if err == scheduler.ErrNotScheduled {
			writeJSON(w, http.StatusOK, map[string]string{"status": "not_scheduled"})
			return
		}
		writeError(w, http.StatusInternalServerError, "selection failed")
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// --- Statistics ---

func (s *Server) handleTemplateStats(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "template list failed")
		return
	}
	type row struct {
		ID                uuid.UUID `json:"id"`
		Name              string    `json:"name"`
		Enabled           bool      `json:"enabled"`
		TotalUses         int       `json:"totalUses"`
		AvgEngagementRate float64   `json:"avgEngagementRate"`
	}
	out := make([]row, 0, len(templates))
	for _, t := range templates {
		out = append(out, row{ID: t.ID, Name: t.Name, Enabled: t.Enabled, TotalUses: t.TotalUses, AvgEngagementRate: t.AvgEngagementRate})
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (s *Server) handleSlotStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.SlotStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "slot stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": stats})
}

// --- Health and events ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{"status": "ok", "store": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		out["status"] = "degraded"
		out["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.redisPing == nil {
		out["redis"] = "skipped"
	} else if err := s.redisPing(); err != nil {
		out["status"] = "degraded"
		out["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

// handleEvents upgrades to a websocket and streams post lifecycle events.
// Auth rides in the access_token query parameter because browsers cannot
// set headers on websocket dials.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if _, err := s.auth.Validate(token); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	if !s.hub.Register(conn) {
		conn.Close()
		return
	}

	// Reader loop: the client sends nothing meaningful, but reading is how
	// close frames and dead connections are noticed.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
