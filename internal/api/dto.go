package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// createPostRequest starts the generation pipeline for one post.
type createPostRequest struct {
	StylePreset  string     `json:"stylePreset" validate:"max=2000"`
	Topic        string     `json:"topic" validate:"max=500"`
	Keywords     []string   `json:"keywords" validate:"max=20,dive,max=50"`
	Engine       string     `json:"engine" validate:"omitempty,oneof=PRIMARY FALLBACK"`
	TemplateID   *uuid.UUID `json:"templateId"`
	AccountID    *uuid.UUID `json:"accountId"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	Tags         []string   `json:"tags" validate:"max=10,dive,max=50"`
}

// manualPostRequest publishes operator-written content, bypassing review.
type manualPostRequest struct {
	Content      string     `json:"content" validate:"required,max=500"`
	AccountID    *uuid.UUID `json:"accountId"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	Tags         []string   `json:"tags" validate:"max=10,dive,max=50"`
}

// importRequest pulls recent published media into the store.
type importRequest struct {
	AccountID *uuid.UUID `json:"accountId"`
	Limit     int        `json:"limit" validate:"omitempty,min=1,max=100"`
}

type templateRequest struct {
	Name            string `json:"name" validate:"required,max=200"`
	Prompt          string `json:"prompt" validate:"required,max=4000"`
	PreferredEngine string `json:"preferredEngine" validate:"omitempty,oneof=PRIMARY FALLBACK"`
	Enabled         *bool  `json:"enabled"`
}

type timeSlotRequest struct {
	Label       string `json:"label" validate:"required,max=100"`
	StartHour   int    `json:"startHour" validate:"min=0,max=23"`
	StartMinute int    `json:"startMinute" validate:"min=0,max=59"`
	EndHour     int    `json:"endHour" validate:"min=0,max=23"`
	EndMinute   int    `json:"endMinute" validate:"min=0,max=59"`
	ActiveDays  []int  `json:"activeDays" validate:"required,min=1,max=7,dive,min=1,max=7"`
	Enabled     *bool  `json:"enabled"`
}

type schedulerConfigRequest struct {
	ExplorationFactor    float64    `json:"explorationFactor" validate:"min=0,max=10"`
	MinTrialsPerTemplate int        `json:"minTrialsPerTemplate" validate:"min=0,max=100"`
	PostsPerDay          int        `json:"postsPerDay" validate:"min=0,max=10"`
	TimeRangeStart       string     `json:"timeRangeStart" validate:"omitempty,len=5"`
	TimeRangeEnd         string     `json:"timeRangeEnd" validate:"omitempty,len=5"`
	ActiveDays           []int      `json:"activeDays" validate:"max=7,dive,min=1,max=7"`
	AutoScheduleEnabled  bool       `json:"autoScheduleEnabled"`
	AIPrompt             string     `json:"aiPrompt" validate:"max=4000"`
	AIEngine             string     `json:"aiEngine" validate:"omitempty,oneof=PRIMARY FALLBACK"`
	LineUserID           string     `json:"lineUserId" validate:"max=100"`
	ThreadsAccountID     *uuid.UUID `json:"threadsAccountId"`
}

type tokenRequest struct {
	UserID string `json:"userId" validate:"required,max=100"`
	Role   string `json:"role" validate:"required,oneof=admin content_creator reviewer"`
	Secret string `json:"secret" validate:"required"`
}

// decode unmarshals and validates a JSON request body.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// writeJSON renders a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: response encode: %v", err)
	}
}

// writeError renders a JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
