package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload schemas are versioned per queue and validated at handler entry.
// Re-deliveries carry the same bytes, so handlers key idempotence off the
// entity IDs inside.

// PayloadVersion is the current schema version for all queues.
const PayloadVersion = 1

// GeneratePayload drives the content pipeline's generate handler.
type GeneratePayload struct {
	Version        int        `json:"version"`
	PostID         uuid.UUID  `json:"post_id"`
	CreatedBy      string     `json:"created_by"`
	StylePreset    string     `json:"style_preset"`
	Engine         string     `json:"engine,omitempty"`
	ManualContent  string     `json:"manual_content,omitempty"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	AutoScheduleID *uuid.UUID `json:"auto_schedule_id,omitempty"`
}

// PublishPayload drives the publisher.
type PublishPayload struct {
	Version int       `json:"version"`
	PostID  uuid.UUID `json:"post_id"`
}

// TokenRefreshPayload drives the token lifecycle handler.
type TokenRefreshPayload struct {
	Version   int       `json:"version"`
	AccountID uuid.UUID `json:"account_id"`
}

// DecodePayload unmarshals and version-checks a job payload.
func DecodePayload[T any](raw json.RawMessage, out *T) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("payload decode: %w", err)
	}
	var v struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("payload decode: %w", err)
	}
	if v.Version != PayloadVersion {
		return fmt.Errorf("payload version %d unsupported", v.Version)
	}
	return nil
}
