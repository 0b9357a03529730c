package store

import (
	"time"

	"github.com/google/uuid"
)

// Post statuses. Stored as string codes.
const (
	PostDraft          = "DRAFT"
	PostGenerating     = "GENERATING"
	PostPendingReview  = "PENDING_REVIEW"
	PostApproved       = "APPROVED"
	PostPublishing     = "PUBLISHING"
	PostPosted         = "POSTED"
	PostFailed         = "FAILED"
	PostActionRequired = "ACTION_REQUIRED"
	PostSkipped        = "SKIPPED"
)

// Engines a revision can originate from.
const (
	EnginePrimary  = "PRIMARY"
	EngineFallback = "FALLBACK"
	EngineManual   = "MANUAL"
	EngineImported = "IMPORTED"
)

// ReviewRequest statuses.
const (
	ReviewPending = "PENDING"
	ReviewUsed    = "USED"
	ReviewExpired = "EXPIRED"
)

// ThreadsAuth statuses.
const (
	AuthOK             = "OK"
	AuthExpired        = "EXPIRED"
	AuthActionRequired = "ACTION_REQUIRED"
)

// DailyAutoSchedule statuses.
const (
	SchedulePending    = "PENDING"
	ScheduleGenerated  = "GENERATED"
	ScheduleApproved   = "APPROVED"
	SchedulePublishing = "PUBLISHING"
	SchedulePublished  = "PUBLISHED"
	ScheduleFailed     = "FAILED"
	ScheduleCancelled  = "CANCELLED"
	ScheduleExpired    = "EXPIRED"
)

// MaxContentLength is the hard cap on post content.
const MaxContentLength = 500

// ISOWeekday maps time.Weekday to the Monday=1..Sunday=7 convention used
// by ActiveDays, TimeSlot schedules, and PerformanceLog.DayOfWeek.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// Post is the central pipeline entity. Status transitions are guarded by
// conditional updates; see Store.TransitionPost.
type Post struct {
	ID               uuid.UUID
	Status           string
	CreatedBy        string
	TemplateID       *uuid.UUID
	ThreadsAccountID *uuid.UUID
	PostedAt         *time.Time
	PostURL          string
	MediaID          string
	LastErrorCode    string
	LastErrorMessage string
	IsAIGenerated    bool
	Tags             []string
	Context          string
	ScheduledFor     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Revision is one concrete text candidate for a post. RevisionNo is
// monotonic per post starting at 1 with no gaps.
type Revision struct {
	ID            uuid.UUID
	PostID        uuid.UUID
	RevisionNo    int
	Content       string
	EngineUsed    string
	SimilarityMax float64
	CreatedAt     time.Time
}

// Embedding is the vector for a revision's content.
type Embedding struct {
	RevisionID uuid.UUID
	Vector     []float64
	CreatedAt  time.Time
}

// RecentEmbedding pairs a posted post with the vector of its latest revision.
type RecentEmbedding struct {
	PostID uuid.UUID
	Vector []float64
}

// ReviewRequest is a one-shot review credential for a specific revision.
type ReviewRequest struct {
	ID             uuid.UUID
	PostID         uuid.UUID
	RevisionID     uuid.UUID
	Token          string
	ReviewerUserID string
	Status         string
	ExpiresAt      time.Time
	UsedAt         *time.Time
	EditedContent  string
	CreatedAt      time.Time
}

// ThreadsAccount is a connected publishing target.
type ThreadsAccount struct {
	ID                uuid.UUID
	UserID            string
	Username          string
	ExternalAccountID string
	Status            string // ACTIVE, LOCKED
	IsDefault         bool
	CreatedAt         time.Time
}

// ThreadsAuth holds the encrypted long-lived token for an account.
// AccessToken is ciphertext; it never leaves the store layer in plaintext.
type ThreadsAuth struct {
	AccountID       uuid.UUID
	AccessToken     string
	ExpiresAt       time.Time
	LastRefreshedAt *time.Time
	Status          string
	UpdatedAt       time.Time
}

// Template is a content prompt with bandit statistics attached.
type Template struct {
	ID                uuid.UUID
	Name              string
	Prompt            string
	PreferredEngine   string
	Enabled           bool
	TotalUses         int
	AvgEngagementRate float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TimeSlot is a recurring posting window on selected weekdays.
// ActiveDays uses time.Weekday values with Monday=1..Sunday=7.
type TimeSlot struct {
	ID          uuid.UUID
	Label       string
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
	ActiveDays  []int
	Enabled     bool
	CreatedAt   time.Time
}

// SchedulerConfig is the singleton auto-scheduler configuration.
type SchedulerConfig struct {
	ExplorationFactor    float64
	MinTrialsPerTemplate int
	PostsPerDay          int
	TimeRangeStart       string
	TimeRangeEnd         string
	ActiveDays           []int
	AutoScheduleEnabled  bool
	AIPrompt             string
	AIEngine             string
	LineUserID           string
	ThreadsAccountID     *uuid.UUID
	UpdatedAt            time.Time
}

// DailyAutoSchedule records one UCB decision for a calendar day.
// ScheduleDate is the local day formatted YYYY-MM-DD.
type DailyAutoSchedule struct {
	ID                 uuid.UUID
	ScheduleDate       string
	PostID             *uuid.UUID
	ScheduledTime      time.Time
	SelectedTimeSlotID uuid.UUID
	SelectedTemplateID uuid.UUID
	UCBScore           float64
	WasExploration     bool
	SelectionReason    string
	Status             string
	ExecutedAt         *time.Time
	ErrorMessage       string
	CreatedAt          time.Time
}

// PostInsights holds the latest engagement metrics for a posted post.
type PostInsights struct {
	PostID       uuid.UUID
	Views        int
	Likes        int
	Replies      int
	Reposts      int
	LastSyncedAt time.Time
}

// EngagementRate computes (likes + replies + reposts) / max(views, 1).
func (i *PostInsights) EngagementRate() float64 {
	views := i.Views
	if views < 1 {
		views = 1
	}
	return float64(i.Likes+i.Replies+i.Reposts) / float64(views)
}

// PerformanceLog is an append-only record of a UCB-authored post's outcome
// context. Rows exist only for posts created through the auto-schedule path.
type PerformanceLog struct {
	ID              uuid.UUID
	PostID          uuid.UUID
	TemplateID      uuid.UUID
	TimeSlotID      uuid.UUID
	PostedAt        time.Time
	PostedHour      int
	PostedMinute    int
	DayOfWeek       int
	UCBScore        float64
	WasExploration  bool
	SelectionReason string
}

// SlotStat is a per-slot aggregate over the performance log joined with
// insights, consumed by slot-level UCB.
type SlotStat struct {
	TimeSlotID    uuid.UUID
	Uses          int
	AvgEngagement float64
}

// ReviewerBacklog is one reviewer's count of outstanding PENDING requests.
type ReviewerBacklog struct {
	ReviewerUserID string
	Pending        int
}
