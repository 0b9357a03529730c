package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the durable persistence backend for the posting pipeline.
// It abstracts over Postgres (production) and an in-memory implementation
// used by tests. All set-returning queries are explicitly ordered; ties are
// broken by created_at then id.
//
// Status transitions use conditional updates: the update applies only when
// the row is still in the expected state, and a zero rows-affected result
// surfaces as ErrConflict. This is the only cross-process locking primitive
// the pipeline relies on.
type Store interface {
	// Posts
	CreatePost(ctx context.Context, p *Post) error
	GetPost(ctx context.Context, id uuid.UUID) (*Post, error)
	ListPosts(ctx context.Context, status string, limit, offset int) ([]*Post, error)
	// TransitionPost moves a post from exactly `from` to `to`.
	TransitionPost(ctx context.Context, id uuid.UUID, from, to string) error
	// MarkPostPosted finalizes a successful publish (PUBLISHING -> POSTED).
	MarkPostPosted(ctx context.Context, id uuid.UUID, mediaID, postURL string, postedAt time.Time) error
	// MarkPostFailed records a terminal error (any state -> status).
	MarkPostFailed(ctx context.Context, id uuid.UUID, status, errCode, errMsg string) error
	SetPostScheduledFor(ctx context.Context, id uuid.UUID, at *time.Time) error
	DeletePost(ctx context.Context, id uuid.UUID) error

	// Revisions. CreateRevision assigns the next revision_no inside a
	// transaction guarded by the unique (post_id, revision_no) constraint.
	CreateRevision(ctx context.Context, r *Revision) error
	GetRevision(ctx context.Context, id uuid.UUID) (*Revision, error)
	LatestRevision(ctx context.Context, postID uuid.UUID) (*Revision, error)
	ListRevisions(ctx context.Context, postID uuid.UUID) ([]*Revision, error)

	// Embeddings
	CreateEmbedding(ctx context.Context, e *Embedding) error
	// RecentPostedEmbeddings returns the latest-revision vectors of the most
	// recently posted posts, ordered by posted_at desc.
	RecentPostedEmbeddings(ctx context.Context, limit int) ([]*RecentEmbedding, error)

	// Review requests
	CreateReviewRequest(ctx context.Context, r *ReviewRequest) error
	GetReviewRequestByToken(ctx context.Context, token string) (*ReviewRequest, error)
	// UseReviewRequest atomically marks a PENDING request USED.
	UseReviewRequest(ctx context.Context, id uuid.UUID, usedAt time.Time) error
	SetReviewEditedContent(ctx context.Context, id uuid.UUID, content string) error
	// PendingReviewForUser returns the newest PENDING, unexpired request
	// assigned to the reviewer, or ErrNotFound.
	PendingReviewForUser(ctx context.Context, reviewerUserID string, now time.Time) (*ReviewRequest, error)
	// ExpireReviewRequests marks PENDING requests past expiry EXPIRED and
	// returns how many were affected.
	ExpireReviewRequests(ctx context.Context, now time.Time) (int, error)
	ReviewerBacklogs(ctx context.Context, now time.Time) ([]*ReviewerBacklog, error)

	// Accounts and auth
	CreateAccount(ctx context.Context, a *ThreadsAccount) error
	GetAccount(ctx context.Context, id uuid.UUID) (*ThreadsAccount, error)
	DefaultAccount(ctx context.Context) (*ThreadsAccount, error)
	ListAccounts(ctx context.Context) ([]*ThreadsAccount, error)
	UpsertAuth(ctx context.Context, a *ThreadsAuth) error
	GetAuth(ctx context.Context, accountID uuid.UUID) (*ThreadsAuth, error)
	// AuthsDueForRefresh selects ACTIVE accounts with OK auth expiring within
	// the window whose last refresh is older than minAge (or never).
	AuthsDueForRefresh(ctx context.Context, now time.Time, window, minAge time.Duration) ([]*ThreadsAuth, error)
	UpdateAuthAfterRefresh(ctx context.Context, accountID uuid.UUID, encToken string, expiresAt, refreshedAt time.Time) error
	MarkAuthActionRequired(ctx context.Context, accountID uuid.UUID) error

	// Templates
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)
	ListTemplates(ctx context.Context, enabledOnly bool) ([]*Template, error)
	UpdateTemplate(ctx context.Context, t *Template) error
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
	// RecordTemplateOutcome increments total_uses and folds rate into the
	// running mean under a row-level lock.
	RecordTemplateOutcome(ctx context.Context, id uuid.UUID, engagementRate float64) error

	// Time slots
	CreateTimeSlot(ctx context.Context, s *TimeSlot) error
	GetTimeSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	ListTimeSlots(ctx context.Context, enabledOnly bool) ([]*TimeSlot, error)
	UpdateTimeSlot(ctx context.Context, s *TimeSlot) error
	DeleteTimeSlot(ctx context.Context, id uuid.UUID) error

	// Scheduler config (singleton)
	GetSchedulerConfig(ctx context.Context) (*SchedulerConfig, error)
	SaveSchedulerConfig(ctx context.Context, c *SchedulerConfig) error

	// Daily auto schedules
	// CreateDailyAutoSchedule enforces at most one non-terminal schedule per
	// calendar day (ErrConflict otherwise).
	CreateDailyAutoSchedule(ctx context.Context, s *DailyAutoSchedule) error
	GetDailyAutoSchedule(ctx context.Context, id uuid.UUID) (*DailyAutoSchedule, error)
	ActiveScheduleForDate(ctx context.Context, date string) (*DailyAutoSchedule, error)
	ScheduleForPost(ctx context.Context, postID uuid.UUID) (*DailyAutoSchedule, error)
	AttachPostToSchedule(ctx context.Context, scheduleID, postID uuid.UUID) error
	TransitionSchedule(ctx context.Context, id uuid.UUID, from, to string) error
	FinishSchedule(ctx context.Context, id uuid.UUID, status string, executedAt time.Time, errMsg string) error
	// ClaimDueSchedules atomically moves APPROVED schedules whose time has
	// arrived to PUBLISHING and returns the claimed rows.
	ClaimDueSchedules(ctx context.Context, now time.Time) ([]*DailyAutoSchedule, error)
	// ExpiringGeneratedSchedules lists GENERATED schedules whose scheduled
	// time falls before the deadline.
	ExpiringGeneratedSchedules(ctx context.Context, deadline time.Time) ([]*DailyAutoSchedule, error)
	ListRecentSchedules(ctx context.Context, limit int) ([]*DailyAutoSchedule, error)

	// Insights
	UpsertInsights(ctx context.Context, i *PostInsights) error
	GetInsights(ctx context.Context, postID uuid.UUID) (*PostInsights, error)
	// PostsNeedingInsights selects POSTED posts posted after `postedSince`
	// whose insights are missing or last synced before `syncedBefore`.
	PostsNeedingInsights(ctx context.Context, postedSince, syncedBefore time.Time) ([]*Post, error)

	// Performance log
	CreatePerformanceLog(ctx context.Context, l *PerformanceLog) error
	ListPerformanceLogs(ctx context.Context, limit int) ([]*PerformanceLog, error)
	SlotStats(ctx context.Context) ([]*SlotStat, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
}
