package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and single-process dev
// runs. It mirrors the Postgres semantics, including conditional-update
// conflicts and the one-active-schedule-per-day constraint.
type MemoryStore struct {
	mu sync.RWMutex

	posts      map[uuid.UUID]*Post
	revisions  map[uuid.UUID]*Revision
	embeddings map[uuid.UUID]*Embedding // keyed by revision ID
	reviews    map[uuid.UUID]*ReviewRequest
	accounts   map[uuid.UUID]*ThreadsAccount
	auths      map[uuid.UUID]*ThreadsAuth
	templates  map[uuid.UUID]*Template
	slots      map[uuid.UUID]*TimeSlot
	schedules  map[uuid.UUID]*DailyAutoSchedule
	insights   map[uuid.UUID]*PostInsights
	perfLogs   []*PerformanceLog
	config     *SchedulerConfig
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:      make(map[uuid.UUID]*Post),
		revisions:  make(map[uuid.UUID]*Revision),
		embeddings: make(map[uuid.UUID]*Embedding),
		reviews:    make(map[uuid.UUID]*ReviewRequest),
		accounts:   make(map[uuid.UUID]*ThreadsAccount),
		auths:      make(map[uuid.UUID]*ThreadsAuth),
		templates:  make(map[uuid.UUID]*Template),
		slots:      make(map[uuid.UUID]*TimeSlot),
		schedules:  make(map[uuid.UUID]*DailyAutoSchedule),
		insights:   make(map[uuid.UUID]*PostInsights),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- Posts ---

func (s *MemoryStore) CreatePost(ctx context.Context, p *Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	s.posts[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPost(ctx context.Context, id uuid.UUID) (*Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPosts(ctx context.Context, status string, limit, offset int) ([]*Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Post
	for _, p := range s.posts {
		if status == "" || p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionPost(ctx context.Context, id uuid.UUID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != from {
		return fmt.Errorf("post %s not in %s: %w", id, from, ErrConflict)
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkPostPosted(ctx context.Context, id uuid.UUID, mediaID, postURL string, postedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != PostPublishing {
		return fmt.Errorf("post %s not in PUBLISHING: %w", id, ErrConflict)
	}
	p.Status = PostPosted
	p.MediaID = mediaID
	p.PostURL = postURL
	at := postedAt
	p.PostedAt = &at
	p.LastErrorCode = ""
	p.LastErrorMessage = ""
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkPostFailed(ctx context.Context, id uuid.UUID, status, errCode, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.LastErrorCode = errCode
	p.LastErrorMessage = errMsg
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetPostScheduledFor(ctx context.Context, id uuid.UUID, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.ScheduledFor = at
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeletePost(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[id]; !ok {
		return ErrNotFound
	}
	delete(s.posts, id)
	for rid, r := range s.revisions {
		if r.PostID == id {
			delete(s.revisions, rid)
			delete(s.embeddings, rid)
		}
	}
	for vid, v := range s.reviews {
		if v.PostID == id {
			delete(s.reviews, vid)
		}
	}
	delete(s.insights, id)
	// Schedules keep their row but drop the reference, matching the
	// ON DELETE SET NULL in the Postgres schema.
	for _, d := range s.schedules {
		if d.PostID != nil && *d.PostID == id {
			d.PostID = nil
		}
	}
	return nil
}

// --- Revisions ---

func (s *MemoryStore) CreateRevision(ctx context.Context, r *Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	max := 0
	for _, existing := range s.revisions {
		if existing.PostID == r.PostID && existing.RevisionNo > max {
			max = existing.RevisionNo
		}
	}
	r.RevisionNo = max + 1
	r.CreatedAt = time.Now()
	cp := *r
	s.revisions[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRevision(ctx context.Context, id uuid.UUID) (*Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.revisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) LatestRevision(ctx context.Context, postID uuid.UUID) (*Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Revision
	for _, r := range s.revisions {
		if r.PostID == postID && (latest == nil || r.RevisionNo > latest.RevisionNo) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListRevisions(ctx context.Context, postID uuid.UUID) ([]*Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Revision
	for _, r := range s.revisions {
		if r.PostID == postID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevisionNo < out[j].RevisionNo })
	return out, nil
}

// --- Embeddings ---

func (s *MemoryStore) CreateEmbedding(ctx context.Context, e *Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now()
	cp := *e
	cp.Vector = append([]float64(nil), e.Vector...)
	s.embeddings[e.RevisionID] = &cp
	return nil
}

func (s *MemoryStore) RecentPostedEmbeddings(ctx context.Context, limit int) ([]*RecentEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var posted []*Post
	for _, p := range s.posts {
		if p.Status == PostPosted && p.PostedAt != nil {
			posted = append(posted, p)
		}
	}
	sort.Slice(posted, func(i, j int) bool { return posted[i].PostedAt.After(*posted[j].PostedAt) })
	if limit > 0 && len(posted) > limit {
		posted = posted[:limit]
	}

	var out []*RecentEmbedding
	for _, p := range posted {
		var latest *Revision
		for _, r := range s.revisions {
			if r.PostID == p.ID && (latest == nil || r.RevisionNo > latest.RevisionNo) {
				latest = r
			}
		}
		if latest == nil {
			continue
		}
		if e, ok := s.embeddings[latest.ID]; ok {
			out = append(out, &RecentEmbedding{PostID: p.ID, Vector: append([]float64(nil), e.Vector...)})
		}
	}
	return out, nil
}

// --- Review requests ---

func (s *MemoryStore) CreateReviewRequest(ctx context.Context, r *ReviewRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for _, existing := range s.reviews {
		if existing.Token == r.Token {
			return fmt.Errorf("review token collision: %w", ErrConflict)
		}
	}
	r.Status = ReviewPending
	r.CreatedAt = time.Now()
	cp := *r
	s.reviews[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetReviewRequestByToken(ctx context.Context, token string) (*ReviewRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reviews {
		if r.Token == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UseReviewRequest(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok || r.Status != ReviewPending {
		return fmt.Errorf("review request %s not PENDING: %w", id, ErrConflict)
	}
	r.Status = ReviewUsed
	at := usedAt
	r.UsedAt = &at
	return nil
}

func (s *MemoryStore) SetReviewEditedContent(ctx context.Context, id uuid.UUID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok || r.Status != ReviewPending {
		return fmt.Errorf("review request %s not PENDING: %w", id, ErrConflict)
	}
	r.EditedContent = content
	return nil
}

func (s *MemoryStore) PendingReviewForUser(ctx context.Context, reviewerUserID string, now time.Time) (*ReviewRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *ReviewRequest
	for _, r := range s.reviews {
		if r.ReviewerUserID != reviewerUserID || r.Status != ReviewPending || !r.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *MemoryStore) ExpireReviewRequests(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reviews {
		if r.Status == ReviewPending && r.ExpiresAt.Before(now) {
			r.Status = ReviewExpired
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReviewerBacklogs(ctx context.Context, now time.Time) ([]*ReviewerBacklog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range s.reviews {
		if r.Status == ReviewPending && r.ExpiresAt.After(now) {
			counts[r.ReviewerUserID]++
		}
	}
	var out []*ReviewerBacklog
	for id, n := range counts {
		out = append(out, &ReviewerBacklog{ReviewerUserID: id, Pending: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReviewerUserID < out[j].ReviewerUserID })
	return out, nil
}

// --- Accounts and auth ---

func (s *MemoryStore) CreateAccount(ctx context.Context, a *ThreadsAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*ThreadsAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DefaultAccount(ctx context.Context) (*ThreadsAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []*ThreadsAccount
	for _, a := range s.accounts {
		if a.Status == "ACTIVE" {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].IsDefault != candidates[j].IsDefault {
			return candidates[i].IsDefault
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*ThreadsAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ThreadsAccount
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertAuth(ctx context.Context, a *ThreadsAuth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now()
	cp := *a
	s.auths[a.AccountID] = &cp
	return nil
}

func (s *MemoryStore) GetAuth(ctx context.Context, accountID uuid.UUID) (*ThreadsAuth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auths[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AuthsDueForRefresh(ctx context.Context, now time.Time, window, minAge time.Duration) ([]*ThreadsAuth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ThreadsAuth
	for _, a := range s.auths {
		acct, ok := s.accounts[a.AccountID]
		if !ok || acct.Status != "ACTIVE" || a.Status != AuthOK {
			continue
		}
		if !a.ExpiresAt.Before(now.Add(window)) {
			continue
		}
		if a.LastRefreshedAt != nil && !a.LastRefreshedAt.Before(now.Add(-minAge)) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAuthAfterRefresh(ctx context.Context, accountID uuid.UUID, encToken string, expiresAt, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[accountID]
	if !ok {
		return ErrNotFound
	}
	a.AccessToken = encToken
	a.ExpiresAt = expiresAt
	at := refreshedAt
	a.LastRefreshedAt = &at
	a.Status = AuthOK
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkAuthActionRequired(ctx context.Context, accountID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[accountID]
	if !ok {
		return ErrNotFound
	}
	a.Status = AuthActionRequired
	a.UpdatedAt = time.Now()
	return nil
}

// --- Templates ---

func (s *MemoryStore) CreateTemplate(ctx context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTemplates(ctx context.Context, enabledOnly bool) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Template
	for _, t := range s.templates {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) UpdateTemplate(ctx context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.templates[t.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = t.Name
	existing.Prompt = t.Prompt
	existing.PreferredEngine = t.PreferredEngine
	existing.Enabled = t.Enabled
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

func (s *MemoryStore) RecordTemplateOutcome(ctx context.Context, id uuid.UUID, engagementRate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.TotalUses++
	t.AvgEngagementRate += (engagementRate - t.AvgEngagementRate) / float64(t.TotalUses)
	t.UpdatedAt = time.Now()
	return nil
}

// --- Time slots ---

func (s *MemoryStore) CreateTimeSlot(ctx context.Context, t *TimeSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	cp := *t
	s.slots[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTimeSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTimeSlots(ctx context.Context, enabledOnly bool) ([]*TimeSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TimeSlot
	for _, t := range s.slots {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartHour != out[j].StartHour {
			return out[i].StartHour < out[j].StartHour
		}
		if out[i].StartMinute != out[j].StartMinute {
			return out[i].StartMinute < out[j].StartMinute
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryStore) UpdateTimeSlot(ctx context.Context, t *TimeSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.slots[t.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Label = t.Label
	existing.StartHour = t.StartHour
	existing.StartMinute = t.StartMinute
	existing.EndHour = t.EndHour
	existing.EndMinute = t.EndMinute
	existing.ActiveDays = append([]int(nil), t.ActiveDays...)
	existing.Enabled = t.Enabled
	return nil
}

func (s *MemoryStore) DeleteTimeSlot(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[id]; !ok {
		return ErrNotFound
	}
	delete(s.slots, id)
	return nil
}

// --- Scheduler config ---

func (s *MemoryStore) GetSchedulerConfig(ctx context.Context) (*SchedulerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return nil, ErrNotFound
	}
	cp := *s.config
	return &cp, nil
}

func (s *MemoryStore) SaveSchedulerConfig(ctx context.Context, c *SchedulerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now()
	cp := *c
	s.config = &cp
	return nil
}

// --- Daily auto schedules ---

func scheduleTerminal(status string) bool {
	switch status {
	case ScheduleCancelled, ScheduleExpired, ScheduleFailed:
		return true
	}
	return false
}

func (s *MemoryStore) CreateDailyAutoSchedule(ctx context.Context, d *DailyAutoSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	for _, existing := range s.schedules {
		if existing.ScheduleDate == d.ScheduleDate && !scheduleTerminal(existing.Status) {
			return fmt.Errorf("active schedule for %s already exists: %w", d.ScheduleDate, ErrConflict)
		}
	}
	d.CreatedAt = time.Now()
	cp := *d
	s.schedules[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDailyAutoSchedule(ctx context.Context, id uuid.UUID) (*DailyAutoSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ActiveScheduleForDate(ctx context.Context, date string) (*DailyAutoSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.schedules {
		if d.ScheduleDate == date && !scheduleTerminal(d.Status) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ScheduleForPost(ctx context.Context, postID uuid.UUID) (*DailyAutoSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *DailyAutoSchedule
	for _, d := range s.schedules {
		if d.PostID != nil && *d.PostID == postID {
			if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
				newest = d
			}
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *MemoryStore) AttachPostToSchedule(ctx context.Context, scheduleID, postID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	id := postID
	d.PostID = &id
	return nil
}

func (s *MemoryStore) TransitionSchedule(ctx context.Context, id uuid.UUID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[id]
	if !ok || d.Status != from {
		return fmt.Errorf("schedule %s not in %s: %w", id, from, ErrConflict)
	}
	d.Status = to
	return nil
}

func (s *MemoryStore) FinishSchedule(ctx context.Context, id uuid.UUID, status string, executedAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	at := executedAt
	d.ExecutedAt = &at
	d.ErrorMessage = errMsg
	return nil
}

func (s *MemoryStore) ClaimDueSchedules(ctx context.Context, now time.Time) ([]*DailyAutoSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DailyAutoSchedule
	for _, d := range s.schedules {
		if d.Status == ScheduleApproved && !d.ScheduledTime.After(now) {
			d.Status = SchedulePublishing
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) ExpiringGeneratedSchedules(ctx context.Context, deadline time.Time) ([]*DailyAutoSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DailyAutoSchedule
	for _, d := range s.schedules {
		if d.Status == ScheduleGenerated && !d.ScheduledTime.After(deadline) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (s *MemoryStore) ListRecentSchedules(ctx context.Context, limit int) ([]*DailyAutoSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DailyAutoSchedule
	for _, d := range s.schedules {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduleDate != out[j].ScheduleDate {
			return strings.Compare(out[i].ScheduleDate, out[j].ScheduleDate) > 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Insights ---

func (s *MemoryStore) UpsertInsights(ctx context.Context, i *PostInsights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	s.insights[i.PostID] = &cp
	return nil
}

func (s *MemoryStore) GetInsights(ctx context.Context, postID uuid.UUID) (*PostInsights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.insights[postID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *MemoryStore) PostsNeedingInsights(ctx context.Context, postedSince, syncedBefore time.Time) ([]*Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Post
	for _, p := range s.posts {
		if p.Status != PostPosted || p.PostedAt == nil || p.PostedAt.Before(postedSince) {
			continue
		}
		if i, ok := s.insights[p.ID]; ok && !i.LastSyncedAt.Before(syncedBefore) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(*out[j].PostedAt) })
	return out, nil
}

// --- Performance log ---

func (s *MemoryStore) CreatePerformanceLog(ctx context.Context, l *PerformanceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	cp := *l
	s.perfLogs = append(s.perfLogs, &cp)
	return nil
}

func (s *MemoryStore) ListPerformanceLogs(ctx context.Context, limit int) ([]*PerformanceLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PerformanceLog, 0, len(s.perfLogs))
	for _, l := range s.perfLogs {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.After(out[j].PostedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SlotStats(ctx context.Context) ([]*SlotStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type agg struct {
		uses int
		sum  float64
	}
	bySlot := make(map[uuid.UUID]*agg)
	for _, l := range s.perfLogs {
		a, ok := bySlot[l.TimeSlotID]
		if !ok {
			a = &agg{}
			bySlot[l.TimeSlotID] = a
		}
		a.uses++
		if i, ok := s.insights[l.PostID]; ok {
			a.sum += i.EngagementRate()
		}
	}
	var out []*SlotStat
	for id, a := range bySlot {
		out = append(out, &SlotStat{TimeSlotID: id, Uses: a.uses, AvgEngagement: a.sum / float64(a.uses)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeSlotID.String() < out[j].TimeSlotID.String() })
	return out, nil
}
