package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and applies the embedded schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema bootstrap: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool so the job queue can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Posts ---

const postColumns = `id, status, created_by, template_id, threads_account_id, posted_at,
	post_url, media_id, last_error_code, last_error_message, is_ai_generated,
	tags, context, scheduled_for, created_at, updated_at`

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	err := row.Scan(
		&p.ID, &p.Status, &p.CreatedBy, &p.TemplateID, &p.ThreadsAccountID, &p.PostedAt,
		&p.PostURL, &p.MediaID, &p.LastErrorCode, &p.LastErrorMessage, &p.IsAIGenerated,
		&p.Tags, &p.Context, &p.ScheduledFor, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePost(ctx context.Context, p *Post) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	query := `
		INSERT INTO posts (id, status, created_by, template_id, threads_account_id,
			is_ai_generated, tags, context, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Status, p.CreatedBy, p.TemplateID, p.ThreadsAccountID,
		p.IsAIGenerated, p.Tags, p.Context, p.ScheduledFor,
	)
	return err
}

func (s *PostgresStore) GetPost(ctx context.Context, id uuid.UUID) (*Post, error) {
	return scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
}

func (s *PostgresStore) ListPosts(ctx context.Context, status string, limit, offset int) ([]*Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *PostgresStore) TransitionPost(ctx context.Context, id uuid.UUID, from, to string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE posts SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %s not in %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) MarkPostPosted(ctx context.Context, id uuid.UUID, mediaID, postURL string, postedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, media_id = $3, post_url = $4, posted_at = $5,
			last_error_code = '', last_error_message = '', updated_at = NOW()
		WHERE id = $1 AND status = $6`,
		id, PostPosted, mediaID, postURL, postedAt, PostPublishing,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %s not in PUBLISHING: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) MarkPostFailed(ctx context.Context, id uuid.UUID, status, errCode, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, last_error_code = $3, last_error_message = $4, updated_at = NOW()
		WHERE id = $1`,
		id, status, errCode, errMsg,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetPostScheduledFor(ctx context.Context, id uuid.UUID, at *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE posts SET scheduled_for = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeletePost(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Revisions ---

func (s *PostgresStore) CreateRevision(ctx context.Context, r *Revision) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Read-current-max then insert-next; the unique (post_id, revision_no)
	// constraint catches concurrent writers.
	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(revision_no), 0) + 1 FROM revisions WHERE post_id = $1`,
		r.PostID,
	).Scan(&next)
	if err != nil {
		return err
	}
	r.RevisionNo = next
	r.CreatedAt = time.Now()

	_, err = tx.Exec(ctx, `
		INSERT INTO revisions (id, post_id, revision_no, content, engine_used, similarity_max, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PostID, r.RevisionNo, r.Content, r.EngineUsed, r.SimilarityMax, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("revision %d for post %s already exists: %w", r.RevisionNo, r.PostID, ErrConflict)
		}
		return err
	}
	return tx.Commit(ctx)
}

const revisionColumns = `id, post_id, revision_no, content, engine_used, similarity_max, created_at`

func scanRevision(row pgx.Row) (*Revision, error) {
	var r Revision
	err := row.Scan(&r.ID, &r.PostID, &r.RevisionNo, &r.Content, &r.EngineUsed, &r.SimilarityMax, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, id uuid.UUID) (*Revision, error) {
	return scanRevision(s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE id = $1`, id))
}

func (s *PostgresStore) LatestRevision(ctx context.Context, postID uuid.UUID) (*Revision, error) {
	return scanRevision(s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE post_id = $1 ORDER BY revision_no DESC LIMIT 1`, postID))
}

func (s *PostgresStore) ListRevisions(ctx context.Context, postID uuid.UUID) ([]*Revision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE post_id = $1 ORDER BY revision_no`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []*Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// --- Embeddings ---

func (s *PostgresStore) CreateEmbedding(ctx context.Context, e *Embedding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embeddings (revision_id, vector) VALUES ($1, $2)
		 ON CONFLICT (revision_id) DO UPDATE SET vector = EXCLUDED.vector`,
		e.RevisionID, e.Vector,
	)
	return err
}

func (s *PostgresStore) RecentPostedEmbeddings(ctx context.Context, limit int) ([]*RecentEmbedding, error) {
	// Latest revision per posted post, newest posts first.
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, e.vector
		FROM posts p
		JOIN LATERAL (
			SELECT r.id FROM revisions r WHERE r.post_id = p.id ORDER BY r.revision_no DESC LIMIT 1
		) latest ON TRUE
		JOIN embeddings e ON e.revision_id = latest.id
		WHERE p.status = $1 AND p.posted_at IS NOT NULL
		ORDER BY p.posted_at DESC, p.id
		LIMIT $2`,
		PostPosted, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RecentEmbedding
	for rows.Next() {
		var re RecentEmbedding
		if err := rows.Scan(&re.PostID, &re.Vector); err != nil {
			return nil, err
		}
		out = append(out, &re)
	}
	return out, rows.Err()
}

// --- Review requests ---

const reviewColumns = `id, post_id, revision_id, token, reviewer_user_id, status,
	expires_at, used_at, edited_content, created_at`

func scanReview(row pgx.Row) (*ReviewRequest, error) {
	var r ReviewRequest
	err := row.Scan(&r.ID, &r.PostID, &r.RevisionID, &r.Token, &r.ReviewerUserID, &r.Status,
		&r.ExpiresAt, &r.UsedAt, &r.EditedContent, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateReviewRequest(ctx context.Context, r *ReviewRequest) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_requests (id, post_id, revision_id, token, reviewer_user_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PostID, r.RevisionID, r.Token, r.ReviewerUserID, ReviewPending, r.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("review token collision: %w", ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetReviewRequestByToken(ctx context.Context, token string) (*ReviewRequest, error) {
	return scanReview(s.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM review_requests WHERE token = $1`, token))
}

func (s *PostgresStore) UseReviewRequest(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_requests SET status = $2, used_at = $3 WHERE id = $1 AND status = $4`,
		id, ReviewUsed, usedAt, ReviewPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review request %s not PENDING: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) SetReviewEditedContent(ctx context.Context, id uuid.UUID, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_requests SET edited_content = $2 WHERE id = $1 AND status = $3`,
		id, content, ReviewPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review request %s not PENDING: %w", id, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) PendingReviewForUser(ctx context.Context, reviewerUserID string, now time.Time) (*ReviewRequest, error) {
	return scanReview(s.pool.QueryRow(ctx, `
		SELECT `+reviewColumns+` FROM review_requests
		WHERE reviewer_user_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at DESC, id LIMIT 1`,
		reviewerUserID, ReviewPending, now,
	))
}

func (s *PostgresStore) ExpireReviewRequests(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_requests SET status = $1 WHERE status = $2 AND expires_at < $3`,
		ReviewExpired, ReviewPending, now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ReviewerBacklogs(ctx context.Context, now time.Time) ([]*ReviewerBacklog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reviewer_user_id, COUNT(*) FROM review_requests
		WHERE status = $1 AND expires_at > $2
		GROUP BY reviewer_user_id ORDER BY reviewer_user_id`,
		ReviewPending, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReviewerBacklog
	for rows.Next() {
		var b ReviewerBacklog
		if err := rows.Scan(&b.ReviewerUserID, &b.Pending); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// --- Accounts and auth ---

const accountColumns = `id, user_id, username, external_account_id, status, is_default, created_at`

func scanAccount(row pgx.Row) (*ThreadsAccount, error) {
	var a ThreadsAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Username, &a.ExternalAccountID, &a.Status, &a.IsDefault, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *ThreadsAccount) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads_accounts (id, user_id, username, external_account_id, status, is_default)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.Username, a.ExternalAccountID, a.Status, a.IsDefault,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*ThreadsAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM threads_accounts WHERE id = $1`, id))
}

func (s *PostgresStore) DefaultAccount(ctx context.Context) (*ThreadsAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM threads_accounts
		WHERE status = 'ACTIVE'
		ORDER BY is_default DESC, created_at, id LIMIT 1`))
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*ThreadsAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM threads_accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ThreadsAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertAuth(ctx context.Context, a *ThreadsAuth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads_auth (account_id, access_token, expires_at, last_refreshed_at, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			expires_at = EXCLUDED.expires_at,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			status = EXCLUDED.status,
			updated_at = NOW()`,
		a.AccountID, a.AccessToken, a.ExpiresAt, a.LastRefreshedAt, a.Status,
	)
	return err
}

func scanAuth(row pgx.Row) (*ThreadsAuth, error) {
	var a ThreadsAuth
	err := row.Scan(&a.AccountID, &a.AccessToken, &a.ExpiresAt, &a.LastRefreshedAt, &a.Status, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAuth(ctx context.Context, accountID uuid.UUID) (*ThreadsAuth, error) {
	return scanAuth(s.pool.QueryRow(ctx, `
		SELECT account_id, access_token, expires_at, last_refreshed_at, status, updated_at
		FROM threads_auth WHERE account_id = $1`, accountID))
}

func (s *PostgresStore) AuthsDueForRefresh(ctx context.Context, now time.Time, window, minAge time.Duration) ([]*ThreadsAuth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.account_id, t.access_token, t.expires_at, t.last_refreshed_at, t.status, t.updated_at
		FROM threads_auth t
		JOIN threads_accounts a ON a.id = t.account_id
		WHERE a.status = 'ACTIVE' AND t.status = $1
		  AND t.expires_at < $2
		  AND (t.last_refreshed_at IS NULL OR t.last_refreshed_at < $3)
		ORDER BY t.expires_at, t.account_id`,
		AuthOK, now.Add(window), now.Add(-minAge),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ThreadsAuth
	for rows.Next() {
		a, err := scanAuth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAuthAfterRefresh(ctx context.Context, accountID uuid.UUID, encToken string, expiresAt, refreshedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads_auth
		SET access_token = $2, expires_at = $3, last_refreshed_at = $4, status = $5, updated_at = NOW()
		WHERE account_id = $1`,
		accountID, encToken, expiresAt, refreshedAt, AuthOK,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAuthActionRequired(ctx context.Context, accountID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads_auth SET status = $2, updated_at = NOW() WHERE account_id = $1`,
		accountID, AuthActionRequired,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Templates ---

const templateColumns = `id, name, prompt, preferred_engine, enabled, total_uses, avg_engagement_rate, created_at, updated_at`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.Prompt, &t.PreferredEngine, &t.Enabled,
		&t.TotalUses, &t.AvgEngagementRate, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO templates (id, name, prompt, preferred_engine, enabled)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Prompt, t.PreferredEngine, t.Enabled,
	)
	return err
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	return scanTemplate(s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1`, id))
}

func (s *PostgresStore) ListTemplates(ctx context.Context, enabledOnly bool) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTemplate(ctx context.Context, t *Template) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE templates SET name = $2, prompt = $3, preferred_engine = $4, enabled = $5, updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Name, t.Prompt, t.PreferredEngine, t.Enabled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordTemplateOutcome(ctx context.Context, id uuid.UUID, engagementRate float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Row-level lock serializes concurrent stat updates per template.
	var uses int
	var avg float64
	err = tx.QueryRow(ctx,
		`SELECT total_uses, avg_engagement_rate FROM templates WHERE id = $1 FOR UPDATE`, id,
	).Scan(&uses, &avg)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	uses++
	avg += (engagementRate - avg) / float64(uses)

	_, err = tx.Exec(ctx,
		`UPDATE templates SET total_uses = $2, avg_engagement_rate = $3, updated_at = NOW() WHERE id = $1`,
		id, uses, avg,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Time slots ---

const slotColumns = `id, label, start_hour, start_minute, end_hour, end_minute, active_days, enabled, created_at`

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var t TimeSlot
	err := row.Scan(&t.ID, &t.Label, &t.StartHour, &t.StartMinute, &t.EndHour, &t.EndMinute,
		&t.ActiveDays, &t.Enabled, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTimeSlot(ctx context.Context, t *TimeSlot) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.ActiveDays == nil {
		t.ActiveDays = []int{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO time_slots (id, label, start_hour, start_minute, end_hour, end_minute, active_days, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Label, t.StartHour, t.StartMinute, t.EndHour, t.EndMinute, t.ActiveDays, t.Enabled,
	)
	return err
}

func (s *PostgresStore) GetTimeSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM time_slots WHERE id = $1`, id))
}

func (s *PostgresStore) ListTimeSlots(ctx context.Context, enabledOnly bool) ([]*TimeSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM time_slots`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY start_hour, start_minute, created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TimeSlot
	for rows.Next() {
		t, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTimeSlot(ctx context.Context, t *TimeSlot) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE time_slots SET label = $2, start_hour = $3, start_minute = $4,
			end_hour = $5, end_minute = $6, active_days = $7, enabled = $8
		WHERE id = $1`,
		t.ID, t.Label, t.StartHour, t.StartMinute, t.EndHour, t.EndMinute, t.ActiveDays, t.Enabled,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTimeSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM time_slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Scheduler config ---

func (s *PostgresStore) GetSchedulerConfig(ctx context.Context) (*SchedulerConfig, error) {
	var c SchedulerConfig
	err := s.pool.QueryRow(ctx, `
		SELECT exploration_factor, min_trials_per_template, posts_per_day,
			time_range_start, time_range_end, active_days, auto_schedule_enabled,
			ai_prompt, ai_engine, line_user_id, threads_account_id, updated_at
		FROM scheduler_config WHERE singleton`,
	).Scan(
		&c.ExplorationFactor, &c.MinTrialsPerTemplate, &c.PostsPerDay,
		&c.TimeRangeStart, &c.TimeRangeEnd, &c.ActiveDays, &c.AutoScheduleEnabled,
		&c.AIPrompt, &c.AIEngine, &c.LineUserID, &c.ThreadsAccountID, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) SaveSchedulerConfig(ctx context.Context, c *SchedulerConfig) error {
	if c.ActiveDays == nil {
		c.ActiveDays = []int{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_config (singleton, exploration_factor, min_trials_per_template,
			posts_per_day, time_range_start, time_range_end, active_days,
			auto_schedule_enabled, ai_prompt, ai_engine, line_user_id, threads_account_id, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (singleton) DO UPDATE SET
			exploration_factor = EXCLUDED.exploration_factor,
			min_trials_per_template = EXCLUDED.min_trials_per_template,
			posts_per_day = EXCLUDED.posts_per_day,
			time_range_start = EXCLUDED.time_range_start,
			time_range_end = EXCLUDED.time_range_end,
			active_days = EXCLUDED.active_days,
			auto_schedule_enabled = EXCLUDED.auto_schedule_enabled,
			ai_prompt = EXCLUDED.ai_prompt,
			ai_engine = EXCLUDED.ai_engine,
			line_user_id = EXCLUDED.line_user_id,
			threads_account_id = EXCLUDED.threads_account_id,
			updated_at = NOW()`,
		c.ExplorationFactor, c.MinTrialsPerTemplate, c.PostsPerDay,
		c.TimeRangeStart, c.TimeRangeEnd, c.ActiveDays, c.AutoScheduleEnabled,
		c.AIPrompt, c.AIEngine, c.LineUserID, c.ThreadsAccountID,
	)
	return err
}

// --- Daily auto schedules ---

const scheduleColumns = `id, schedule_date, post_id, scheduled_time, selected_time_slot_id,
	selected_template_id, ucb_score, was_exploration, selection_reason, status,
	executed_at, error_message, created_at`

func scanSchedule(row pgx.Row) (*DailyAutoSchedule, error) {
	var d DailyAutoSchedule
	err := row.Scan(&d.ID, &d.ScheduleDate, &d.PostID, &d.ScheduledTime, &d.SelectedTimeSlotID,
		&d.SelectedTemplateID, &d.UCBScore, &d.WasExploration, &d.SelectionReason, &d.Status,
		&d.ExecutedAt, &d.ErrorMessage, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateDailyAutoSchedule(ctx context.Context, d *DailyAutoSchedule) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_auto_schedules (id, schedule_date, post_id, scheduled_time,
			selected_time_slot_id, selected_template_id, ucb_score, was_exploration,
			selection_reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.ScheduleDate, d.PostID, d.ScheduledTime,
		d.SelectedTimeSlotID, d.SelectedTemplateID, d.UCBScore, d.WasExploration,
		d.SelectionReason, d.Status,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("active schedule for %s already exists: %w", d.ScheduleDate, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetDailyAutoSchedule(ctx context.Context, id uuid.UUID) (*DailyAutoSchedule, error) {
	return scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM daily_auto_schedules WHERE id = $1`, id))
}

func (s *PostgresStore) ActiveScheduleForDate(ctx context.Context, date string) (*DailyAutoSchedule, error) {
	return scanSchedule(s.pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+` FROM daily_auto_schedules
		WHERE schedule_date = $1 AND status NOT IN ('CANCELLED', 'EXPIRED', 'FAILED')
		ORDER BY created_at, id LIMIT 1`, date))
}

func (s *PostgresStore) ScheduleForPost(ctx context.Context, postID uuid.UUID) (*DailyAutoSchedule, error) {
	return scanSchedule(s.pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+` FROM daily_auto_schedules
		WHERE post_id = $1 ORDER BY created_at DESC, id LIMIT 1`, postID))
}

func (s *PostgresStore) AttachPostToSchedule(ctx context.Context, scheduleID, postID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE daily_auto_schedules SET post_id = $2 WHERE id = $1`, scheduleID, postID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TransitionSchedule(ctx context.Context, id uuid.UUID, from, to string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE daily_auto_schedules SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s not in %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FinishSchedule(ctx context.Context, id uuid.UUID, status string, executedAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE daily_auto_schedules SET status = $2, executed_at = $3, error_message = $4
		WHERE id = $1`,
		id, status, executedAt, errMsg,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimDueSchedules(ctx context.Context, now time.Time) ([]*DailyAutoSchedule, error) {
	// Conditional UPDATE ... RETURNING claims due rows atomically across
	// competing processes.
	rows, err := s.pool.Query(ctx, `
		UPDATE daily_auto_schedules SET status = $1
		WHERE id IN (
			SELECT id FROM daily_auto_schedules
			WHERE status = $2 AND scheduled_time <= $3
			ORDER BY scheduled_time, id
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduleColumns,
		SchedulePublishing, ScheduleApproved, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyAutoSchedule
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpiringGeneratedSchedules(ctx context.Context, deadline time.Time) ([]*DailyAutoSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM daily_auto_schedules
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY scheduled_time, id`,
		ScheduleGenerated, deadline,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyAutoSchedule
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRecentSchedules(ctx context.Context, limit int) ([]*DailyAutoSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM daily_auto_schedules
		ORDER BY schedule_date DESC, created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DailyAutoSchedule
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Insights ---

func (s *PostgresStore) UpsertInsights(ctx context.Context, i *PostInsights) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO post_insights (post_id, views, likes, replies, reposts, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (post_id) DO UPDATE SET
			views = EXCLUDED.views,
			likes = EXCLUDED.likes,
			replies = EXCLUDED.replies,
			reposts = EXCLUDED.reposts,
			last_synced_at = EXCLUDED.last_synced_at`,
		i.PostID, i.Views, i.Likes, i.Replies, i.Reposts, i.LastSyncedAt,
	)
	return err
}

func (s *PostgresStore) GetInsights(ctx context.Context, postID uuid.UUID) (*PostInsights, error) {
	var i PostInsights
	err := s.pool.QueryRow(ctx, `
		SELECT post_id, views, likes, replies, reposts, last_synced_at
		FROM post_insights WHERE post_id = $1`, postID,
	).Scan(&i.PostID, &i.Views, &i.Likes, &i.Replies, &i.Reposts, &i.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) PostsNeedingInsights(ctx context.Context, postedSince, syncedBefore time.Time) ([]*Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts p
		WHERE p.status = $1 AND p.posted_at >= $2
		  AND NOT EXISTS (
			SELECT 1 FROM post_insights i
			WHERE i.post_id = p.id AND i.last_synced_at >= $3
		  )
		ORDER BY p.posted_at, p.id`,
		PostPosted, postedSince, syncedBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Performance log ---

func (s *PostgresStore) CreatePerformanceLog(ctx context.Context, l *PerformanceLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO performance_logs (id, post_id, template_id, time_slot_id, posted_at,
			posted_hour, posted_minute, day_of_week, ucb_score, was_exploration, selection_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.PostID, l.TemplateID, l.TimeSlotID, l.PostedAt,
		l.PostedHour, l.PostedMinute, l.DayOfWeek, l.UCBScore, l.WasExploration, l.SelectionReason,
	)
	return err
}

func (s *PostgresStore) ListPerformanceLogs(ctx context.Context, limit int) ([]*PerformanceLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, template_id, time_slot_id, posted_at, posted_hour,
			posted_minute, day_of_week, ucb_score, was_exploration, selection_reason
		FROM performance_logs ORDER BY posted_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PerformanceLog
	for rows.Next() {
		var l PerformanceLog
		if err := rows.Scan(&l.ID, &l.PostID, &l.TemplateID, &l.TimeSlotID, &l.PostedAt,
			&l.PostedHour, &l.PostedMinute, &l.DayOfWeek, &l.UCBScore, &l.WasExploration,
			&l.SelectionReason); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SlotStats(ctx context.Context) ([]*SlotStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.time_slot_id, COUNT(*),
			COALESCE(AVG((i.likes + i.replies + i.reposts)::float / GREATEST(i.views, 1)), 0)
		FROM performance_logs l
		LEFT JOIN post_insights i ON i.post_id = l.post_id
		GROUP BY l.time_slot_id
		ORDER BY l.time_slot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SlotStat
	for rows.Next() {
		var st SlotStat
		if err := rows.Scan(&st.TimeSlotID, &st.Uses, &st.AvgEngagement); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
