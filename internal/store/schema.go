package store

// Schema is the embedded DDL applied at startup. Statements are idempotent
// so multiple processes can race the bootstrap safely.
const Schema = `
CREATE TABLE IF NOT EXISTS posts (
    id                 UUID PRIMARY KEY,
    status             TEXT NOT NULL,
    created_by         TEXT NOT NULL,
    template_id        UUID,
    threads_account_id UUID,
    posted_at          TIMESTAMPTZ,
    post_url           TEXT NOT NULL DEFAULT '',
    media_id           TEXT NOT NULL DEFAULT '',
    last_error_code    TEXT NOT NULL DEFAULT '',
    last_error_message TEXT NOT NULL DEFAULT '',
    is_ai_generated    BOOLEAN NOT NULL DEFAULT FALSE,
    tags               TEXT[] NOT NULL DEFAULT '{}',
    context            TEXT NOT NULL DEFAULT '',
    scheduled_for      TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_posts_status ON posts (status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_posts_posted_at ON posts (posted_at DESC) WHERE status = 'POSTED';

CREATE TABLE IF NOT EXISTS revisions (
    id          UUID PRIMARY KEY,
    post_id     UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    revision_no INT NOT NULL,
    content     TEXT NOT NULL,
    engine_used TEXT NOT NULL,
    similarity_max DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (post_id, revision_no)
);

CREATE TABLE IF NOT EXISTS embeddings (
    revision_id UUID PRIMARY KEY REFERENCES revisions(id) ON DELETE CASCADE,
    vector      DOUBLE PRECISION[] NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS review_requests (
    id               UUID PRIMARY KEY,
    post_id          UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    revision_id      UUID NOT NULL REFERENCES revisions(id) ON DELETE CASCADE,
    token            TEXT NOT NULL UNIQUE,
    reviewer_user_id TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'PENDING',
    expires_at       TIMESTAMPTZ NOT NULL,
    used_at          TIMESTAMPTZ,
    edited_content   TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_review_requests_pending ON review_requests (reviewer_user_id, created_at) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS threads_accounts (
    id                  UUID PRIMARY KEY,
    user_id             TEXT NOT NULL,
    username            TEXT NOT NULL,
    external_account_id TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'ACTIVE',
    is_default          BOOLEAN NOT NULL DEFAULT FALSE,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS threads_auth (
    account_id        UUID PRIMARY KEY REFERENCES threads_accounts(id) ON DELETE CASCADE,
    access_token      TEXT NOT NULL,
    expires_at        TIMESTAMPTZ NOT NULL,
    last_refreshed_at TIMESTAMPTZ,
    status            TEXT NOT NULL DEFAULT 'OK',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS templates (
    id                  UUID PRIMARY KEY,
    name                TEXT NOT NULL,
    prompt              TEXT NOT NULL,
    preferred_engine    TEXT NOT NULL DEFAULT '',
    enabled             BOOLEAN NOT NULL DEFAULT TRUE,
    total_uses          INT NOT NULL DEFAULT 0,
    avg_engagement_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS time_slots (
    id           UUID PRIMARY KEY,
    label        TEXT NOT NULL,
    start_hour   INT NOT NULL,
    start_minute INT NOT NULL,
    end_hour     INT NOT NULL,
    end_minute   INT NOT NULL,
    active_days  INT[] NOT NULL DEFAULT '{}',
    enabled      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scheduler_config (
    singleton              BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
    exploration_factor     DOUBLE PRECISION NOT NULL DEFAULT 1.4,
    min_trials_per_template INT NOT NULL DEFAULT 3,
    posts_per_day          INT NOT NULL DEFAULT 1,
    time_range_start       TEXT NOT NULL DEFAULT '09:00',
    time_range_end         TEXT NOT NULL DEFAULT '22:00',
    active_days            INT[] NOT NULL DEFAULT '{1,2,3,4,5,6,7}',
    auto_schedule_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
    ai_prompt              TEXT NOT NULL DEFAULT '',
    ai_engine              TEXT NOT NULL DEFAULT '',
    line_user_id           TEXT NOT NULL DEFAULT '',
    threads_account_id     UUID,
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS daily_auto_schedules (
    id                    UUID PRIMARY KEY,
    schedule_date         TEXT NOT NULL,
    post_id               UUID REFERENCES posts(id) ON DELETE SET NULL,
    scheduled_time        TIMESTAMPTZ NOT NULL,
    selected_time_slot_id UUID NOT NULL,
    selected_template_id  UUID NOT NULL,
    ucb_score             DOUBLE PRECISION NOT NULL DEFAULT 0,
    was_exploration       BOOLEAN NOT NULL DEFAULT FALSE,
    selection_reason      TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL DEFAULT 'PENDING',
    executed_at           TIMESTAMPTZ,
    error_message         TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_schedule_one_active_per_day
    ON daily_auto_schedules (schedule_date)
    WHERE status NOT IN ('CANCELLED', 'EXPIRED', 'FAILED');

CREATE TABLE IF NOT EXISTS post_insights (
    post_id        UUID PRIMARY KEY REFERENCES posts(id) ON DELETE CASCADE,
    views          INT NOT NULL DEFAULT 0,
    likes          INT NOT NULL DEFAULT 0,
    replies        INT NOT NULL DEFAULT 0,
    reposts        INT NOT NULL DEFAULT 0,
    last_synced_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS performance_logs (
    id               UUID PRIMARY KEY,
    post_id          UUID NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    template_id      UUID NOT NULL,
    time_slot_id     UUID NOT NULL,
    posted_at        TIMESTAMPTZ NOT NULL,
    posted_hour      INT NOT NULL,
    posted_minute    INT NOT NULL,
    day_of_week      INT NOT NULL,
    ucb_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
    was_exploration  BOOLEAN NOT NULL DEFAULT FALSE,
    selection_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_performance_logs_slot ON performance_logs (time_slot_id);

CREATE TABLE IF NOT EXISTS jobs (
    id               UUID PRIMARY KEY,
    queue_name       TEXT NOT NULL,
    payload          JSONB NOT NULL,
    status           TEXT NOT NULL DEFAULT 'WAITING',
    attempts         INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 3,
    available_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    lease_expires_at TIMESTAMPTZ,
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_jobs_reserve ON jobs (queue_name, status, available_at);
`
