package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue implements Queue on the shared jobs table. Reservation uses
// FOR UPDATE SKIP LOCKED so competing workers never block each other.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

// NewPostgresQueue wraps an existing pool; the jobs table is created by the
// store schema bootstrap.
func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, queue string, payload any, opts ...Option) (uuid.UUID, error) {
	o := buildOptions(opts)

	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue marshal: %w", err)
	}

	id := uuid.New()
	status := JobWaiting
	availableAt := time.Now()
	if o.Delay > 0 {
		status = JobDelayed
		availableAt = availableAt.Add(o.Delay)
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue_name, payload, status, max_attempts, available_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, queue, data, status, o.MaxAttempts, availableAt,
	)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (q *PostgresQueue) Reserve(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	now := time.Now()
	// One statement claims the next runnable job: WAITING/DELAYED past
	// available_at, or ACTIVE with a lapsed lease (presumed-crashed worker).
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, attempts = attempts + 1,
			lease_expires_at = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue_name = $3
			  AND (
				(status IN ($4, $5) AND available_at <= $6)
				OR (status = $1 AND lease_expires_at < $6)
			  )
			ORDER BY available_at, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue_name, payload, status, attempts, max_attempts,
			available_at, lease_expires_at, last_error, created_at`,
		JobActive, now.Add(lease), queue, JobWaiting, JobDelayed, now,
	)

	var j Job
	err := row.Scan(&j.ID, &j.QueueName, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &j.LeaseExpiresAt, &j.LastError, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		jobID, JobCompleted, JobActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotActive
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID uuid.UUID, jobErr string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1 AND status = $2 FOR UPDATE`,
		jobID, JobActive,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotActive
	}
	if err != nil {
		return err
	}

	if attempts < maxAttempts {
		delay := Backoff(attempts)
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, available_at = $3, lease_expires_at = NULL,
				last_error = $4, updated_at = NOW()
			WHERE id = $1`,
			jobID, JobDelayed, time.Now().Add(delay), jobErr,
		)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, lease_expires_at = NULL, last_error = $3, updated_at = NOW()
			WHERE id = $1`,
			jobID, JobFailed, jobErr,
		)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *PostgresQueue) ExtendLease(ctx context.Context, jobID uuid.UUID, lease time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		jobID, time.Now().Add(lease), JobActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotActive
	}
	return nil
}
