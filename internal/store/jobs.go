package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"webhook-relay/internal/models"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type        string
	Tenant      string
	Payload     []byte
	AvailableAt time.Time
	MaxAttempts int
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 6
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.AvailableAt.IsZero() {
		p.AvailableAt = time.Now().UTC()
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, tenant, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, p.Type, p.Tenant, p.Payload, models.StatusPending, p.MaxAttempts, p.AvailableAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		Tenant:      p.Tenant,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		AvailableAt: p.AvailableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, type, tenant, payload, status, attempts, max_attempts, available_at, locked_at, locked_by, last_error, result, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var lockedAt pgtype.Timestamptz
	var lockedBy, lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.Type, &job.Tenant, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.AvailableAt, &lockedAt, &lockedBy,
		&lastErr, &job.Result, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.LockedAt = tsPtr(lockedAt)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by optional status and type, newest first.
func (s *Store) ListJobs(ctx context.Context, status, jobType string, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, status, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJobs atomically claims up to batch due pending jobs for the given
// worker. FOR UPDATE SKIP LOCKED guarantees concurrent callers never receive
// overlapping jobs.
func (s *Store) ClaimJobs(ctx context.Context, workerID string, batch int) ([]models.Job, error) {
	if batch <= 0 {
		batch = 1
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM jobs
			WHERE status = $1 AND available_at <= NOW()
			ORDER BY available_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE jobs j
		SET status = $3, locked_by = $4, locked_at = NOW(), updated_at = NOW()
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.type, j.tenant, j.payload, j.status, j.attempts, j.max_attempts,
			j.available_at, j.locked_at, j.locked_by, j.last_error, j.result, j.created_at, j.updated_at
	`, models.StatusPending, batch, models.StatusRunning, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkCompleted transitions a running job to completed and stores its result.
// The update only lands while workerID still owns the lock; it returns false
// when the job was reclaimed and handed to another worker in the meantime.
func (s *Store) MarkCompleted(ctx context.Context, id, workerID string, result []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, last_error = NULL, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND locked_by = $5
	`, id, models.StatusCompleted, result, models.StatusRunning, workerID)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RescheduleRetry returns a failed job to pending with an incremented attempt
// count and a future available_at, releasing the lock. Conditional on current
// ownership, like MarkCompleted.
func (s *Store) RescheduleRetry(ctx context.Context, id, workerID string, attempts int, availableAt time.Time, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, available_at = $4, last_error = $5,
			locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6 AND locked_by = $7
	`, id, models.StatusPending, attempts, availableAt, lastErr, models.StatusRunning, workerID)
	if err != nil {
		return false, fmt.Errorf("reschedule job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeadLetter sets the terminal state and releases the lock. Conditional on
// current ownership, like MarkCompleted.
func (s *Store) MarkDeadLetter(ctx context.Context, id, workerID string, attempts int, lastErr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, last_error = $4, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND locked_by = $6
	`, id, models.StatusDeadLetter, attempts, lastErr, models.StatusRunning, workerID)
	if err != nil {
		return false, fmt.Errorf("dead-letter job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStale returns running jobs whose lock is older than the staleness
// window to pending. Attempts are left untouched: the run was never observed
// to complete, so it does not consume retry budget.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_at < NOW() - $3::interval
		RETURNING id
	`, models.StatusPending, models.StatusRunning, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelPending dead-letters a job only while still pending. The conditional
// update resolves the race with a worker that claimed it first: cancelling a
// running job is a no-op.
func (s *Store) CancelPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = 'cancelled by operator', updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusDeadLetter, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryDeadLetter returns a dead-lettered job to pending, immediately due.
// When resetAttempts is false the attempt count is preserved.
func (s *Store) RetryDeadLetter(ctx context.Context, id string, resetAttempts bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
			attempts = CASE WHEN $4 THEN 0 ELSE attempts END,
			available_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusDeadLetter, resetAttempts)
	if err != nil {
		return false, fmt.Errorf("retry dead-letter job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountDue returns how many pending jobs are currently eligible for claiming.
func (s *Store) CountDue(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND available_at <= NOW()
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}
