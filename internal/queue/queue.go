package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/store"
	"webhook-relay/internal/telemetry"
)

// JobStore is the persistence surface the queue coordinates through. *store.Store
// implements it; tests substitute an in-memory fake.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimJobs(ctx context.Context, workerID string, batch int) ([]models.Job, error)
	MarkCompleted(ctx context.Context, id, workerID string, result []byte) (bool, error)
	RescheduleRetry(ctx context.Context, id, workerID string, attempts int, availableAt time.Time, lastErr string) (bool, error)
	MarkDeadLetter(ctx context.Context, id, workerID string, attempts int, lastErr string) (bool, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) ([]string, error)
	CancelPending(ctx context.Context, id string) (bool, error)
	RetryDeadLetter(ctx context.Context, id string, resetAttempts bool) (bool, error)
}

// Queue implements the enqueue/claim/complete/fail state machine over the job
// store. All coordination between workers is expressed as conditional updates
// in the store; the queue itself holds no cross-process state.
type Queue struct {
	store           JobStore
	maxAttempts     int
	backoffBase     time.Duration
	backoffMax      time.Duration
	stalenessWindow time.Duration
	retryResets     bool
	now             func() time.Time
}

// New builds a queue from config.
func New(st JobStore, cfg config.Config) *Queue {
	return &Queue{
		store:           st,
		maxAttempts:     cfg.MaxAttempts,
		backoffBase:     cfg.DefaultBackoffBase,
		backoffMax:      cfg.DefaultBackoffMax,
		stalenessWindow: cfg.StalenessWindow,
		retryResets:     cfg.RetryResetsAttempts,
		now:             time.Now,
	}
}

// Enqueue validates the typed payload and inserts a pending job, due now.
func (q *Queue) Enqueue(ctx context.Context, tenant string, payload models.Payload) (models.Job, error) {
	return q.EnqueueAt(ctx, tenant, payload, q.now().UTC())
}

// EnqueueAt validates the typed payload and inserts a pending job that becomes
// eligible at availableAt.
func (q *Queue) EnqueueAt(ctx context.Context, tenant string, payload models.Payload, availableAt time.Time) (models.Job, error) {
	if err := payload.Validate(); err != nil {
		return models.Job{}, fmt.Errorf("invalid %s payload: %w", payload.JobType(), err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	job, err := q.store.CreateJob(ctx, store.CreateJobParams{
		Type:        payload.JobType(),
		Tenant:      tenant,
		Payload:     raw,
		AvailableAt: availableAt,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.Inc()
	return job, nil
}

// Claim atomically claims up to batch due jobs for workerID. Concurrent
// callers never receive overlapping jobs.
func (q *Queue) Claim(ctx context.Context, workerID string, batch int) ([]models.Job, error) {
	return q.store.ClaimJobs(ctx, workerID, batch)
}

// Complete marks a job completed and stores its result. The write lands only
// while workerID still owns the lock; a worker whose job was reclaimed lost
// the race and its late result is dropped.
func (q *Queue) Complete(ctx context.Context, workerID, jobID string, result []byte) error {
	applied, err := q.store.MarkCompleted(ctx, jobID, workerID, result)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("job %s no longer owned by %s; dropping result", jobID, workerID)
		return nil
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// Fail records a failed attempt. Retryable failures with remaining budget are
// rescheduled with backoff; everything else is dead-lettered with the terminal
// error. Like Complete, the transition is conditional on workerID still
// holding the lock.
func (q *Queue) Fail(ctx context.Context, workerID string, job models.Job, cause error, retryable bool) error {
	attempts := job.Attempts + 1
	msg := cause.Error()

	if !retryable || attempts >= job.MaxAttempts {
		applied, err := q.store.MarkDeadLetter(ctx, job.ID, workerID, attempts, msg)
		if err != nil {
			return err
		}
		if applied {
			telemetry.JobsDeadLetter.Inc()
		}
		return nil
	}

	delay := NextDelay(job.Type, attempts, q.backoffBase, q.backoffMax)
	applied, err := q.store.RescheduleRetry(ctx, job.ID, workerID, attempts, q.now().UTC().Add(delay), msg)
	if err != nil {
		return err
	}
	if applied {
		telemetry.JobsRetried.Inc()
	}
	return nil
}

// ReclaimStale returns running jobs whose lock outlived the staleness window
// to pending, without consuming retry budget.
func (q *Queue) ReclaimStale(ctx context.Context) ([]string, error) {
	ids, err := q.store.ReclaimStale(ctx, q.stalenessWindow)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		telemetry.JobsReclaimed.Add(float64(len(ids)))
	}
	return ids, nil
}

// Cancel dead-letters a pending job; it is a no-op (false) once a worker has
// claimed the job.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	return q.store.CancelPending(ctx, jobID)
}

// Retry returns a dead-lettered job to pending. Attempt count reset follows
// configuration.
func (q *Queue) Retry(ctx context.Context, jobID string) (bool, error) {
	return q.store.RetryDeadLetter(ctx, jobID, q.retryResets)
}
