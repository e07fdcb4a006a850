package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
)

type failure struct {
	job       models.Job
	cause     error
	retryable bool
}

type fakeJobQueue struct {
	pending   []models.Job
	completed map[string][]byte
	failures  []failure
	reclaims  int
	workerIDs []string
}

func newFakeJobQueue(jobs ...models.Job) *fakeJobQueue {
	return &fakeJobQueue{pending: jobs, completed: map[string][]byte{}}
}

func (f *fakeJobQueue) Claim(ctx context.Context, workerID string, batch int) ([]models.Job, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	if batch > len(f.pending) {
		batch = len(f.pending)
	}
	claimed := f.pending[:batch]
	f.pending = f.pending[batch:]
	return claimed, nil
}

func (f *fakeJobQueue) Complete(ctx context.Context, workerID, jobID string, result []byte) error {
	f.workerIDs = append(f.workerIDs, workerID)
	f.completed[jobID] = result
	return nil
}

func (f *fakeJobQueue) Fail(ctx context.Context, workerID string, job models.Job, cause error, retryable bool) error {
	f.workerIDs = append(f.workerIDs, workerID)
	f.failures = append(f.failures, failure{job: job, cause: cause, retryable: retryable})
	return nil
}

func (f *fakeJobQueue) ReclaimStale(ctx context.Context) ([]string, error) {
	f.reclaims++
	return nil, nil
}

func testProcessor(q JobQueue) *Processor {
	return NewProcessor(config.Config{ClaimBatchSize: 10}, q, nil, "worker-test")
}

func TestDrainCompletesSuccessfulJobs(t *testing.T) {
	q := newFakeJobQueue(
		models.Job{ID: "job-1", Type: "echo"},
		models.Job{ID: "job-2", Type: "echo"},
	)
	p := testProcessor(q)
	p.RegisterHandler("echo", func(ctx context.Context, job models.Job) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})

	require.NoError(t, p.Drain(context.Background()))
	require.Len(t, q.completed, 2)
	require.JSONEq(t, `{"ok":true}`, string(q.completed["job-1"]))
	require.Empty(t, q.failures)

	// Outcome reports identify the claiming worker.
	for _, id := range q.workerIDs {
		require.Equal(t, "worker-test", id)
	}
}

func TestHandlerErrorFailsJobRetryable(t *testing.T) {
	q := newFakeJobQueue(models.Job{ID: "job-1", Type: "flaky"})
	p := testProcessor(q)
	p.RegisterHandler("flaky", func(ctx context.Context, job models.Job) ([]byte, error) {
		return nil, errors.New("upstream unavailable")
	})

	require.NoError(t, p.Drain(context.Background()))
	require.Empty(t, q.completed)
	require.Len(t, q.failures, 1)
	require.True(t, q.failures[0].retryable)
}

func TestPermanentErrorFailsJobNonRetryable(t *testing.T) {
	q := newFakeJobQueue(models.Job{ID: "job-1", Type: "broken"})
	p := testProcessor(q)
	p.RegisterHandler("broken", func(ctx context.Context, job models.Job) ([]byte, error) {
		return nil, Permanent(errors.New("payload references a deleted resource"))
	})

	require.NoError(t, p.Drain(context.Background()))
	require.Len(t, q.failures, 1)
	require.False(t, q.failures[0].retryable)
}

func TestUnknownJobTypeIsPermanent(t *testing.T) {
	q := newFakeJobQueue(models.Job{ID: "job-1", Type: "mystery"})
	p := testProcessor(q)

	require.NoError(t, p.Drain(context.Background()))
	require.Len(t, q.failures, 1)
	require.False(t, q.failures[0].retryable)
	require.Contains(t, q.failures[0].cause.Error(), "no handler registered")
}

func TestPanicBecomesRetryableFailure(t *testing.T) {
	q := newFakeJobQueue(
		models.Job{ID: "job-1", Type: "panics"},
		models.Job{ID: "job-2", Type: "fine"},
	)
	p := testProcessor(q)
	p.RegisterHandler("panics", func(ctx context.Context, job models.Job) ([]byte, error) {
		panic("nil map write")
	})
	p.RegisterHandler("fine", func(ctx context.Context, job models.Job) ([]byte, error) {
		return nil, nil
	})

	// The panicking job must not take the rest of the batch down.
	require.NoError(t, p.Drain(context.Background()))
	require.Len(t, q.failures, 1)
	require.Contains(t, q.failures[0].cause.Error(), "handler panic")
	require.True(t, q.failures[0].retryable)
	require.Contains(t, q.completed, "job-2")
}

func TestPermanentErrorUnwraps(t *testing.T) {
	base := errors.New("gone")
	wrapped := Permanent(base)
	require.True(t, IsPermanent(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.False(t, IsPermanent(errors.New("plain")))
	require.False(t, IsPermanent(nil))
}
