package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/telemetry"
)

// JobQueue is the queue surface the processor drives. *queue.Queue implements it.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, batch int) ([]models.Job, error)
	Complete(ctx context.Context, workerID, jobID string, result []byte) error
	Fail(ctx context.Context, workerID string, job models.Job, cause error, retryable bool) error
	ReclaimStale(ctx context.Context) ([]string, error)
}

// DepthCounter reports how many jobs are currently due. *store.Store implements it.
type DepthCounter interface {
	CountDue(ctx context.Context) (int64, error)
}

// Handler executes a job of one type and returns an optional result document.
type Handler func(ctx context.Context, job models.Job) ([]byte, error)

// Processor drives the worker execution loop: claim a batch, run each job's
// handler, report the outcome. Handler failures never propagate; they become
// Fail calls so the rest of the batch still runs.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	depth    DepthCounter
	handlers map[string]Handler
	workerID string
}

func NewProcessor(cfg config.Config, q JobQueue, depth DepthCounter, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		depth:    depth,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	reclaim := time.NewTicker(p.cfg.ReclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reclaim.C:
			if ids, err := p.queue.ReclaimStale(ctx); err != nil {
				log.Printf("reclaim stale: %v", err)
			} else if len(ids) > 0 {
				log.Printf("reclaimed %d stale jobs (worker presumed dead)", len(ids))
			}
			if p.depth != nil {
				if n, err := p.depth.CountDue(ctx); err == nil {
					telemetry.QueueDepthGauge.Set(float64(n))
				}
			}
		default:
		}

		n, err := p.processBatch(ctx)
		if err != nil {
			log.Printf("claim batch: %v", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// Drain claims and processes batches until the queue is empty, for one-shot
// invocations and tests.
func (p *Processor) Drain(ctx context.Context) error {
	for {
		n, err := p.processBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (p *Processor) processBatch(ctx context.Context) (int, error) {
	jobs, err := p.queue.Claim(ctx, p.workerID, p.cfg.ClaimBatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		telemetry.InFlightGauge.Inc()
		p.processJob(ctx, job)
		telemetry.InFlightGauge.Dec()
	}
	return len(jobs), nil
}

func (p *Processor) processJob(ctx context.Context, job models.Job) {
	result, err := p.runJob(ctx, job)
	if err == nil {
		if err := p.queue.Complete(ctx, p.workerID, job.ID, result); err != nil {
			log.Printf("complete job %s: %v", job.ID, err)
		}
		return
	}

	retryable := !IsPermanent(err)
	if failErr := p.queue.Fail(ctx, p.workerID, job, err, retryable); failErr != nil {
		log.Printf("fail job %s: %v", job.ID, failErr)
	}
}

// runJob dispatches to the registered handler, converting panics into
// failures so one bad job cannot take down the worker.
func (p *Processor) runJob(ctx context.Context, job models.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
	}
	return handler(ctx, job)
}
