package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webhook-relay/internal/models"
)

// SubscriberSource lists active subscribers for an event. *store.Store
// implements it.
type SubscriberSource interface {
	ListActiveByEvent(ctx context.Context, tenant, event string) ([]models.Subscriber, error)
}

// Enqueuer inserts delivery jobs. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenant string, payload models.Payload) (models.Job, error)
}

// Dispatcher fans a domain event out to one delivery job per matching
// subscriber. It performs lookup and enqueue only; all network I/O is deferred
// to workers.
type Dispatcher struct {
	subs  SubscriberSource
	queue Enqueuer
	now   func() time.Time
}

func NewDispatcher(subs SubscriberSource, q Enqueuer) *Dispatcher {
	return &Dispatcher{subs: subs, queue: q, now: time.Now}
}

// Dispatch enqueues a webhook_delivery job for every active subscriber of
// (tenant, event) and returns the created job ids. No matching subscribers is
// a no-op, not an error. The job payload carries the subscriber id, never its
// secret; the secret is resolved at delivery time.
func (d *Dispatcher) Dispatch(ctx context.Context, event, tenant string, data json.RawMessage) ([]string, error) {
	subs, err := d.subs.ListActiveByEvent(ctx, tenant, event)
	if err != nil {
		return nil, fmt.Errorf("list subscribers for %s: %w", event, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	occurredAt := d.now().UTC()
	jobIDs := make([]string, 0, len(subs))
	for _, sub := range subs {
		job, err := d.queue.Enqueue(ctx, tenant, models.WebhookDeliveryPayload{
			SubscriberID: sub.ID,
			Event:        event,
			Data:         data,
			OccurredAt:   occurredAt,
		})
		if err != nil {
			return jobIDs, fmt.Errorf("enqueue delivery for subscriber %s: %w", sub.ID, err)
		}
		jobIDs = append(jobIDs, job.ID)
	}
	return jobIDs, nil
}
