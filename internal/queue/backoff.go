package queue

import (
	"math"
	"math/rand"
	"time"

	"webhook-relay/internal/models"
)

// webhookSchedule is the fixed retry ladder for webhook deliveries. After the
// last step the job is dead-lettered.
var webhookSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// NextDelay computes the wait before the next attempt. attempt is the number
// of attempts already consumed (1-based). Webhook deliveries follow the fixed
// schedule exactly so retry timing is predictable for subscribers; other job
// types use capped exponential backoff with jitter.
func NextDelay(jobType string, attempt int, base, max time.Duration) time.Duration {
	if jobType == models.TypeWebhookDelivery {
		if attempt < 1 {
			attempt = 1
		}
		if attempt > len(webhookSchedule) {
			attempt = len(webhookSchedule)
		}
		return webhookSchedule[attempt-1]
	}
	return backoffWithJitter(base, max, attempt)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
