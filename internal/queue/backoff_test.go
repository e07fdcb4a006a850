package queue

import (
	"testing"
	"time"

	"webhook-relay/internal/models"
)

func TestWebhookScheduleExact(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		30 * time.Minute,
	}
	for i, expected := range want {
		got := NextDelay(models.TypeWebhookDelivery, i+1, time.Second, time.Hour)
		if got != expected {
			t.Fatalf("attempt %d: expected %s got %s", i+1, expected, got)
		}
	}
}

func TestWebhookScheduleClampsPastEnd(t *testing.T) {
	if got := NextDelay(models.TypeWebhookDelivery, 99, time.Second, time.Hour); got != 30*time.Minute {
		t.Fatalf("expected clamp to 30m, got %s", got)
	}
	if got := NextDelay(models.TypeWebhookDelivery, 0, time.Second, time.Hour); got != time.Second {
		t.Fatalf("expected floor to 1s, got %s", got)
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := NextDelay(models.TypeFileIngest, 1, base, max)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b5 := NextDelay(models.TypeFileIngest, 5, base, max)
	if b5 < max/2 || b5 > max {
		t.Fatalf("backoff out of range for attempt 5: %s", b5)
	}
}
