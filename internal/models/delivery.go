package models

import (
	"time"
)

// Delivery outcomes recorded per attempt.
const (
	OutcomeSuccess          = "success"
	OutcomeRetryableFailure = "retryable_failure"
	OutcomePermanentFailure = "permanent_failure"
)

// DeliveryLogEntry is one immutable delivery attempt record. Entries are
// append-only and ordered by attempt number within a job.
type DeliveryLogEntry struct {
	ID             int64     `json:"id"`
	JobID          string    `json:"job_id"`
	SubscriberID   string    `json:"subscriber_id"`
	Event          string    `json:"event"`
	Attempt        int       `json:"attempt"`
	RequestHeaders string    `json:"request_headers"`
	BodyHash       string    `json:"body_hash"`
	StatusCode     *int      `json:"status_code,omitempty"`
	ResponseBody   *string   `json:"response_body,omitempty"`
	LatencyMS      int64     `json:"latency_ms"`
	Outcome        string    `json:"outcome"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
