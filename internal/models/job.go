package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusDeadLetter = "dead_letter"
)

// Job types accepted by the queue.
const (
	TypeWebhookDelivery     = "webhook_delivery"
	TypeFileIngest          = "file_ingest"
	TypeAttachFileToStore   = "attach_file_to_store"
	TypePollIngestionStatus = "poll_ingestion_status"
	TypePromptVersionCreate = "prompt_version_create"
)

// Job represents a unit of deferred work persisted in Postgres.
//
// Invariants enforced by the store:
//   - status = running implies locked_by is set and locked_at is recent
//   - attempts never exceeds max_attempts
//   - available_at only moves forward across retries of the same job
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Tenant      string     `json:"tenant"`
	Payload     []byte     `json:"payload"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	AvailableAt time.Time  `json:"available_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
