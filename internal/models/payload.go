package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Payload is implemented by the type-specific job payload structs. Payloads are
// validated at enqueue time so malformed work never reaches a worker.
type Payload interface {
	JobType() string
	Validate() error
}

// WebhookDeliveryPayload carries everything a worker needs to deliver one event
// to one subscriber. The signing secret is deliberately absent; it is resolved
// from the subscriber record at delivery time.
type WebhookDeliveryPayload struct {
	SubscriberID string          `json:"subscriber_id"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

func (p WebhookDeliveryPayload) JobType() string { return TypeWebhookDelivery }

func (p WebhookDeliveryPayload) Validate() error {
	if p.SubscriberID == "" {
		return errors.New("subscriber_id is required")
	}
	if p.Event == "" {
		return errors.New("event is required")
	}
	if len(p.Data) == 0 {
		return errors.New("data is required")
	}
	return nil
}

// FileIngestPayload describes a source object to pull into a vector store.
type FileIngestPayload struct {
	FileID        string `json:"file_id"`
	VectorStoreID string `json:"vector_store_id"`
	SourceBucket  string `json:"source_bucket,omitempty"`
	SourceKey     string `json:"source_key,omitempty"`
	SourceURL     string `json:"source_url,omitempty"`
}

func (p FileIngestPayload) JobType() string { return TypeFileIngest }

func (p FileIngestPayload) Validate() error {
	if p.FileID == "" {
		return errors.New("file_id is required")
	}
	if p.SourceURL == "" && (p.SourceBucket == "" || p.SourceKey == "") {
		return errors.New("either source_url or source_bucket+source_key is required")
	}
	if p.SourceURL != "" {
		if _, err := url.ParseRequestURI(p.SourceURL); err != nil {
			return fmt.Errorf("invalid source_url: %w", err)
		}
	}
	return nil
}

// AttachFilePayload links an already ingested file to a vector store.
type AttachFilePayload struct {
	FileID        string `json:"file_id"`
	VectorStoreID string `json:"vector_store_id"`
}

func (p AttachFilePayload) JobType() string { return TypeAttachFileToStore }

func (p AttachFilePayload) Validate() error {
	if p.FileID == "" {
		return errors.New("file_id is required")
	}
	if p.VectorStoreID == "" {
		return errors.New("vector_store_id is required")
	}
	return nil
}

// PollIngestionPayload checks on a long-running ingestion and re-enqueues
// itself until the ingestion settles.
type PollIngestionPayload struct {
	IngestionID   string `json:"ingestion_id"`
	VectorStoreID string `json:"vector_store_id"`
	Polls         int    `json:"polls,omitempty"`
}

func (p PollIngestionPayload) JobType() string { return TypePollIngestionStatus }

func (p PollIngestionPayload) Validate() error {
	if p.IngestionID == "" {
		return errors.New("ingestion_id is required")
	}
	return nil
}

// PromptVersionPayload snapshots a prompt body as a new immutable version.
type PromptVersionPayload struct {
	PromptID  string `json:"prompt_id"`
	Body      string `json:"body"`
	CreatedBy string `json:"created_by,omitempty"`
}

func (p PromptVersionPayload) JobType() string { return TypePromptVersionCreate }

func (p PromptVersionPayload) Validate() error {
	if p.PromptID == "" {
		return errors.New("prompt_id is required")
	}
	if p.Body == "" {
		return errors.New("body is required")
	}
	return nil
}

// DecodePayload unmarshals raw payload bytes into the struct for the given job
// type and validates it. Unknown types are rejected so the status enum stays
// closed.
func DecodePayload(jobType string, raw []byte) (Payload, error) {
	var p Payload
	switch jobType {
	case TypeWebhookDelivery:
		p = &WebhookDeliveryPayload{}
	case TypeFileIngest:
		p = &FileIngestPayload{}
	case TypeAttachFileToStore:
		p = &AttachFilePayload{}
	case TypePollIngestionStatus:
		p = &PollIngestionPayload{}
	case TypePromptVersionCreate:
		p = &PromptVersionPayload{}
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", jobType, err)
	}
	return p, nil
}
