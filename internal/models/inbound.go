package models

import (
	"time"
)

// InboundEventRecord is one row in the idempotency ledger for inbound
// webhooks. (source, external_event_id) is unique; a duplicate delivery hits
// the existing row and is short-circuited without reprocessing.
type InboundEventRecord struct {
	Source          string    `json:"source"`
	ExternalEventID string    `json:"external_event_id"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	Result          *string   `json:"result,omitempty"`
}
