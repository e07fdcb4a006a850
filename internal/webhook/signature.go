package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Headers attached to every outbound delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// Sign computes the signature header value for a raw body:
// "sha256=" followed by the hex HMAC-SHA256 under the subscriber secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// eventBody is the delivery wire format.
type eventBody struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EncodeEventBody serializes the delivery body: event name, RFC3339 timestamp,
// and the event-specific data object.
func EncodeEventBody(event string, occurredAt time.Time, data json.RawMessage) ([]byte, error) {
	body, err := json.Marshal(eventBody{
		Event:     event,
		Timestamp: occurredAt.UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event body: %w", err)
	}
	return body, nil
}

// BodyHash returns the hex SHA-256 of the delivered body, stored in the
// delivery log instead of the body itself.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
