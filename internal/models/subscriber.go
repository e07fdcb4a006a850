package models

import (
	"time"
)

// Subscriber is an external endpoint registered to receive webhook deliveries.
// Secret is write-once: read paths return it masked, and only the delivery
// worker resolves the real value.
type Subscriber struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaskedSecret is the placeholder returned from read APIs.
const MaskedSecret = "********"

// SubscribedTo reports whether the subscriber wants the given event type.
func (s Subscriber) SubscribedTo(event string) bool {
	for _, e := range s.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
