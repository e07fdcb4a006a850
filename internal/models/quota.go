package models

import (
	"time"
)

// Quota periods.
const (
	PeriodHourly  = "hourly"
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// QuotaUsage is the aggregated counter for one (tenant, resource, period
// start). Real-time increments keep it roughly current; periodic reconcile
// against the raw usage_events log corrects drift.
type QuotaUsage struct {
	Tenant      string    `json:"tenant"`
	Resource    string    `json:"resource"`
	Period      string    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	Used        int64     `json:"used"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RateLimitResult is the decision returned by the sliding-window limiter.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
