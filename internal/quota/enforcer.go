package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-relay/internal/models"
)

// Limit is one configured usage ceiling. Hard limits block the operation once
// exhausted; soft limits allow it and raise a warning instead.
type Limit struct {
	Resource string
	Period   string
	Ceiling  int64
	Hard     bool
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Warning   bool      `json:"warning"`
	Used      int64     `json:"used"`
	Ceiling   int64     `json:"ceiling"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
}

// UsageStore is the durable side of usage accounting. *store.Store implements it.
type UsageStore interface {
	AppendUsageEvent(ctx context.Context, tenant, resource string, amount int64) error
	IncrementUsage(ctx context.Context, tenant, resource, period string, periodStart time.Time, amount int64) (int64, error)
	GetUsage(ctx context.Context, tenant, resource, period string, periodStart time.Time) (int64, error)
	ReconcileUsage(ctx context.Context, period string, periodStart, periodEnd time.Time) error
}

// DefaultLimits are applied when no QUOTA_LIMITS config is supplied.
func DefaultLimits() []Limit {
	return []Limit{
		{Resource: "api_call", Period: models.PeriodMonthly, Ceiling: 100000, Hard: false},
		{Resource: "message", Period: models.PeriodDaily, Ceiling: 10000, Hard: true},
		{Resource: "file_upload", Period: models.PeriodMonthly, Ceiling: 1000, Hard: true},
	}
}

// ParseLimits reads "resource:period:ceiling:hard|soft" entries.
func ParseLimits(entries []string) ([]Limit, error) {
	var limits []Limit
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed quota limit %q", entry)
		}
		ceiling, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed quota ceiling in %q: %w", entry, err)
		}
		limits = append(limits, Limit{
			Resource: parts[0],
			Period:   parts[1],
			Ceiling:  ceiling,
			Hard:     parts[3] == "hard",
		})
	}
	return limits, nil
}

// Enforcer checks aggregated usage against configured ceilings. Real-time
// increments run through a Redis counter; the durable aggregate in the store
// is reconciled from the raw usage log to correct drift.
type Enforcer struct {
	store         UsageStore
	client        *redis.Client
	limits        map[string]Limit
	warnThreshold float64
	now           func() time.Time
}

// New builds an enforcer. warnThreshold is the used/ceiling fraction at which
// the warning flag raises (e.g. 0.8).
func New(st UsageStore, client *redis.Client, limits []Limit, warnThreshold float64) *Enforcer {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	if warnThreshold <= 0 || warnThreshold >= 1 {
		warnThreshold = 0.8
	}
	idx := make(map[string]Limit, len(limits))
	for _, l := range limits {
		idx[l.Resource+":"+l.Period] = l
	}
	return &Enforcer{store: st, client: client, limits: idx, warnThreshold: warnThreshold, now: time.Now}
}

// Resources returns the distinct resource names with configured limits.
func (e *Enforcer) Resources() []string {
	seen := map[string]bool{}
	var out []string
	for _, limit := range e.limits {
		if !seen[limit.Resource] {
			seen[limit.Resource] = true
			out = append(out, limit.Resource)
		}
	}
	sort.Strings(out)
	return out
}

// PeriodStart truncates now to the start of the given period in UTC.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch period {
	case models.PeriodHourly:
		return now.Truncate(time.Hour), nil
	case models.PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case models.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unknown quota period %q", period)
	}
}

func periodEnd(period string, start time.Time) time.Time {
	switch period {
	case models.PeriodHourly:
		return start.Add(time.Hour)
	case models.PeriodDaily:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

func counterKey(tenant, resource, period string, start time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s:%d", tenant, resource, period, start.Unix())
}

// CheckQuota compares current usage against the configured ceiling for
// (resource, period). Unconfigured pairs are unlimited.
func (e *Enforcer) CheckQuota(ctx context.Context, tenant, resource, period string) (Decision, error) {
	limit, ok := e.limits[resource+":"+period]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	start, err := PeriodStart(period, e.now())
	if err != nil {
		return Decision{}, err
	}
	used, err := e.currentUsage(ctx, tenant, resource, period, start)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Used:      used,
		Ceiling:   limit.Ceiling,
		Remaining: limit.Ceiling - used,
		ResetAt:   periodEnd(period, start),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Warning = float64(used) >= float64(limit.Ceiling)*e.warnThreshold

	if used >= limit.Ceiling && limit.Hard {
		d.Allowed = false
		d.Reason = fmt.Sprintf("quota exceeded: %s/%s used %d of %d", resource, period, used, limit.Ceiling)
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// CheckResource evaluates every configured period for the resource and
// returns the blocking decision if any period is exhausted, otherwise the
// first warning decision, otherwise plain allow.
func (e *Enforcer) CheckResource(ctx context.Context, tenant, resource string) (Decision, error) {
	result := Decision{Allowed: true, Remaining: -1}
	for _, limit := range e.limits {
		if limit.Resource != resource {
			continue
		}
		d, err := e.CheckQuota(ctx, tenant, resource, limit.Period)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
		if d.Warning && !result.Warning {
			result = d
		}
	}
	return result, nil
}

// RecordUsage bumps the real-time counter and appends to the raw usage log.
// The durable aggregate follows via IncrementUsage so a Redis flush cannot
// silently erase usage.
func (e *Enforcer) RecordUsage(ctx context.Context, tenant, resource string, amount int64) error {
	if err := e.store.AppendUsageEvent(ctx, tenant, resource, amount); err != nil {
		return err
	}
	for key, limit := range e.limits {
		if limit.Resource != resource {
			continue
		}
		start, err := PeriodStart(limit.Period, e.now())
		if err != nil {
			return err
		}
		if _, err := e.store.IncrementUsage(ctx, tenant, resource, limit.Period, start, amount); err != nil {
			return err
		}
		ck := counterKey(tenant, resource, limit.Period, start)
		if err := e.client.IncrBy(ctx, ck, amount).Err(); err != nil {
			return fmt.Errorf("increment quota counter %s: %w", key, err)
		}
		e.client.ExpireNX(ctx, ck, periodEnd(limit.Period, start).Sub(e.now())+time.Hour)
	}
	return nil
}

// Reconcile recomputes the durable aggregates for every configured period from
// the raw usage log and refreshes the Redis counters for the given tenants.
func (e *Enforcer) Reconcile(ctx context.Context, tenants []string) error {
	var errs []error
	seen := map[string]bool{}
	for _, limit := range e.limits {
		if seen[limit.Period] {
			continue
		}
		seen[limit.Period] = true
		start, err := PeriodStart(limit.Period, e.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.store.ReconcileUsage(ctx, limit.Period, start, periodEnd(limit.Period, start)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, limit := range e.limits {
		start, err := PeriodStart(limit.Period, e.now())
		if err != nil {
			continue
		}
		for _, tenant := range tenants {
			used, err := e.store.GetUsage(ctx, tenant, limit.Resource, limit.Period, start)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			e.client.Set(ctx, counterKey(tenant, limit.Resource, limit.Period, start), used,
				periodEnd(limit.Period, start).Sub(e.now())+time.Hour)
		}
	}
	return errors.Join(errs...)
}

func (e *Enforcer) currentUsage(ctx context.Context, tenant, resource, period string, start time.Time) (int64, error) {
	val, err := e.client.Get(ctx, counterKey(tenant, resource, period, start)).Int64()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read quota counter: %w", err)
	}
	// Counter expired or never seeded; fall back to the durable aggregate.
	used, err := e.store.GetUsage(ctx, tenant, resource, period, start)
	if err != nil {
		return 0, err
	}
	e.client.Set(ctx, counterKey(tenant, resource, period, start), used,
		periodEnd(period, start).Sub(e.now())+time.Hour)
	return used, nil
}
