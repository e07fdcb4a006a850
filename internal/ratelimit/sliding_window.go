package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"webhook-relay/internal/models"
)

// Policy is one resource type's sliding-window budget.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// DefaultPolicies returns the per-resource defaults.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"api_call":    {Limit: 60, Window: time.Minute},
		"message":     {Limit: 100, Window: time.Hour},
		"file_upload": {Limit: 10, Window: time.Hour},
	}
}

// SlidingWindow is a distributed sliding-window rate limiter over Redis. Each
// (tenant, resource) key is a ZSET of request timestamps; the Lua script
// trims, counts, and conditionally adds in one atomic step, so concurrent
// callers never over-admit.
type SlidingWindow struct {
	client   *redis.Client
	policies map[string]Policy
}

// NewSlidingWindow constructs a limiter. Nil policies fall back to defaults.
func NewSlidingWindow(client *redis.Client, policies map[string]Policy) *SlidingWindow {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &SlidingWindow{client: client, policies: policies}
}

func key(tenant, resource string) string {
	return fmt.Sprintf("rl:%s:%s", tenant, resource)
}

// Policies returns a copy of the per-resource policies the limiter enforces.
func (l *SlidingWindow) Policies() map[string]Policy {
	out := make(map[string]Policy, len(l.policies))
	for resource, policy := range l.policies {
		out[resource] = policy
	}
	return out
}

// CheckAndIncrement admits the request and counts it if the tenant is under
// the resource's limit; otherwise it rejects without counting. The returned
// result carries the remaining budget and when the window frees up.
func (l *SlidingWindow) CheckAndIncrement(ctx context.Context, tenant, resource string) (models.RateLimitResult, error) {
	policy, ok := l.policies[resource]
	if !ok {
		return models.RateLimitResult{}, fmt.Errorf("no rate limit policy for resource %q", resource)
	}
	return l.check(ctx, key(tenant, resource), policy)
}

// Status reports the current budget without consuming a slot.
func (l *SlidingWindow) Status(ctx context.Context, tenant, resource string) (models.RateLimitResult, error) {
	policy, ok := l.policies[resource]
	if !ok {
		return models.RateLimitResult{}, fmt.Errorf("no rate limit policy for resource %q", resource)
	}
	now := time.Now()
	cutoff := now.Add(-policy.Window).UnixMilli()
	if err := l.client.ZRemRangeByScore(ctx, key(tenant, resource), "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return models.RateLimitResult{}, err
	}
	count, err := l.client.ZCard(ctx, key(tenant, resource)).Result()
	if err != nil {
		return models.RateLimitResult{}, err
	}
	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return models.RateLimitResult{
		Allowed:   count < policy.Limit,
		Remaining: remaining,
		ResetAt:   now.Add(policy.Window),
	}, nil
}

func (l *SlidingWindow) check(ctx context.Context, key string, policy Policy) (models.RateLimitResult, error) {
	now := time.Now()
	res, err := windowScript.Run(ctx, l.client, []string{key},
		now.UnixMilli(), policy.Window.Milliseconds(), policy.Limit, uuid.New().String()).Result()
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return models.RateLimitResult{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}
	allowed := toInt64(arr[0]) == 1
	remaining := toInt64(arr[1])
	if remaining < 0 {
		remaining = 0
	}
	return models.RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(toInt64(arr[2])),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
  allowed = 1
  redis.call('ZADD', key, now, member)
  count = count + 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end

return {allowed, limit - count, reset}
`)
