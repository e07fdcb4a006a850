package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, policies map[string]Policy) *SlidingWindow {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSlidingWindow(client, policies)
}

func TestCheckAndIncrementAdmitsExactlyLimit(t *testing.T) {
	limit := int64(5)
	l := newTestLimiter(t, map[string]Policy{
		"api_call": {Limit: limit, Window: time.Minute},
	})
	ctx := context.Background()

	admitted := 0
	for i := int64(0); i < limit+5; i++ {
		res, err := l.CheckAndIncrement(ctx, "tenant-1", "api_call")
		require.NoError(t, err)
		if res.Allowed {
			admitted++
			require.Equal(t, limit-int64(admitted), res.Remaining)
		} else {
			require.Zero(t, res.Remaining)
			require.False(t, res.ResetAt.IsZero())
		}
	}
	require.Equal(t, int(limit), admitted)
}

func TestTenantsAreIsolated(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"api_call": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	res, err := l.CheckAndIncrement(ctx, "tenant-1", "api_call")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.CheckAndIncrement(ctx, "tenant-1", "api_call")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// A different tenant still has its full budget.
	res, err = l.CheckAndIncrement(ctx, "tenant-2", "api_call")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestWindowSlides(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"api_call": {Limit: 2, Window: 50 * time.Millisecond},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.CheckAndIncrement(ctx, "tenant-1", "api_call")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.CheckAndIncrement(ctx, "tenant-1", "api_call")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Once the earlier entries age out of the window, budget frees up.
	time.Sleep(60 * time.Millisecond)
	res, err = l.CheckAndIncrement(ctx, "tenant-1", "api_call")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestStatusDoesNotConsume(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"file_upload": {Limit: 3, Window: time.Hour},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Status(ctx, "tenant-1", "file_upload")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, int64(3), res.Remaining)
	}

	_, err := l.CheckAndIncrement(ctx, "tenant-1", "file_upload")
	require.NoError(t, err)

	res, err := l.Status(ctx, "tenant-1", "file_upload")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Remaining)
}

func TestUnknownResourceIsAnError(t *testing.T) {
	l := newTestLimiter(t, nil)
	_, err := l.CheckAndIncrement(context.Background(), "tenant-1", "bogus")
	require.Error(t, err)
}
