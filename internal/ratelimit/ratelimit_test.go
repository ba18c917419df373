package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/errs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMemoryLimiter(max int, window time.Duration) *Limiter {
	return New(Config{MaxRequests: max, Window: window, Enabled: true}, nil, testLogger())
}

func TestDisabledAllowsEverything(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Minute, Enabled: false}, nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, l.Record(ctx, "user"))
	}
	require.NoError(t, l.CheckLimit(ctx, "user"))
}

func TestMemoryLimitEnforced(t *testing.T) {
	l := newMemoryLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Record(ctx, "user"), "request %d within limit", i+1)
	}
	assert.False(t, l.Record(ctx, "user"))
	assert.False(t, l.IsAllowed(ctx, "user"))
}

func TestLimitBoundary(t *testing.T) {
	l := newMemoryLimiter(5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Record(ctx, "user")
	}
	// Exactly at limit-1 recorded: the limit-th request is admitted, the
	// one after is not.
	assert.True(t, l.Record(ctx, "user"))
	assert.False(t, l.Record(ctx, "user"))
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l := newMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	require.True(t, l.Record(ctx, "alice"))
	assert.False(t, l.Record(ctx, "alice"))
	assert.True(t, l.Record(ctx, "bob"))
}

func TestWindowSlides(t *testing.T) {
	l := newMemoryLimiter(2, time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	require.True(t, l.Record(ctx, "user"))
	require.True(t, l.Record(ctx, "user"))
	assert.False(t, l.Record(ctx, "user"))

	// One second past the window the oldest timestamps expire.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, l.Record(ctx, "user"))
}

func TestCheckLimitError(t *testing.T) {
	l := newMemoryLimiter(1, time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	require.NoError(t, l.CheckLimit(ctx, "user"))
	require.True(t, l.Record(ctx, "user"))

	l.now = func() time.Time { return base.Add(20 * time.Second) }
	err := l.CheckLimit(ctx, "user")
	require.Error(t, err)
	require.True(t, errs.IsCategory(err, errs.CategoryRateLimit))

	se := errs.From(err)
	assert.Equal(t, "user", se.Details["identifier"])
	assert.Equal(t, 1, se.Details["limit"])
	assert.Equal(t, 60, se.Details["window_seconds"])
	assert.InDelta(t, 40.0, se.Details["retry_after_seconds"], 0.5)
}

func TestRejectedRequestsNotRecorded(t *testing.T) {
	l := newMemoryLimiter(1, time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	require.True(t, l.Record(ctx, "user"))
	for i := 0; i < 5; i++ {
		assert.False(t, l.Record(ctx, "user"))
	}

	// Only the single admitted request occupies the window; once it
	// expires the caller is admitted again immediately.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, l.Record(ctx, "user"))
}

func TestClear(t *testing.T) {
	l := newMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	l.Record(ctx, "alice")
	l.Record(ctx, "bob")
	l.Clear(ctx, "alice")
	assert.True(t, l.IsAllowed(ctx, "alice"))
	assert.False(t, l.IsAllowed(ctx, "bob"))

	l.Clear(ctx, "")
	assert.True(t, l.IsAllowed(ctx, "bob"))
}

func TestGetStats(t *testing.T) {
	l := newMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	l.Record(ctx, "alice")
	l.Record(ctx, "alice") // rejected
	l.Record(ctx, "bob")

	s := l.GetStats(ctx)
	assert.Equal(t, int64(3), s.TotalRequests)
	assert.Equal(t, int64(2), s.AllowedRequests)
	assert.Equal(t, int64(1), s.RejectedRequests)
	assert.Equal(t, 2, s.UniqueIdentifiers)
}

func newRedisLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(Config{MaxRequests: max, Window: window, Enabled: true}, rdb, testLogger()), mr
}

func TestRedisLimitEnforced(t *testing.T) {
	l, _ := newRedisLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Record(ctx, "user"), "request %d within limit", i+1)
	}
	assert.False(t, l.Record(ctx, "user"))
}

func TestRedisIdentifiersShareNothing(t *testing.T) {
	l, mr := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.True(t, l.Record(ctx, "alice"))
	require.True(t, l.Record(ctx, "bob"))
	assert.True(t, mr.Exists("ratelimit:alice"))
	assert.True(t, mr.Exists("ratelimit:bob"))
}

func TestRedisFallbackToMemory(t *testing.T) {
	l, mr := newRedisLimiter(t, 2, time.Minute)
	ctx := context.Background()

	mr.Close()

	// Redis is gone mid-flight: the limiter keeps enforcing from its
	// in-process table.
	require.True(t, l.Record(ctx, "user"))
	require.True(t, l.Record(ctx, "user"))
	assert.False(t, l.Record(ctx, "user"))
}

func TestRedisStatsCountsKeys(t *testing.T) {
	l, _ := newRedisLimiter(t, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Record(ctx, fmt.Sprintf("user-%d", i))
	}
	s := l.GetStats(ctx)
	assert.Equal(t, 3, s.UniqueIdentifiers)
}
