package cache

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/plan"
	"github.com/arbiterhq/arbiter/internal/qhash"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewWithClient(rdb, time.Minute, DefaultMaxBytes, testLogger())
	return c, mr
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		SQL:         "SELECT * FROM sales_fact LIMIT 10",
		Confidence:  0.9,
		Explanation: "all sales rows",
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.True(t, c.Set(ctx, "show sales", testPlan(), false))

	got, ok := c.Get(ctx, "show sales")
	require.True(t, ok)
	assert.Equal(t, testPlan(), got)

	s := c.GetStats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Sets)
}

func TestGetNormalizesQuery(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "Show Sales", testPlan(), false)
	_, ok := c.Get(ctx, "  show sales  ")
	assert.True(t, ok, "case and whitespace variants share one entry")
}

func TestMiss(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok := c.Get(context.Background(), "never stored")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestBypassSkipsWrite(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	assert.False(t, c.Set(ctx, "q", testPlan(), true))
	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
}

func TestOversizedPlanNotStored(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewWithClient(rdb, time.Minute, 128, testLogger())
	ctx := context.Background()

	big := testPlan()
	big.Explanation = strings.Repeat("x", 256)
	assert.False(t, c.Set(ctx, "big", big, false))

	_, ok := c.Get(ctx, "big")
	assert.False(t, ok)
	// The attempt still counts as a set.
	assert.Equal(t, int64(1), c.GetStats().Sets)
}

func TestCorruptedEntryReadsAsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set(keyPrefix+qhash.Sum("broken"), "{not json")
	_, ok := c.Get(ctx, "broken")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Errors)
}

func TestInvalidCachedPlanReadsAsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	// Well-formed JSON that fails plan validation (no LIMIT).
	mr.Set(keyPrefix+qhash.Sum("invalid"), `{"sql":"SELECT 1","confidence":0.9,"explanation":"x"}`)
	_, ok := c.Get(ctx, "invalid")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Errors)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "expiring", testPlan(), false)
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, "expiring")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "q", testPlan(), false)
	assert.True(t, c.Delete(ctx, "q"))
	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
}

func TestClearTouchesOnlyPlanNamespace(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", testPlan(), false)
	c.Set(ctx, "b", testPlan(), false)
	mr.Set("ratelimit:user1", "untouched")

	require.True(t, c.Clear(ctx))
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.True(t, mr.Exists("ratelimit:user1"))
}

func TestNoOpCacheNeverFails(t *testing.T) {
	c := NewWithClient(nil, time.Minute, DefaultMaxBytes, testLogger())
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.False(t, c.Set(ctx, "q", testPlan(), false))
	_, ok := c.Get(ctx, "q")
	assert.False(t, ok)
	assert.False(t, c.Delete(ctx, "q"))
	assert.False(t, c.Clear(ctx))
	require.NoError(t, c.Close())
	assert.Equal(t, int64(1), c.GetStats().Misses)
}

func TestHitRate(t *testing.T) {
	assert.Equal(t, 0.0, Stats{}.HitRate())
	assert.Equal(t, 0.75, Stats{Hits: 3, Misses: 1}.HitRate())
}

func TestNewDegradesWithoutRedis(t *testing.T) {
	c := New(context.Background(), Config{
		RedisURL: "redis://127.0.0.1:1/0",
		Enabled:  true,
	}, testLogger())
	assert.False(t, c.Enabled())
}
