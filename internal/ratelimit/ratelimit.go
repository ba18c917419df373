// Package ratelimit provides per-identifier sliding-window rate limiting.
//
// The preferred backing store is a Redis sorted set per identifier, scored
// by request timestamp, so multiple router instances share one window. When
// Redis is unavailable, at construction or mid-flight, the limiter falls
// back to an in-process table behind a mutex. Disabled limiters allow
// everything.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/internal/errs"
)

const keyPrefix = "ratelimit:"

// Config holds limiter tuning parameters.
type Config struct {
	MaxRequests int           // default 100
	Window      time.Duration // default 60s
	Enabled     bool
}

// Stats counts limiter outcomes for monitoring.
type Stats struct {
	TotalRequests     int64 `json:"total_requests"`
	AllowedRequests   int64 `json:"allowed_requests"`
	RejectedRequests  int64 `json:"rejected_requests"`
	UniqueIdentifiers int   `json:"unique_identifiers"`
}

// Limiter enforces at most MaxRequests per identifier within any sliding
// Window. Safe for concurrent use.
type Limiter struct {
	max     int
	window  time.Duration
	enabled bool
	logger  *slog.Logger

	rdb *redis.Client // nil → in-process only

	mu    sync.Mutex
	times map[string][]time.Time // in-process fallback store
	stats Stats

	now func() time.Time
}

// New creates a limiter. rdb may be nil for in-process-only operation.
func New(cfg Config, rdb *redis.Client, logger *slog.Logger) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	return &Limiter{
		max:     cfg.MaxRequests,
		window:  cfg.Window,
		enabled: cfg.Enabled,
		logger:  logger,
		rdb:     rdb,
		times:   make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool { return l.enabled }

// IsAllowed reports whether a request from identifier would be admitted.
// It does not record the request.
func (l *Limiter) IsAllowed(ctx context.Context, identifier string) bool {
	if !l.enabled {
		return true
	}
	return l.countInWindow(ctx, identifier) < l.max
}

// Record registers a request from identifier, returning whether it was
// admitted. Rejected requests are not recorded.
func (l *Limiter) Record(ctx context.Context, identifier string) bool {
	l.mu.Lock()
	l.stats.TotalRequests++
	l.mu.Unlock()

	if !l.enabled {
		l.mu.Lock()
		l.stats.AllowedRequests++
		l.mu.Unlock()
		return true
	}
	if !l.IsAllowed(ctx, identifier) {
		l.mu.Lock()
		l.stats.RejectedRequests++
		l.mu.Unlock()
		return false
	}

	now := l.now()
	if l.rdb != nil {
		if err := l.recordRedis(ctx, identifier, now); err != nil {
			l.logger.Warn("ratelimit: redis record failed, using in-process store", "error", err)
			l.recordMemory(identifier, now)
		}
	} else {
		l.recordMemory(identifier, now)
	}

	l.mu.Lock()
	l.stats.AllowedRequests++
	l.mu.Unlock()
	return true
}

// CheckLimit returns a rate_limit error when identifier has exhausted its
// window, carrying retry_after_seconds in the details. It does not record.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string) error {
	if l.IsAllowed(ctx, identifier) {
		return nil
	}
	retryAfter := l.retryAfter(ctx, identifier)
	return errs.Newf(errs.CategoryRateLimit,
		"rate limit exceeded for %s: %d requests per %s, retry after %.1fs",
		identifier, l.max, l.window, retryAfter.Seconds(),
	).WithDetails(map[string]any{
		"identifier":          identifier,
		"limit":               l.max,
		"window_seconds":      int(l.window.Seconds()),
		"retry_after_seconds": retryAfter.Seconds(),
	})
}

// Clear drops recorded requests for one identifier, or for all when
// identifier is empty.
func (l *Limiter) Clear(ctx context.Context, identifier string) {
	if l.rdb != nil {
		if identifier != "" {
			_ = l.rdb.Del(ctx, keyPrefix+identifier).Err()
		} else {
			iter := l.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
			for iter.Next(ctx) {
				_ = l.rdb.Del(ctx, iter.Val()).Err()
			}
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if identifier != "" {
		delete(l.times, identifier)
	} else {
		l.times = make(map[string][]time.Time)
	}
}

// GetStats returns a snapshot of the counters. The unique-identifier count
// reflects the in-process table plus live Redis keys.
func (l *Limiter) GetStats(ctx context.Context) Stats {
	l.mu.Lock()
	s := l.stats
	s.UniqueIdentifiers = len(l.times)
	l.mu.Unlock()

	if l.rdb != nil {
		n := 0
		iter := l.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			n++
		}
		if iter.Err() == nil {
			s.UniqueIdentifiers = n
		}
	}
	return s
}

func (l *Limiter) countInWindow(ctx context.Context, identifier string) int {
	now := l.now()
	cutoff := now.Add(-l.window)

	if l.rdb != nil {
		count, err := l.rdb.ZCount(ctx, keyPrefix+identifier,
			formatScore(cutoff), formatScore(now)).Result()
		if err == nil {
			return int(count)
		}
		l.logger.Warn("ratelimit: redis count failed, using in-process store", "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(identifier, cutoff))
}

func (l *Limiter) recordRedis(ctx context.Context, identifier string, now time.Time) error {
	key := keyPrefix + identifier
	score := float64(now.UnixNano()) / float64(time.Second)
	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: strconv.FormatFloat(score, 'f', -1, 64)})
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(now.Add(-l.window)))
	pipe.Expire(ctx, key, l.window)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *Limiter) recordMemory(identifier string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.pruneLocked(identifier, now.Add(-l.window))
	l.times[identifier] = append(q, now)
}

// pruneLocked drops timestamps before cutoff and returns the remaining
// queue. Identifiers with no traffic in the window are reclaimed.
func (l *Limiter) pruneLocked(identifier string, cutoff time.Time) []time.Time {
	q := l.times[identifier]
	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	q = q[i:]
	if len(q) == 0 {
		delete(l.times, identifier)
		return nil
	}
	l.times[identifier] = q
	return q
}

func (l *Limiter) retryAfter(ctx context.Context, identifier string) time.Duration {
	now := l.now()

	if l.rdb != nil {
		zs, err := l.rdb.ZRangeWithScores(ctx, keyPrefix+identifier, 0, 0).Result()
		if err == nil && len(zs) > 0 {
			oldest := time.Unix(0, int64(zs[0].Score*float64(time.Second)))
			if d := oldest.Add(l.window).Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.times[identifier]
	if len(q) == 0 {
		return 0
	}
	if d := q[0].Add(l.window).Sub(now); d > 0 {
		return d
	}
	return 0
}

func formatScore(t time.Time) string {
	return fmt.Sprintf("%f", float64(t.UnixNano())/float64(time.Second))
}
