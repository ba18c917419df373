// Package cache is the hot tier for validated plans.
//
// It backs onto Redis with a per-entry TTL. When Redis is unreachable at
// construction the cache degrades to a no-op: every operation still counts
// toward the statistics but nothing raises, so a cache outage never fails a
// request. Plan errors are never written here (the planner enforces that).
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/internal/plan"
	"github.com/arbiterhq/arbiter/internal/qhash"
)

const keyPrefix = "sql:"

// DefaultTTL and DefaultMaxBytes mirror the production defaults.
const (
	DefaultTTL      = 1800 * time.Second
	DefaultMaxBytes = 1 << 20 // 1 MiB
)

// Config holds cache construction parameters.
type Config struct {
	RedisURL string
	TTL      time.Duration
	MaxBytes int
	Enabled  bool
}

// Stats counts cache outcomes for monitoring.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}

// HitRate returns hits / (hits + misses), or zero with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache stores serialized plans keyed by normalized-query hash.
type Cache struct {
	rdb      *redis.Client // nil when degraded to no-op
	ttl      time.Duration
	maxBytes int
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New connects to Redis and returns the cache. A failed ping degrades to a
// no-op cache rather than returning an error.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Cache {
	c := &Cache{ttl: cfg.TTL, maxBytes: cfg.MaxBytes, logger: logger}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if !cfg.Enabled || cfg.RedisURL == "" {
		logger.Info("plan cache: disabled")
		return c
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("plan cache: invalid redis url, degrading to no-op", "error", err)
		return c
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("plan cache: redis unreachable, degrading to no-op", "error", err)
		_ = rdb.Close()
		return c
	}

	c.rdb = rdb
	logger.Info("plan cache: redis", "ttl", c.ttl, "max_bytes", c.maxBytes)
	return c
}

// NewWithClient wraps an existing Redis client. Used by tests (miniredis)
// and by callers sharing one client between cache and limiter.
func NewWithClient(rdb *redis.Client, ttl time.Duration, maxBytes int, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{rdb: rdb, ttl: ttl, maxBytes: maxBytes, logger: logger}
}

// Enabled reports whether a backing store is attached.
func (c *Cache) Enabled() bool { return c.rdb != nil }

// Get returns the cached plan for query, or (nil, false) on miss. Corrupted
// entries count as errors and read as misses.
func (c *Cache) Get(ctx context.Context, query string) (*plan.Plan, bool) {
	if c.rdb == nil {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false
	}

	val, err := c.rdb.Get(ctx, keyPrefix+qhash.Sum(query)).Result()
	if err == redis.Nil {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false
	}
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return nil, false
	}

	var p plan.Plan
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		c.logger.Warn("plan cache: corrupted entry", "query_hash", qhash.Sum(query))
		return nil, false
	}
	if err := p.Validate(); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return nil, false
	}

	c.count(func(s *Stats) { s.Hits++ })
	return &p, true
}

// Set writes a validated plan with the configured TTL. It returns whether
// the entry was stored: oversized plans and bypass requests count as set
// attempts but are not written.
func (c *Cache) Set(ctx context.Context, query string, p *plan.Plan, bypass bool) bool {
	if c.rdb == nil || bypass {
		return false
	}

	val, err := json.Marshal(p)
	if err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return false
	}
	if len(val) > c.maxBytes {
		c.count(func(s *Stats) { s.Sets++ })
		return false
	}

	if err := c.rdb.Set(ctx, keyPrefix+qhash.Sum(query), val, c.ttl).Err(); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return false
	}
	c.count(func(s *Stats) { s.Sets++ })
	return true
}

// Delete removes the entry for query.
func (c *Cache) Delete(ctx context.Context, query string) bool {
	if c.rdb == nil {
		return false
	}
	if err := c.rdb.Del(ctx, keyPrefix+qhash.Sum(query)).Err(); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return false
	}
	return true
}

// Clear removes every plan-cache key. Only the sql: namespace is touched.
func (c *Cache) Clear(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			c.count(func(s *Stats) { s.Errors++ })
			return false
		}
	}
	if err := iter.Err(); err != nil {
		c.count(func(s *Stats) { s.Errors++ })
		return false
	}
	return true
}

// GetStats returns a snapshot of the counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close releases the Redis connection, if any.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Cache) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
