package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/api"
	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/breaker"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/planner"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/router"
	"github.com/arbiterhq/arbiter/internal/server"
	"github.com/arbiterhq/arbiter/internal/sqlguard"
	"github.com/arbiterhq/arbiter/internal/storage"
	"github.com/arbiterhq/arbiter/internal/telemetry"
	"github.com/arbiterhq/arbiter/internal/tool"
	"github.com/arbiterhq/arbiter/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("arbiter starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry tracing.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "arbiter", version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DSN(), logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// One Redis client is shared by the plan cache and the rate limiter.
	// Redis being down is not fatal: the cache degrades to a no-op and the
	// limiter falls back to its in-process store.
	rdb := newRedisClient(ctx, cfg.RedisURL, logger)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	cacheClient := rdb
	if !cfg.CacheEnabled {
		cacheClient = nil
	}
	planCache := cache.NewWithClient(cacheClient, cfg.CacheTTL, cfg.CacheMaxBytes, logger)
	switch {
	case !cfg.CacheEnabled:
		logger.Info("plan cache: disabled")
	case planCache.Enabled():
		logger.Info("plan cache: redis", "ttl", cfg.CacheTTL, "max_bytes", cfg.CacheMaxBytes)
	default:
		logger.Info("plan cache: no-op (no redis)")
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimitMax,
		Window:      cfg.RateLimitWindow,
		Enabled:     cfg.RateLimitEnabled,
	}, rdb, logger)
	logger.Info("rate limiting",
		"enabled", cfg.RateLimitEnabled,
		"max", cfg.RateLimitMax,
		"window", cfg.RateLimitWindow,
		"backend", limiterBackend(rdb),
	)

	guard := sqlguard.New(sqlguard.DefaultAllowedTables, sqlguard.DefaultLimit)

	// The planner is optional: without an API key the SQL tool still serves
	// raw SQL, it just cannot translate natural language.
	var sqlPlanner *planner.SQLPlanner
	if cfg.OpenAIAPIKey != "" {
		provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			HTTPClient: &http.Client{Timeout: cfg.ProviderTimeout},
		})
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		cb := breaker.New(breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Window:           cfg.BreakerWindow,
			RecoveryTimeout:  cfg.BreakerRecovery,
		})
		sqlPlanner = planner.New(provider, planCache, db, cb,
			guard.AllowedTables(), logger,
			planner.WithTimeout(cfg.PlannerTimeout))
		logger.Info("planner: enabled", "model", provider.ModelName())
	} else {
		logger.Warn("planner: disabled (no OPENAI_API_KEY), raw SQL only")
	}

	sqlTool := tool.NewSQLTool(tool.SQLConfig{
		Planner:             sqlPlanner,
		Guard:               guard,
		Executor:            db,
		History:             db,
		Retention:           cfg.QueryRetention,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}, logger)

	m := metrics.New()
	recorder := audit.New(db, logger)

	disp := router.New(
		[]tool.Tool{sqlTool, tool.NewVectorTool(), tool.NewRESTTool()},
		limiter, recorder, m, logger,
	)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Router:              disp,
		Cache:               planCache,
		Limiter:             limiter,
		Planner:             sqlPlanner,
		Metrics:             m,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Expired history rows are removed on a timer rather than per request.
	go historyCleanupLoop(ctx, db, logger, cfg.HistoryCleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("arbiter shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("arbiter stopped")
	return nil
}

// newRedisClient connects to Redis, returning nil when the URL is empty or
// the server is unreachable.
func newRedisClient(ctx context.Context, url string, logger *slog.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("redis: invalid url, continuing without redis", "error", err)
		return nil
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis: unreachable, continuing without redis", "error", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func limiterBackend(rdb *redis.Client) string {
	if rdb != nil {
		return "redis"
	}
	return "memory"
}

func historyCleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupHistory(ctx)
			if err != nil {
				logger.Warn("history cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("history cleanup", "removed", n)
			}
		}
	}
}
