package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/planner"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/router"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// Store is the subset of the storage layer the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	ListAuditRecords(ctx context.Context, correlationID string, limit int) ([]storage.AuditRecord, error)
	GetHistoryStats(ctx context.Context) (storage.HistoryStats, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	db           Store
	router       *router.Router
	cache        *cache.Cache
	limiter      *ratelimit.Limiter
	planner      *planner.SQLPlanner
	logger       *slog.Logger
	version      string
	maxBodyBytes int64
	openAPISpec  []byte
}

// HandleOpenAPISpec serves the embedded OpenAPI YAML.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	if len(h.openAPISpec) == 0 {
		http.Error(w, "openapi spec not embedded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openAPISpec)
}

// HandleQuery routes one natural-language or raw-SQL request. Transport
// errors (malformed body, invalid request) get a 4xx; everything past
// validation comes back inside a 200 envelope, failures included.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest,
			errs.Newf(errs.CategoryValidation, "malformed request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	routed := h.router.Handle(r.Context(), req, CorrelationIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, routed)
}

// HandleAudit returns recent audit records, optionally filtered by
// correlation_id.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest,
				errs.New(errs.CategoryValidation, "limit must be an integer between 1 and 1000"))
			return
		}
		limit = n
	}

	records, err := h.db.ListAuditRecords(r.Context(), r.URL.Query().Get("correlation_id"), limit)
	if err != nil {
		h.logger.Error("audit listing failed", "error", err)
		writeError(w, http.StatusInternalServerError,
			errs.New(errs.CategoryConfiguration, "audit store unavailable"))
		return
	}
	if records == nil {
		records = []storage.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// HandleStats reports the live counters of each subsystem.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"rate_limiter": h.limiter.GetStats(r.Context()),
	}

	cs := h.cache.GetStats()
	stats["cache"] = map[string]any{
		"hits":     cs.Hits,
		"misses":   cs.Misses,
		"sets":     cs.Sets,
		"errors":   cs.Errors,
		"hit_rate": cs.HitRate(),
		"enabled":  h.cache.Enabled(),
	}

	if h.planner != nil {
		stats["circuit_breaker"] = h.planner.BreakerStats()
	}

	if hs, err := h.db.GetHistoryStats(r.Context()); err == nil {
		stats["query_history"] = hs
	} else {
		h.logger.Warn("history stats unavailable", "error", err)
	}

	writeJSON(w, http.StatusOK, stats)
}

// HandleHealth reports service health. Postgres down means unhealthy; a
// degraded cache or missing planner only changes the component detail.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	cacheStatus := "connected"
	if !h.cache.Enabled() {
		cacheStatus = "disabled"
	}

	plannerStatus := "ready"
	if h.planner == nil {
		plannerStatus = "disabled"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":   status,
		"version":  h.version,
		"postgres": pgStatus,
		"cache":    cacheStatus,
		"planner":  plannerStatus,
	})
}
