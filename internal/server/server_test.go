package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/router"
	"github.com/arbiterhq/arbiter/internal/storage"
	"github.com/arbiterhq/arbiter/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore satisfies Store without a database.
type fakeStore struct {
	pingErr      error
	auditRecords []storage.AuditRecord
	auditErr     error
	historyStats storage.HistoryStats

	gotCorrelationID string
	gotLimit         int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListAuditRecords(_ context.Context, correlationID string, limit int) ([]storage.AuditRecord, error) {
	f.gotCorrelationID = correlationID
	f.gotLimit = limit
	return f.auditRecords, f.auditErr
}

func (f *fakeStore) GetHistoryStats(context.Context) (storage.HistoryStats, error) {
	return f.historyStats, nil
}

// echoTool answers every SQL-routed query with a fixed payload.
type echoTool struct{}

func (echoTool) Name() model.ToolName { return model.ToolSQL }
func (echoTool) Run(_ context.Context, req tool.Request) (*tool.Result, error) {
	return &tool.Result{Data: map[string]any{"echo": req.Query}}, nil
}

func newTestServer(t *testing.T, store *fakeStore) *Server {
	t.Helper()
	logger := testLogger()
	limiter := ratelimit.New(ratelimit.Config{Enabled: false}, nil, logger)
	c := cache.NewWithClient(nil, time.Minute, cache.DefaultMaxBytes, logger)
	rt := router.New([]tool.Tool{echoTool{}}, limiter, nil, nil, logger)

	return New(ServerConfig{
		DB:                  store,
		Router:              rt,
		Cache:               c,
		Limiter:             limiter,
		Metrics:             metrics.New(),
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1024,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	})
}

func doJSON(t *testing.T, srv *Server, method, path, body string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var decoded map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestQuerySuccessEnvelope(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, body := doJSON(t, srv, http.MethodPost, "/query",
		`{"query":"show revenue by region","user_id":"alice"}`,
		http.Header{"X-Correlation-ID": []string{"corr-http-1"}})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "sql", body["tool_used"])
	assert.Equal(t, 0.75, body["confidence"])
	assert.Equal(t, "corr-http-1", body["trace_id"], "correlation header threads into the envelope")
	assert.Equal(t, "corr-http-1", rr.Header().Get("X-Correlation-ID"))
	result := body["result"].(map[string]any)
	assert.Equal(t, "show revenue by region", result["echo"])
}

func TestQueryGeneratesCorrelationID(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, body := doJSON(t, srv, http.MethodPost, "/query", `{"query":"show revenue"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
	assert.Equal(t, rr.Header().Get("X-Correlation-ID"), body["trace_id"])
}

func TestQueryMalformedBody(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, body := doJSON(t, srv, http.MethodPost, "/query", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", body["category"])
}

func TestQueryUnknownFieldRejected(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, _ := doJSON(t, srv, http.MethodPost, "/query", `{"query":"q","surprise":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueryEmptyQueryRejected(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, body := doJSON(t, srv, http.MethodPost, "/query", `{"query":"  "}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", body["category"])
	assert.Contains(t, body["message"], "empty")
}

func TestQueryBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	huge := `{"query":"` + strings.Repeat("a", 2048) + `"}`
	rr, _ := doJSON(t, srv, http.MethodPost, "/query", huge, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, _ := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestHealthHealthy(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	rr, body := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "connected", body["postgres"])
	assert.Equal(t, "disabled", body["cache"], "no-op cache reports disabled")
	assert.Equal(t, "disabled", body["planner"])
}

func TestHealthPostgresDown(t *testing.T) {
	srv := newTestServer(t, &fakeStore{pingErr: errors.New("connection refused")})

	rr, body := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "disconnected", body["postgres"])
}

func TestAuditDefaults(t *testing.T) {
	store := &fakeStore{auditRecords: []storage.AuditRecord{
		{ID: 2, CorrelationID: "c2", Tool: "sql", Success: true},
		{ID: 1, CorrelationID: "c1", Tool: "unknown", Success: false},
	}}
	srv := newTestServer(t, store)

	rr, body := doJSON(t, srv, http.MethodGet, "/audit", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 100, store.gotLimit)
	assert.Empty(t, store.gotCorrelationID)
	assert.Equal(t, float64(2), body["count"])
	records := body["records"].([]any)
	require.Len(t, records, 2)
}

func TestAuditFilterAndLimit(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(t, store)

	rr, body := doJSON(t, srv, http.MethodGet, "/audit?correlation_id=corr-9&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "corr-9", store.gotCorrelationID)
	assert.Equal(t, 5, store.gotLimit)
	// A nil result renders as an empty list, never null.
	assert.Equal(t, []any{}, body["records"])
}

func TestAuditBadLimit(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	for _, limit := range []string{"0", "-1", "1001", "many"} {
		rr, _ := doJSON(t, srv, http.MethodGet, "/audit?limit="+limit, "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", limit)
	}
}

func TestAuditStoreFailure(t *testing.T) {
	srv := newTestServer(t, &fakeStore{auditErr: errors.New("relation missing")})

	rr, _ := doJSON(t, srv, http.MethodGet, "/audit", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestStats(t *testing.T) {
	store := &fakeStore{historyStats: storage.HistoryStats{Rows: 12, TotalUses: 40}}
	srv := newTestServer(t, store)

	rr, body := doJSON(t, srv, http.MethodGet, "/stats", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Contains(t, body, "rate_limiter")
	cacheStats := body["cache"].(map[string]any)
	assert.Equal(t, false, cacheStats["enabled"])
	assert.Contains(t, cacheStats, "hit_rate")

	// No planner configured means no breaker section.
	assert.NotContains(t, body, "circuit_breaker")

	hist := body["query_history"].(map[string]any)
	assert.Equal(t, float64(12), hist["rows"])
	assert.Equal(t, float64(40), hist["total_uses"])
}

func TestOpenAPISpecServed(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/yaml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "openapi: 3.1.0")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	doJSON(t, srv, http.MethodPost, "/query", `{"query":"show revenue"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "router_request_duration_ms")
}
