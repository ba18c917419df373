package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()

	m.Observe("sql", 120, 100, 30, 0.002)
	m.Observe("sql", 80, 0, 0, 0)
	m.Observe("vector", 5, 0, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("sql")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("vector")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.TokensInput))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.TokensOutput))
	assert.InDelta(t, 0.002, testutil.ToFloat64(m.CostUSD), 1e-9)
}

func TestObserveZeroTokensDoesNotTouchCounters(t *testing.T) {
	m := New()
	m.Observe("unknown", 1, 0, 0, 0)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.TokensInput))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CostUSD))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.Observe("sql", 42, 10, 5, 0.001)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `router_requests_total{tool="sql"} 1`)
	assert.Contains(t, body, "router_request_duration_ms_bucket")
	assert.Contains(t, body, "router_tokens_input_total 10")
	assert.Contains(t, body, "go_goroutines")
}

func TestInstancesAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.Observe("sql", 1, 0, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Requests.WithLabelValues("sql")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Requests.WithLabelValues("sql")))
}
