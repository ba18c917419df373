// Package metrics exposes the router's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the router collectors on a private registry so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	DurationMS   prometheus.Histogram
	TokensInput  prometheus.Counter
	TokensOutput prometheus.Counter
	CostUSD      prometheus.Counter
}

// New creates and registers the router collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Routed requests by dispatched tool.",
		}, []string{"tool"}),
		DurationMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		TokensInput: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_tokens_input_total",
			Help: "Input tokens consumed by the planner.",
		}),
		TokensOutput: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_tokens_output_total",
			Help: "Output tokens produced by the planner.",
		}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_cost_usd_total",
			Help: "Estimated planner spend in US dollars.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.DurationMS, m.TokensInput, m.TokensOutput, m.CostUSD,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one completed request.
func (m *Metrics) Observe(tool string, elapsedMS float64, tokensIn, tokensOut int, costUSD float64) {
	m.Requests.WithLabelValues(tool).Inc()
	m.DurationMS.Observe(elapsedMS)
	if tokensIn > 0 {
		m.TokensInput.Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		m.TokensOutput.Add(float64(tokensOut))
	}
	if costUSD > 0 {
		m.CostUSD.Add(costUSD)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
