// Package router dispatches incoming queries to tools.
//
// Routing is a deterministic keyword heuristic, not a model call: the same
// query always picks the same tool with the same confidence. The dispatcher
// owns the cross-cutting request lifecycle so every routed request, rate
// limited or not, leaves exactly one audit record and one set of metric
// observations.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/tool"
)

// Routing confidences for the keyword heuristic.
const (
	sqlConfidence     = 0.75
	vectorConfidence  = 0.70
	restConfidence    = 0.70
	unknownConfidence = 0.30
)

var (
	sqlKeywords    = []string{"select", "from", "group by", "revenue", "count", "sum", "sql"}
	vectorKeywords = []string{"runbook", "docs", "how do i", "procedure", "playbook", "doc"}
	restKeywords   = []string{"call api", "endpoint", "http", "status", "service", "api"}
)

// Decision is a routing outcome: which tool, how sure, and why.
type Decision struct {
	Tool       model.ToolName
	Confidence float64
	Reason     string
}

// Route picks a tool for query. Raw SQL always routes to the SQL tool;
// otherwise the first keyword family with a hit wins, in SQL, vector, REST
// order.
func Route(query string) Decision {
	if tool.IsRawSQL(query) {
		return Decision{model.ToolSQL, sqlConfidence, "raw SQL statement"}
	}

	lower := strings.ToLower(query)
	if kw := firstMatch(lower, sqlKeywords); kw != "" {
		return Decision{model.ToolSQL, sqlConfidence, "matched keyword " + kw}
	}
	if kw := firstMatch(lower, vectorKeywords); kw != "" {
		return Decision{model.ToolVector, vectorConfidence, "matched keyword " + kw}
	}
	if kw := firstMatch(lower, restKeywords); kw != "" {
		return Decision{model.ToolREST, restConfidence, "matched keyword " + kw}
	}
	return Decision{model.ToolUnknown, unknownConfidence, "no confident tool match"}
}

func firstMatch(lower string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// Router is the request dispatcher.
type Router struct {
	tools    map[model.ToolName]tool.Tool
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New builds a router over the given tools. recorder and m may be nil in
// tests.
func New(tools []tool.Tool, limiter *ratelimit.Limiter, recorder *audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Router {
	byName := make(map[model.ToolName]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &Router{
		tools:    byName,
		limiter:  limiter,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

// Handle routes one validated request. correlationID may be empty, in which
// case one is generated. Failures come back inside the envelope, never as a
// Go error: the transport layer returns HTTP 200 either way.
func (r *Router) Handle(ctx context.Context, req model.QueryRequest, correlationID string) model.Routed {
	// Rate limiting is per identified caller; anonymous requests pass. The
	// limit check runs before any per-request work so a rejected caller
	// costs nothing beyond the check itself.
	if req.UserID != "" {
		if err := r.limiter.CheckLimit(ctx, req.UserID); err != nil {
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			r.logger.Warn("router: rate limited",
				"correlation_id", correlationID, "identifier", req.UserID)

			entry := r.recorder.Begin(correlationID, string(model.ToolUnknown), "route", req, req.UserID)
			entry.Fail()
			entry.Flush(ctx)
			r.observe(string(model.ToolUnknown), 0, tool.Result{})

			return model.Routed{
				Tool:       model.ToolUnknown,
				Confidence: 0,
				Result:     errs.From(err).Serialize(),
				TraceID:    correlationID,
				Notes:      "rate_limit_exceeded",
			}
		}
		r.limiter.Record(ctx, req.UserID)
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	started := time.Now()

	decision := Route(req.Query)
	r.logger.Info("router: dispatch",
		"correlation_id", correlationID,
		"tool", decision.Tool,
		"confidence", decision.Confidence,
		"reason", decision.Reason,
	)

	entry := r.recorder.Begin(correlationID, string(decision.Tool), "route", req, req.UserID)

	result, err := r.dispatch(ctx, decision.Tool, tool.Request{
		Query:       req.Query,
		UserID:      req.UserID,
		BypassCache: req.BypassCache,
	})
	elapsed := time.Since(started)

	out := model.Routed{
		Tool:       decision.Tool,
		Confidence: decision.Confidence,
		TraceID:    correlationID,
		ElapsedMS:  elapsed.Milliseconds(),
	}
	if result != nil {
		out.Notes = result.Notes
		out.CostUSD = result.Usage.EstimatedCostUSD
	}

	if err != nil {
		se := errs.From(err)
		out.Result = se.Serialize()
		entry.Fail()
		r.logger.Warn("router: tool failed",
			"correlation_id", correlationID,
			"tool", decision.Tool,
			"category", se.Category,
			"error", se.Message,
		)
	} else {
		out.Result = result.Data
		entry.Succeed(result.Data, result.Usage)
	}
	entry.Flush(ctx)

	res := tool.Result{}
	if result != nil {
		res = *result
	}
	r.observe(string(decision.Tool), float64(elapsed.Milliseconds()), res)
	return out
}

// dispatch runs the chosen tool. An unknown decision has no tool to run and
// reports the ambiguity to the caller.
func (r *Router) dispatch(ctx context.Context, name model.ToolName, req tool.Request) (*tool.Result, error) {
	if name == model.ToolUnknown {
		return &tool.Result{
			Data: map[string]any{
				"message": "no tool matched this query; try rephrasing with warehouse, documentation, or API terms",
			},
			Notes: "no_tool_match",
		}, nil
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, errs.New(errs.CategoryConfiguration, "tool not registered: "+string(name))
	}
	return t.Run(ctx, req)
}

func (r *Router) observe(toolName string, elapsedMS float64, res tool.Result) {
	if r.metrics == nil {
		return
	}
	r.metrics.Observe(toolName, elapsedMS,
		res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.EstimatedCostUSD)
}
