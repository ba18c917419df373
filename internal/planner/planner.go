// Package planner turns natural-language questions into validated SQL plans.
//
// Lookups go through three tiers before spending tokens: the Redis plan
// cache, the Postgres query history, and finally the LLM provider guarded
// by a circuit breaker. Only validated plans are ever cached; a planning
// failure is returned to the caller and stored nowhere.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arbiterhq/arbiter/internal/breaker"
	"github.com/arbiterhq/arbiter/internal/cache"
	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/plan"
	"github.com/arbiterhq/arbiter/internal/qhash"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// DefaultTimeout bounds one planning attempt end to end.
const DefaultTimeout = 30 * time.Second

// HistoryStore is the warm tier consulted after a cache miss.
type HistoryStore interface {
	LookupHistory(ctx context.Context, queryHash string) (*storage.HistoryRow, error)
}

// Source records which tier produced a plan.
type Source string

const (
	SourceCache    Source = "cache"
	SourceHistory  Source = "history"
	SourceProvider Source = "provider"
)

// SQLPlanner resolves natural-language queries to plans.
type SQLPlanner struct {
	provider llm.Provider
	cache    *cache.Cache
	history  HistoryStore
	breaker  *breaker.Breaker
	logger   *slog.Logger

	tables    []string
	schemaDoc string
	timeout   time.Duration

	// group collapses concurrent planning of the same normalized query
	// into one provider call.
	group singleflight.Group
}

// Option configures a SQLPlanner.
type Option func(*SQLPlanner)

// WithTimeout overrides the per-attempt planning timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *SQLPlanner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a planner. history may be nil; provider, cache (use the no-op
// cache when Redis is absent), and breaker are required.
func New(provider llm.Provider, c *cache.Cache, history HistoryStore, b *breaker.Breaker, allowedTables []string, logger *slog.Logger, opts ...Option) *SQLPlanner {
	p := &SQLPlanner{
		provider:  provider,
		cache:     c,
		history:   history,
		breaker:   b,
		logger:    logger,
		tables:    allowedTables,
		schemaDoc: schemaDescription(allowedTables),
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan resolves query to a validated plan. The returned usage is zero for
// cache and history hits; tokens are only spent on the provider path.
// bypass skips both warm tiers and suppresses the cache write.
func (p *SQLPlanner) Plan(ctx context.Context, query string, bypass bool) (*plan.Plan, llm.Usage, Source, error) {
	hash := qhash.Sum(query)

	if !bypass {
		if cached, ok := p.cache.Get(ctx, query); ok {
			p.logger.Debug("planner: cache hit", "query_hash", hash)
			return cached, llm.Usage{}, SourceCache, nil
		}
		if p.history != nil {
			row, err := p.history.LookupHistory(ctx, hash)
			if err != nil {
				p.logger.Warn("planner: history lookup failed", "error", err)
			} else if row != nil {
				pl := &plan.Plan{
					SQL:         row.GeneratedSQL,
					Confidence:  row.Confidence,
					Explanation: row.Explanation,
				}
				if err := pl.Validate(); err == nil {
					p.logger.Debug("planner: history hit",
						"query_hash", hash, "use_count", row.UseCount)
					p.cache.Set(ctx, query, pl, false)
					return pl, llm.Usage{}, SourceHistory, nil
				}
				p.logger.Warn("planner: invalid history row ignored", "query_hash", hash)
			}
		}
	}

	type generated struct {
		plan  *plan.Plan
		usage llm.Usage
	}
	v, err, _ := p.group.Do(hash, func() (any, error) {
		if !p.breaker.CanExecute() {
			state := p.breaker.State()
			return nil, errs.New(errs.CategoryCircuitBreaker,
				"planner unavailable: circuit breaker is "+string(state)).
				WithDetail("state", string(state))
		}

		var resp plan.Response
		usage, err := p.provider.GenerateStructured(ctx, p.buildPrompt(query), &resp, p.timeout)
		if err != nil {
			p.breaker.RecordFailure()
			return generated{usage: usage}, err
		}
		pl := resp.Plan()
		if err := pl.Validate(); err != nil {
			p.breaker.RecordFailure()
			return generated{usage: usage}, err
		}

		p.breaker.RecordSuccess()
		p.cache.Set(ctx, query, pl, bypass)
		p.logger.Info("planner: plan generated",
			"query_hash", hash,
			"confidence", pl.Confidence,
			"model", p.provider.ModelName(),
			"cost_usd", usage.EstimatedCostUSD,
		)
		return generated{plan: pl, usage: usage}, nil
	})

	gen, _ := v.(generated)
	if err != nil {
		return nil, gen.usage, SourceProvider, err
	}
	return gen.plan, gen.usage, SourceProvider, nil
}

// BreakerStats exposes the breaker snapshot for the stats endpoint.
func (p *SQLPlanner) BreakerStats() breaker.Stats { return p.breaker.GetStats() }

// CacheStats exposes the cache counters for the stats endpoint.
func (p *SQLPlanner) CacheStats() cache.Stats { return p.cache.GetStats() }

func (p *SQLPlanner) buildPrompt(query string) string {
	var b strings.Builder
	b.WriteString("You translate business questions into a single PostgreSQL SELECT statement.\n\n")
	b.WriteString(p.schemaDoc)
	b.WriteString("\nRules:\n")
	b.WriteString(fmt.Sprintf("- Query only these tables: %s.\n", strings.Join(p.tables, ", ")))
	b.WriteString("- SELECT statements only. No INSERT, UPDATE, DELETE, DDL, or multiple statements.\n")
	b.WriteString("- Always include an explicit LIMIT clause.\n")
	b.WriteString("- Set confidence between 0 and 1 reflecting how well the question maps to the schema.\n")
	b.WriteString("- If the question cannot be answered from these tables, return {\"error\": \"...\", \"confidence\": 0.0}.\n")
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// schemaDescription documents the queryable warehouse tables for the prompt.
func schemaDescription(allowedTables []string) string {
	docs := map[string]string{
		"sales_fact": `Table sales_fact (revenue facts):
  id BIGINT, region TEXT, product TEXT, amount NUMERIC,
  quantity INT, sold_at TIMESTAMPTZ`,
		"job_runs": `Table job_runs (pipeline executions):
  id BIGINT, job_name TEXT, status TEXT, started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ, rows_processed BIGINT, error_message TEXT`,
		"audit_log": `Table audit_log (request audit trail):
  id BIGINT, ts TIMESTAMPTZ, correlation_id TEXT, tool TEXT, action TEXT,
  success BOOLEAN, duration_ms BIGINT, cost_usd NUMERIC`,
	}
	var b strings.Builder
	b.WriteString("Schema:\n")
	for _, t := range allowedTables {
		if doc, ok := docs[t]; ok {
			b.WriteString(doc)
			b.WriteString("\n")
		} else {
			b.WriteString(fmt.Sprintf("Table %s\n", t))
		}
	}
	return b.String()
}
