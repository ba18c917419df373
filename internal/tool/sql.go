package tool

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/planner"
	"github.com/arbiterhq/arbiter/internal/qhash"
	"github.com/arbiterhq/arbiter/internal/sqlguard"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// DefaultConfidenceThreshold is the minimum plan confidence the SQL tool
// will execute without asking the caller to confirm.
const DefaultConfidenceThreshold = 0.7

// rawSQLPrefixes marks a query as hand-written SQL rather than natural
// language. The list deliberately includes write keywords so a raw INSERT
// reaches the validator and is rejected there with a clear rule name.
var rawSQLPrefixes = []string{
	"SELECT", "INSERT", "UPDATE", "DELETE", "DROP", "CREATE",
	"ALTER", "TRUNCATE", "GRANT", "REVOKE", "WITH", "COPY",
}

// IsRawSQL reports whether query looks like SQL typed directly by the user.
func IsRawSQL(query string) bool {
	upper := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range rawSQLPrefixes {
		if strings.HasPrefix(upper, kw+" ") || upper == kw {
			return true
		}
	}
	return false
}

// Executor runs validated SELECT statements against the warehouse.
type Executor interface {
	ExecuteSelect(ctx context.Context, sql string) (*storage.QueryResult, error)
}

// HistoryWriter persists successfully executed plans to the warm tier.
type HistoryWriter interface {
	UpsertHistory(ctx context.Context, row storage.HistoryRow, retention time.Duration) error
}

// SQLTool answers warehouse questions. Raw SQL goes straight through the
// validator; natural language goes through the planner first. Plans below
// the confidence threshold are rejected with the suggested SQL attached,
// never executed.
type SQLTool struct {
	planner   *planner.SQLPlanner // nil when no provider is configured
	guard     *sqlguard.Guard
	executor  Executor
	history   HistoryWriter
	retention time.Duration
	threshold float64
	logger    *slog.Logger
}

// SQLConfig wires a SQLTool.
type SQLConfig struct {
	Planner             *planner.SQLPlanner
	Guard               *sqlguard.Guard
	Executor            Executor
	History             HistoryWriter
	Retention           time.Duration
	ConfidenceThreshold float64
}

// NewSQLTool builds the SQL tool. Planner and History may be nil; a nil
// planner limits the tool to raw SQL.
func NewSQLTool(cfg SQLConfig, logger *slog.Logger) *SQLTool {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &SQLTool{
		planner:   cfg.Planner,
		guard:     cfg.Guard,
		executor:  cfg.Executor,
		history:   cfg.History,
		retention: cfg.Retention,
		threshold: cfg.ConfidenceThreshold,
		logger:    logger,
	}
}

// Name implements Tool.
func (t *SQLTool) Name() model.ToolName { return model.ToolSQL }

// Run implements Tool.
func (t *SQLTool) Run(ctx context.Context, req Request) (*Result, error) {
	if IsRawSQL(req.Query) {
		return t.runRaw(ctx, req.Query)
	}
	return t.runNatural(ctx, req)
}

func (t *SQLTool) runRaw(ctx context.Context, query string) (*Result, error) {
	sanitized, err := t.guard.Sanitize(query)
	if err != nil {
		return &Result{Notes: "safety_violation"}, err
	}

	qr, err := t.executor.ExecuteSelect(ctx, sanitized)
	if err != nil {
		return &Result{Notes: "execution_error"},
			errs.Newf(errs.CategoryExecution, "sql execution failed: %v", err).
				WithDetail("sql", sanitized)
	}

	return &Result{
		Data: map[string]any{
			"sql":       sanitized,
			"columns":   qr.Columns,
			"rows":      qr.Rows,
			"row_count": qr.RowCount,
		},
	}, nil
}

func (t *SQLTool) runNatural(ctx context.Context, req Request) (*Result, error) {
	if t.planner == nil {
		return &Result{Notes: "planner_unavailable"},
			errs.New(errs.CategoryConfiguration,
				"natural-language queries require a configured LLM provider")
	}

	pl, usage, source, err := t.planner.Plan(ctx, req.Query, req.BypassCache)
	if err != nil {
		return &Result{Notes: "planner_error", Usage: usage}, err
	}

	if pl.Confidence < t.threshold {
		t.logger.Info("sql tool: low-confidence plan rejected",
			"confidence", pl.Confidence, "threshold", t.threshold)
		return &Result{Notes: "low_confidence", Usage: usage},
			errs.Newf(errs.CategoryValidation,
				"plan confidence %.2f below threshold %.2f", pl.Confidence, t.threshold).
				WithDetails(map[string]any{
					"suggested_sql":   pl.SQL,
					"explanation":     pl.Explanation,
					"plan_confidence": pl.Confidence,
					"threshold":       t.threshold,
				})
	}

	sanitized, err := t.guard.Sanitize(pl.SQL)
	if err != nil {
		return &Result{Notes: "planner_validation_failed", Usage: usage}, err
	}

	qr, execErr := t.executor.ExecuteSelect(ctx, sanitized)
	if execErr != nil {
		return &Result{Notes: "execution_error", Usage: usage},
			errs.Newf(errs.CategoryExecution, "sql execution failed: %v", execErr).
				WithDetail("sql", sanitized)
	}

	if t.history != nil {
		row := storage.HistoryRow{
			QueryHash:    qhash.Sum(req.Query),
			QueryText:    qhash.Normalize(req.Query),
			GeneratedSQL: sanitized,
			Explanation:  pl.Explanation,
			Confidence:   pl.Confidence,
		}
		if err := t.history.UpsertHistory(ctx, row, t.retention); err != nil {
			t.logger.Warn("sql tool: history write failed", "error", err)
		}
	}

	return &Result{
		Data: map[string]any{
			"sql":             sanitized,
			"explanation":     pl.Explanation,
			"plan_confidence": pl.Confidence,
			"plan_source":     string(source),
			"columns":         qr.Columns,
			"rows":            qr.Rows,
			"row_count":       qr.RowCount,
		},
		Usage: usage,
	}, nil
}
