// Package model defines the request and response types of the router API.
package model

import (
	"strings"

	"github.com/arbiterhq/arbiter/internal/errs"
)

// ToolName identifies a dispatch target.
type ToolName string

const (
	ToolSQL     ToolName = "sql"
	ToolVector  ToolName = "vector"
	ToolREST    ToolName = "rest"
	ToolUnknown ToolName = "unknown"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query       string `json:"query"`
	UserID      string `json:"user_id,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

// MaxQueryLen bounds the natural-language query.
const MaxQueryLen = 4000

// Validate checks the request body. Errors carry the validation category so
// they serialize like every other failure.
func (r *QueryRequest) Validate() error {
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return errs.New(errs.CategoryValidation, "query must not be empty")
	}
	if len(r.Query) > MaxQueryLen {
		return errs.Newf(errs.CategoryValidation,
			"query exceeds %d characters", MaxQueryLen).
			WithDetail("length", len(r.Query))
	}
	return nil
}

// Routed is the envelope returned for every routed request, success or not.
// Failures are expressed inside Result rather than as transport errors.
type Routed struct {
	Tool        ToolName       `json:"tool_used"`
	Confidence  float64        `json:"confidence"`
	Result      map[string]any `json:"result"`
	TraceID     string         `json:"trace_id"`
	CostUSD     float64        `json:"cost_usd"`
	Notes       string         `json:"notes,omitempty"`
	ElapsedMS   int64          `json:"elapsed_ms"`
}
