// Package tool contains the dispatch targets the router can hand a request
// to. Every tool takes the raw query and returns a structured result; tools
// report failures as errors so the dispatcher can audit them uniformly.
package tool

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/llm"
	"github.com/arbiterhq/arbiter/internal/model"
)

// Request is what the dispatcher hands a tool.
type Request struct {
	Query       string
	UserID      string
	BypassCache bool
}

// Result is a tool's structured answer. Usage covers any tokens spent
// serving the request; it is zero for paths that never touch the planner.
type Result struct {
	Data  map[string]any
	Notes string
	Usage llm.Usage
}

// Tool is one dispatch target.
type Tool interface {
	Name() model.ToolName
	Run(ctx context.Context, req Request) (*Result, error)
}
