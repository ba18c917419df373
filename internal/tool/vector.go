package tool

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/model"
)

// VectorTool handles documentation and runbook lookups. The retrieval
// backend is not wired yet; the tool acknowledges the routing decision so
// callers see which tool their query matched.
type VectorTool struct{}

// NewVectorTool returns the vector-search stub.
func NewVectorTool() *VectorTool { return &VectorTool{} }

// Name implements Tool.
func (t *VectorTool) Name() model.ToolName { return model.ToolVector }

// Run implements Tool.
func (t *VectorTool) Run(_ context.Context, req Request) (*Result, error) {
	return &Result{
		Data: map[string]any{
			"message": "vector search is not yet available",
			"query":   req.Query,
		},
		Notes: "not_implemented",
	}, nil
}
