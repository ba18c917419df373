package tool

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/model"
)

// RESTTool handles requests that should call out to internal service APIs.
// No upstream catalog is wired yet; the tool acknowledges the routing
// decision so callers see which tool their query matched.
type RESTTool struct{}

// NewRESTTool returns the REST-bridge stub.
func NewRESTTool() *RESTTool { return &RESTTool{} }

// Name implements Tool.
func (t *RESTTool) Name() model.ToolName { return model.ToolREST }

// Run implements Tool.
func (t *RESTTool) Run(_ context.Context, req Request) (*Result, error) {
	return &Result{
		Data: map[string]any{
			"message": "service API bridge is not yet available",
			"query":   req.Query,
		},
		Notes: "not_implemented",
	}, nil
}
