package arbiter

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query       string `json:"query"`
	UserID      string `json:"user_id,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

// Routed is the envelope returned for every routed request. Failures are
// expressed inside Result; inspect it for an "error_type" key.
type Routed struct {
	Tool       string         `json:"tool_used"`
	Confidence float64        `json:"confidence"`
	Result     map[string]any `json:"result"`
	TraceID    string         `json:"trace_id"`
	CostUSD    float64        `json:"cost_usd"`
	Notes      string         `json:"notes,omitempty"`
	ElapsedMS  int64          `json:"elapsed_ms"`
}

// Failed reports whether the routed result carries a structured error.
func (r *Routed) Failed() bool {
	_, ok := r.Result["error_type"]
	return ok
}

// Health is the response of GET /health.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Cache    string `json:"cache"`
	Planner  string `json:"planner"`
}
