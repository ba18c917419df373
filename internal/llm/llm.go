// Package llm abstracts the large-language-model capability the planner
// depends on.
//
// A Provider turns a prompt plus an output schema into a validated object
// and a usage record, bounded by a timeout. Implementations must never
// return an object that fails schema validation, and must never log prompts
// or responses verbatim, only derived hashes and token counts.
package llm

import (
	"context"
	"time"
)

// Usage records token consumption and estimated cost for one provider call.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Schema is implemented by structured-output targets. The provider decodes
// the model's JSON into the value and then calls Validate; a validation
// failure is surfaced as a planning error, never as a partially-filled
// object.
type Schema interface {
	// JSONSchema returns the schema text included in the request so the
	// model produces conformant output.
	JSONSchema() string
	// Validate checks the decoded value's structural constraints.
	Validate() error
}

// Provider is the narrow LLM capability the planner composes over.
type Provider interface {
	// GenerateStructured sends prompt to the model and decodes the response
	// into out. The call returns within timeout plus a small slack; on
	// expiry it returns a timeout-category error. Schema violations return
	// planning-category errors.
	GenerateStructured(ctx context.Context, prompt string, out Schema, timeout time.Duration) (Usage, error)

	// ModelName identifies the underlying model for logging and stats.
	ModelName() string
}
