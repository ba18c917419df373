// Package plan defines the machine-checkable shape of planner output.
//
// A Plan is the only thing the LLM is allowed to hand the pipeline: exactly
// three fields, each constrained, with a mandatory LIMIT clause in the SQL.
// Anything else is rejected before it can reach the validator or the
// database.
package plan

import (
	"regexp"
	"strings"

	"github.com/arbiterhq/arbiter/internal/errs"
)

// limitRe matches a word-bounded LIMIT followed by a positive integer.
var limitRe = regexp.MustCompile(`(?i)\bLIMIT\s+[1-9][0-9]*\b`)

// Plan is a validated natural-language-to-SQL translation. Immutable once
// returned by the planner.
type Plan struct {
	SQL         string  `json:"sql"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Validate enforces the structural constraints on a decoded Plan. It returns
// a validation error naming the offending fields.
func (p *Plan) Validate() error {
	var bad []string
	if strings.TrimSpace(p.SQL) == "" {
		bad = append(bad, "sql")
	} else if !limitRe.MatchString(p.SQL) {
		bad = append(bad, "sql")
	}
	if p.Confidence < 0.0 || p.Confidence > 1.0 {
		bad = append(bad, "confidence")
	}
	if strings.TrimSpace(p.Explanation) == "" {
		bad = append(bad, "explanation")
	}
	if len(bad) > 0 {
		return errs.New(errs.CategoryValidation, "plan does not match schema").
			WithDetail("fields", bad)
	}
	return nil
}

// JSONSchema returns the schema text sent to the provider so the model knows
// the exact response shape.
func (p *Plan) JSONSchema() string {
	return `{
  "type": "object",
  "properties": {
    "sql": {"type": "string", "minLength": 1, "description": "PostgreSQL SELECT query with a LIMIT clause"},
    "confidence": {"type": "number", "minimum": 0.0, "maximum": 1.0},
    "explanation": {"type": "string", "minLength": 1}
  },
  "required": ["sql", "confidence", "explanation"],
  "additionalProperties": false
}`
}

// Response is the raw decode target for planner output. The model returns
// either a plan or a refusal carrying an error message; the two shapes share
// one struct so strict decoding accepts both.
type Response struct {
	SQL         string  `json:"sql,omitempty"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
	Err         string  `json:"error,omitempty"`
}

// JSONSchema returns the success shape; the refusal shape is described in
// the prompt.
func (r *Response) JSONSchema() string { return (&Plan{}).JSONSchema() }

// Validate surfaces a refusal as a planning error carrying the model's
// message, and otherwise checks the plan constraints.
func (r *Response) Validate() error {
	if strings.TrimSpace(r.Err) != "" {
		return errs.New(errs.CategoryPlanning, "planner declined: "+r.Err).
			WithDetail("confidence", r.Confidence)
	}
	return r.Plan().Validate()
}

// Plan converts a successful response.
func (r *Response) Plan() *Plan {
	return &Plan{SQL: r.SQL, Confidence: r.Confidence, Explanation: r.Explanation}
}
