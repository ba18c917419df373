package llm

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
)

// MockProvider is the deterministic test backend. It returns a fixed JSON
// object, fails with a planning error, or sleeps past the deadline to
// simulate a timeout, depending on configuration.
type MockProvider struct {
	// ResponseJSON is decoded into the output schema on success.
	ResponseJSON string
	// Fail makes every call return a planning error.
	Fail bool
	// Delay is slept before responding; a delay beyond the call timeout
	// produces a timeout error.
	Delay time.Duration
	// Token counts reported in the usage record.
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	// Calls counts invocations, for asserting the breaker short-circuits.
	Calls int
}

// NewMockProvider returns a mock that answers with the given JSON and a
// 100/50 token usage record.
func NewMockProvider(responseJSON string) *MockProvider {
	return &MockProvider{
		ResponseJSON: responseJSON,
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.001,
	}
}

// GenerateStructured implements Provider.
func (m *MockProvider) GenerateStructured(ctx context.Context, _ string, out Schema, timeout time.Duration) (Usage, error) {
	m.Calls++

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Usage{}, errs.Newf(errs.CategoryTimeout, "llm: request timed out after %s", timeout).
				WithDetail("timeout_seconds", timeout.Seconds())
		}
	}
	if m.Fail {
		return Usage{}, errs.New(errs.CategoryPlanning, "llm: mock provider configured to fail")
	}

	if err := decodeStrict(m.ResponseJSON, out); err != nil {
		return Usage{}, err
	}

	return Usage{
		InputTokens:      m.InputTokens,
		OutputTokens:     m.OutputTokens,
		TotalTokens:      m.InputTokens + m.OutputTokens,
		EstimatedCostUSD: m.CostUSD,
	}, nil
}

// ModelName implements Provider.
func (m *MockProvider) ModelName() string { return "mock-llm-v1" }
