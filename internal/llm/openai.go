package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/errs"
)

// Default pricing for OpenAI-compatible backends, USD per million tokens.
// Overridable per instance for non-OpenAI endpoints.
const (
	defaultInputCostPerMTok  = 2.50
	defaultOutputCostPerMTok = 10.00
)

// OpenAIConfig configures an OpenAI-compatible chat-completions backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // default https://api.openai.com/v1
	Model   string // default gpt-4o

	// Pricing per million tokens; zero values fall back to GPT-4o rates.
	InputCostPerMTok  float64
	OutputCostPerMTok float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// OpenAIProvider calls an OpenAI-compatible chat-completions endpoint with
// bearer authentication and JSON-mode structured output.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	inputCost  float64
	outputCost float64
	client     *http.Client
}

// NewOpenAIProvider validates the configuration and returns a provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.CategoryConfiguration, "llm: API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	inputCost := cfg.InputCostPerMTok
	if inputCost == 0 {
		inputCost = defaultInputCostPerMTok
	}
	outputCost := cfg.OutputCostPerMTok
	if outputCost == 0 {
		outputCost = defaultOutputCostPerMTok
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		inputCost:  inputCost,
		outputCost: outputCost,
		client:     client,
	}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		TotalTokens      int      `json:"total_tokens"`
		Cost             *float64 `json:"cost,omitempty"` // OpenRouter-style backends report cost directly
	} `json:"usage"`
}

// GenerateStructured implements Provider. The timeout is enforced with a
// derived context; expiry maps to a timeout-category error, every other
// failure to a planning-category error.
func (p *OpenAIProvider) GenerateStructured(ctx context.Context, prompt string, out Schema, timeout time.Duration) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	system := fmt.Sprintf(
		"You must respond with valid JSON matching this schema:\n%s\n\nRespond with ONLY the JSON object, no other text.",
		out.JSONSchema(),
	)
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
		MaxTokens:      4096,
	})
	if err != nil {
		return Usage{}, errs.Newf(errs.CategoryPlanning, "llm: marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Usage{}, errs.Newf(errs.CategoryPlanning, "llm: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Usage{}, errs.Newf(errs.CategoryTimeout, "llm: request timed out after %s", timeout).
				WithDetail("timeout_seconds", timeout.Seconds())
		}
		return Usage{}, errs.Newf(errs.CategoryPlanning, "llm: request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Usage{}, errs.Newf(errs.CategoryPlanning, "llm: read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		// Body is not echoed into the error: it may contain prompt material.
		return Usage{}, errs.Newf(errs.CategoryPlanning, "llm: backend returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Usage{}, errs.Newf(errs.CategoryPlanning, "llm: decode response envelope: %v", err)
	}
	if len(cr.Choices) == 0 {
		return Usage{}, errs.New(errs.CategoryPlanning, "llm: empty response")
	}

	if err := decodeStrict(cr.Choices[0].Message.Content, out); err != nil {
		return Usage{}, err
	}

	usage := Usage{
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
		TotalTokens:  cr.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	if cr.Usage.Cost != nil {
		usage.EstimatedCostUSD = *cr.Usage.Cost
	} else {
		usage.EstimatedCostUSD = float64(usage.InputTokens)/1e6*p.inputCost +
			float64(usage.OutputTokens)/1e6*p.outputCost
	}
	return usage, nil
}

// ModelName implements Provider.
func (p *OpenAIProvider) ModelName() string { return p.model }

// decodeStrict parses the model's JSON text into out, rejecting unknown
// fields, then runs the schema's own validation.
func decodeStrict(text string, out Schema) error {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.Newf(errs.CategoryPlanning, "llm: output does not match schema: %v", err)
	}
	if err := out.Validate(); err != nil {
		se := errs.From(err)
		if se.Category == errs.CategoryPlanning {
			return se
		}
		// Schema violations from the model are planning failures, not
		// caller validation failures.
		return errs.New(errs.CategoryPlanning, "llm: output failed schema validation: "+se.Message).
			WithDetails(se.Details)
	}
	return nil
}
