// Package llm fronts the extraction models: provider adapters, per-item
// routing with fallback chains, rate limiting, circuit breaking, and the
// per-document token budget.
package llm

import (
	"context"
)

// Request is a single structured-output completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// JSON asks the provider to constrain output to valid JSON where the
	// API supports it.
	JSON bool
}

// Response is a completed request with usage attribution.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// TotalTokens returns input plus output tokens.
func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Provider is one extraction model endpoint. Implementations classify their
// failures with the resilience error kinds so callers can decide between
// retrying, escalating, and giving up.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
