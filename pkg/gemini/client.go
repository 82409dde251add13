// Package gemini wraps the google.golang.org/genai SDK behind the narrow
// generation interface the extraction pipeline needs.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.0-flash"

// Client performs content generation against the Gemini API.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is our own request type for Generate.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	// JSON constrains output to the application/json MIME type.
	JSON bool
}

// GenerateResponse is our own response type from Generate.
type GenerateResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// APIError carries the HTTP status of a failed API call.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: api status %d: %s", e.StatusCode, e.Message)
}

type sdkClient struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini client backed by the official GenAI SDK.
func NewClient(ctx context.Context, apiKey, model string) (Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	if model == "" {
		model = defaultModel
	}
	return &sdkClient{client: client, model: model}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), config)
	if err != nil {
		var apierr genai.APIError
		if errors.As(err, &apierr) {
			return nil, &APIError{StatusCode: apierr.Code, Message: apierr.Message}
		}
		return nil, eris.Wrap(err, "gemini: generate content")
	}

	out := &GenerateResponse{Text: result.Text(), Model: model}
	if result.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}
