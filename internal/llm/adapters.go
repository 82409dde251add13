package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/frandata/fddpipe/internal/cost"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/pkg/anthropic"
	"github.com/frandata/fddpipe/pkg/gemini"
	"github.com/frandata/fddpipe/pkg/localllm"
)

// Provider names used in routing configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderLocal     = "local"
)

// classifyStatus maps an API HTTP status onto the pipeline error taxonomy.
func classifyStatus(err error, status int) error {
	switch {
	case status == 429:
		return resilience.RateLimited(err, 30*time.Second)
	case resilience.IsTransientHTTPStatus(status) || status == 529:
		return resilience.Transient(err, status)
	default:
		return resilience.Permanent(err)
	}
}

// AnthropicProvider adapts the Anthropic client, the high-capacity model.
type AnthropicProvider struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
	calc    *cost.Calculator
}

// NewAnthropic creates the high-capacity provider.
func NewAnthropic(client anthropic.Client, model string, limiter *rate.Limiter, calc *cost.Calculator) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model, limiter: limiter, calc: calc}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: anthropic limiter")
	}

	msgReq := anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	if req.System != "" {
		msgReq.System = []anthropic.SystemBlock{{Text: req.System, CacheControl: &anthropic.CacheControl{TTL: "5m"}}}
	}

	resp, err := p.client.CreateMessage(ctx, msgReq)
	if err != nil {
		var apierr *anthropic.APIError
		if errors.As(err, &apierr) {
			return nil, classifyStatus(err, apierr.StatusCode)
		}
		return nil, err
	}

	in := int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens)
	out := int(resp.Usage.OutputTokens)
	return &Response{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD: p.calc.Claude(resp.Model,
			int(resp.Usage.InputTokens), out,
			int(resp.Usage.CacheCreationInputTokens), int(resp.Usage.CacheReadInputTokens)),
	}, nil
}

// GeminiProvider adapts the Gemini client, the secondary hosted model.
type GeminiProvider struct {
	client  gemini.Client
	model   string
	limiter *rate.Limiter
	calc    *cost.Calculator
}

// NewGemini creates the secondary provider.
func NewGemini(client gemini.Client, model string, limiter *rate.Limiter, calc *cost.Calculator) *GeminiProvider {
	return &GeminiProvider{client: client, model: model, limiter: limiter, calc: calc}
}

func (p *GeminiProvider) Name() string { return ProviderGemini }

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: gemini limiter")
	}

	resp, err := p.client.Generate(ctx, gemini.GenerateRequest{
		Model:       p.model,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSON:        req.JSON,
	})
	if err != nil {
		var apierr *gemini.APIError
		if errors.As(err, &apierr) {
			return nil, classifyStatus(err, apierr.StatusCode)
		}
		return nil, err
	}

	return &Response{
		Text:         resp.Text,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      p.calc.Gemini(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

// LocalProvider adapts an OpenAI-compatible local endpoint, used for the
// table-heavy items where a small model is sufficient.
type LocalProvider struct {
	client  localllm.Client
	model   string
	limiter *rate.Limiter
}

// NewLocal creates the local provider. Local inference costs nothing.
func NewLocal(client localllm.Client, model string, limiter *rate.Limiter) *LocalProvider {
	return &LocalProvider{client: client, model: model, limiter: limiter}
}

func (p *LocalProvider) Name() string { return ProviderLocal }

func (p *LocalProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: local limiter")
	}

	var msgs []localllm.Message
	if req.System != "" {
		msgs = append(msgs, localllm.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, localllm.Message{Role: "user", Content: req.Prompt})

	chatReq := localllm.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = &req.MaxTokens
	}
	if req.JSON {
		chatReq.ResponseFormat = &localllm.ResponseFormat{Type: "json_object"}
	}

	resp, err := p.client.ChatCompletion(ctx, chatReq)
	if err != nil {
		var apierr *localllm.APIError
		if errors.As(err, &apierr) {
			return nil, classifyStatus(err, apierr.StatusCode)
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, resilience.Transient(eris.New("llm: local response has no choices"), 0)
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
