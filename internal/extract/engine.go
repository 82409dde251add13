package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/llm"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
)

// EngineConfig controls the extraction call loop.
type EngineConfig struct {
	// MaxAttempts caps total provider calls per section, across the
	// fallback chain. Default 3.
	MaxAttempts int
	// CallTimeout bounds each individual provider call. Default 90s.
	CallTimeout time.Duration
	// MaxTokens is the completion ceiling per call. Default 4096.
	MaxTokens int
}

// Engine extracts one section at a time through the routed provider chain.
type Engine struct {
	router  *llm.Router
	budget  *llm.Budget
	prompts *PromptSet
	cfg     EngineConfig
}

// NewEngine creates an extraction engine.
func NewEngine(router *llm.Router, budget *llm.Budget, prompts *PromptSet, cfg EngineConfig) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 90 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Engine{router: router, budget: budget, prompts: prompts, cfg: cfg}
}

// zeroTemp pins extraction calls to deterministic sampling.
var zeroTemp = 0.0

// ExtractSection runs a section's text through its provider chain and parses
// the response. A failed parse escalates to the next provider; transient
// provider errors burn an attempt and fall through the chain the same way.
// Budget exhaustion aborts immediately so the section can be marked Skipped.
func (e *Engine) ExtractSection(ctx context.Context, doc Doc, section *model.Section, sectionText string) (*model.ExtractionResult, error) {
	if err := e.budget.Check(ctx, doc.FDDID); err != nil {
		return nil, err
	}

	chain := e.router.ChainFor(section.ItemNo)
	if len(chain) == 0 {
		return nil, resilience.Fatal(eris.Errorf("extract: no providers routed for item %d", section.ItemNo))
	}

	system, prompt, err := e.prompts.Render(section.ItemNo, doc, sectionText)
	if err != nil {
		return nil, err
	}
	req := llm.Request{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: &zeroTemp,
		JSON:        true,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		idx := attempt - 1
		if idx >= len(chain) {
			idx = len(chain) - 1
		}
		provider := chain[idx]

		resp, callErr := e.complete(ctx, provider, req)
		if callErr != nil {
			if resilience.KindOf(callErr) == resilience.KindBudget {
				return nil, callErr
			}
			lastErr = callErr
			zap.L().Warn("extract: provider call failed",
				zap.String("fdd_id", doc.FDDID),
				zap.Int("item_no", section.ItemNo),
				zap.String("provider", provider.Name()),
				zap.Int("attempt", attempt),
				zap.Error(callErr),
			)
			continue
		}

		// Tokens were spent whether or not the response parses.
		if berr := e.budget.Record(ctx, doc.FDDID, resp); berr != nil {
			if resilience.KindOf(berr) != resilience.KindBudget {
				return nil, berr
			}
			zap.L().Warn("extract: document crossed token budget",
				zap.String("fdd_id", doc.FDDID),
				zap.Int("item_no", section.ItemNo),
			)
		}

		result, perr := ParseResponse(section.ItemNo, resp.Text)
		if perr != nil {
			lastErr = perr
			zap.L().Warn("extract: schema-invalid response, escalating",
				zap.String("fdd_id", doc.FDDID),
				zap.Int("item_no", section.ItemNo),
				zap.String("provider", provider.Name()),
				zap.Int("attempt", attempt),
			)
			continue
		}

		result.Meta = model.ExtractionMeta{
			Model:         resp.Model,
			PromptVersion: e.prompts.Version(),
			InputTokens:   resp.InputTokens,
			OutputTokens:  resp.OutputTokens,
			Attempts:      attempt,
			Confidence:    confidenceFor(attempt),
		}
		return result, nil
	}

	return nil, eris.Wrapf(lastErr, "extract: item %d exhausted %d attempts", section.ItemNo, e.cfg.MaxAttempts)
}

func (e *Engine) complete(ctx context.Context, p llm.Provider, req llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return p.Complete(callCtx, req)
}

// confidenceFor discounts extraction confidence by how many attempts the
// section needed.
func confidenceFor(attempt int) float64 {
	c := 1.0 - 0.15*float64(attempt-1)
	if c < 0.5 {
		c = 0.5
	}
	return c
}
