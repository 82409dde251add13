package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/frandata/fddpipe/internal/cost"
	"github.com/frandata/fddpipe/internal/detector"
	"github.com/frandata/fddpipe/internal/extract"
	"github.com/frandata/fddpipe/internal/layout"
	"github.com/frandata/fddpipe/internal/llm"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/objstore"
	"github.com/frandata/fddpipe/internal/pdfutil"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/resolver"
	"github.com/frandata/fddpipe/internal/scheduler"
	"github.com/frandata/fddpipe/internal/storage"
	"github.com/frandata/fddpipe/internal/store"
	"github.com/frandata/fddpipe/internal/validate"
	anthropicpkg "github.com/frandata/fddpipe/pkg/anthropic"
	"github.com/frandata/fddpipe/pkg/embedding"
	"github.com/frandata/fddpipe/pkg/gemini"
	"github.com/frandata/fddpipe/pkg/localllm"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "fddpipe.db"
		}
		return store.OpenSQLite(dsn)
	case "postgres":
		return store.Connect(ctx, cfg.Store.DatabaseURL, store.PoolConfig{
			MaxConns:  cfg.Store.MaxConns,
			MinConns:  cfg.Store.MinConns,
			TxTimeout: secs(cfg.Store.TxTimeoutSecs),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// buildScheduler wires the full pipeline over an open store.
func buildScheduler(ctx context.Context, st store.Store) (*scheduler.Scheduler, error) {
	objects, err := objstore.NewFSStore(cfg.ObjectStore.Root)
	if err != nil {
		return nil, eris.Wrap(err, "init object store")
	}

	embedder := embedding.NewClient(cfg.Embedding.Key,
		embedding.WithBaseURL(cfg.Embedding.BaseURL),
		embedding.WithHTTPClient(&http.Client{Timeout: secs(cfg.Embedding.TimeoutSecs)}),
	)
	res := resolver.New(st, embedder, resolver.Config{
		HighThreshold:   cfg.Similarity.HighThreshold,
		ReviewThreshold: cfg.Similarity.ReviewThreshold,
		TopK:            cfg.Similarity.TopK,
	})

	analyzer := layout.NewHTTPAnalyzer(cfg.Layout.BaseURL,
		layout.WithHTTPClient(&http.Client{Timeout: secs(cfg.Layout.TimeoutSecs)}),
	)

	engine, err := buildEngine(ctx, st)
	if err != nil {
		return nil, err
	}

	deps := scheduler.Deps{
		Store:    st,
		Objects:  objects,
		Resolver: res,
		Layout:   analyzer,
		Detector: detector.New(cfg.Detector.MinAnchorsRequired),
		PDF: pdfutil.NewReader(pdfutil.Tools{
			PdfInfo:   cfg.PDF.PdfInfoPath,
			PdfToText: cfg.PDF.PdfToTextPath,
			Qpdf:      cfg.PDF.QpdfPath,
		}, ""),
		Extractor: engine,
		Validator: validate.New(st, cfg.Validation.OutlierSigma),
		Storage:   storage.NewRouter(st),
	}

	return scheduler.New(deps, scheduler.Config{
		Workers: scheduler.Workers{
			Register: cfg.Concurrency.Register,
			Segment:  cfg.Concurrency.Segment,
			Extract:  cfg.Concurrency.Extract,
			Validate: cfg.Concurrency.Validate,
			Store:    cfg.Concurrency.Store,
		},
		DocumentDeadline: secs(cfg.Document.DeadlineSecs),
		FetchTimeout:     secs(cfg.ObjectStore.FetchTimeoutSecs),
		StageRetry:       stageRetry,
	}), nil
}

// buildEngine assembles the routed extraction engine over the configured
// providers. Providers without credentials are left out of the chain.
func buildEngine(ctx context.Context, st store.Store) (*extract.Engine, error) {
	calc := cost.NewCalculator(cost.DefaultRates())

	var providers []llm.Provider
	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		limiter := rate.NewLimiter(rate.Limit(cfg.Anthropic.RPS), cfg.Anthropic.Burst)
		providers = append(providers, llm.NewAnthropic(client, cfg.Anthropic.Model, limiter, calc))
	}
	if cfg.Gemini.Key != "" {
		client, err := gemini.NewClient(ctx, cfg.Gemini.Key, cfg.Gemini.Model)
		if err != nil {
			return nil, eris.Wrap(err, "init gemini")
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.Gemini.RPS), cfg.Gemini.Burst)
		providers = append(providers, llm.NewGemini(client, cfg.Gemini.Model, limiter, calc))
	}
	if cfg.LocalLLM.BaseURL != "" {
		client := localllm.NewClient(
			localllm.WithBaseURL(cfg.LocalLLM.BaseURL),
			localllm.WithModel(cfg.LocalLLM.Model),
		)
		limiter := rate.NewLimiter(rate.Limit(cfg.LocalLLM.RPS), cfg.LocalLLM.Burst)
		providers = append(providers, llm.NewLocal(client, cfg.LocalLLM.Model, limiter))
	}
	if len(providers) == 0 {
		return nil, eris.New("no LLM providers configured (set FDD_ANTHROPIC_KEY, FDD_GEMINI_KEY, or FDD_LOCAL_LLM_BASE_URL)")
	}

	prompts, err := extract.LoadPrompts()
	if err != nil {
		return nil, eris.Wrap(err, "load prompts")
	}

	router := llm.NewRouter(providers, cfg.LLM.Routing)
	budget := llm.NewBudget(st, cfg.LLM.PerDocumentTokens)

	return extract.NewEngine(router, budget, prompts, extract.EngineConfig{
		MaxAttempts: cfg.LLM.MaxAttemptsPerSection,
		CallTimeout: secs(cfg.LLM.CallTimeoutSecs),
	}), nil
}

func stageRetry(stage model.Stage) resilience.RetryConfig {
	r := cfg.StageRetry(string(stage))
	return resilience.RetryConfig{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      r.BaseDelay(),
		MaxDelay:       r.MaxDelay(),
		Factor:         r.Factor,
		JitterFraction: 0.25,
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
