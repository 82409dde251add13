// Package scheduler drives documents through the pipeline stages with
// bounded per-stage concurrency, retries, per-document deadlines, and
// cooperative cancellation.
package scheduler

import (
	"context"
	"time"

	"github.com/frandata/fddpipe/internal/detector"
	"github.com/frandata/fddpipe/internal/extract"
	"github.com/frandata/fddpipe/internal/layout"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/objstore"
	"github.com/frandata/fddpipe/internal/pdfutil"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/resolver"
	"github.com/frandata/fddpipe/internal/storage"
	"github.com/frandata/fddpipe/internal/store"
	"github.com/frandata/fddpipe/internal/validate"
)

// Workers holds the per-stage concurrency caps.
type Workers struct {
	Register int
	Segment  int
	Extract  int
	Validate int
	Store    int
}

// DefaultWorkers returns the default stage caps.
func DefaultWorkers() Workers {
	return Workers{Register: 4, Segment: 2, Extract: 8, Validate: 8, Store: 4}
}

// Config controls scheduler behavior.
type Config struct {
	Workers Workers
	// DocumentDeadline caps the total processing time of one FDD across all
	// of its stages. Default 10 minutes.
	DocumentDeadline time.Duration
	// FetchTimeout bounds each object-store read of a raw document. Zero
	// leaves reads bounded only by the document deadline.
	FetchTimeout time.Duration
	// StageRetry supplies the retry policy per stage. Nil selects the
	// default policy for every stage.
	StageRetry func(stage model.Stage) resilience.RetryConfig
}

// Extractor produces a typed result for one section's text, given the
// document context rendered into prompts.
type Extractor interface {
	ExtractSection(ctx context.Context, doc extract.Doc, section *model.Section, sectionText string) (*model.ExtractionResult, error)
}

// Validator checks extraction results and document-level invariants.
type Validator interface {
	ValidateSection(ctx context.Context, fdd *model.FDD, section *model.Section, res *model.ExtractionResult, siblings map[int]*model.ExtractionResult) (*validate.Outcome, error)
	ValidateFDD(fdd *model.FDD) []model.ValidationError
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Store     store.Store
	Objects   objstore.Store
	Resolver  *resolver.Resolver
	Layout    layout.Analyzer
	Detector  *detector.Detector
	PDF       pdfutil.Reader
	Extractor Extractor
	Validator Validator
	Storage   *storage.Router
}

// Scheduler runs registration and processing over the pipeline stages.
type Scheduler struct {
	deps Deps
	cfg  Config

	hashLocks *keyedMutex

	segmentSem  chan struct{}
	extractSem  chan struct{}
	validateSem chan struct{}
	storeSem    chan struct{}
}

// New creates a scheduler.
func New(deps Deps, cfg Config) *Scheduler {
	if cfg.Workers == (Workers{}) {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.DocumentDeadline <= 0 {
		cfg.DocumentDeadline = 10 * time.Minute
	}
	if cfg.StageRetry == nil {
		cfg.StageRetry = func(model.Stage) resilience.RetryConfig {
			return resilience.DefaultRetryConfig()
		}
	}
	return &Scheduler{
		deps:        deps,
		cfg:         cfg,
		hashLocks:   newKeyedMutex(),
		segmentSem:  make(chan struct{}, cfg.Workers.Segment),
		extractSem:  make(chan struct{}, cfg.Workers.Extract),
		validateSem: make(chan struct{}, cfg.Workers.Validate),
		storeSem:    make(chan struct{}, cfg.Workers.Store),
	}
}

// acquire blocks until a stage slot is free or ctx is done.
func acquire(ctx context.Context, sem chan struct{}) (release func(), err error) {
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetchCtx bounds an object-store read when a fetch timeout is configured.
func (s *Scheduler) fetchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.FetchTimeout)
}

func (s *Scheduler) retry(stage model.Stage) resilience.RetryConfig {
	cfg := s.cfg.StageRetry(stage)
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(string(stage), "stage call")
	}
	return cfg
}
