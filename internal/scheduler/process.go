package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/frandata/fddpipe/internal/extract"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
)

// timeoutReason is the failure reason recorded when a document blows its
// processing deadline.
const timeoutReason = "Timeout"

// ProcessPending drives every Pending document (plus Processing documents
// left behind by an interrupted run) through segmentation, extraction,
// validation, and storage. Each document gets its own deadline; cancelling
// ctx stops scheduling new work and leaves in-flight documents resumable.
func (s *Scheduler) ProcessPending(ctx context.Context, limit int) (*model.ProcessingRun, error) {
	run, err := s.deps.Store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: create run")
	}

	pending, err := s.deps.Store.ListFDDsByStatus(ctx, model.ProcessingPending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list pending")
	}
	stale, err := s.deps.Store.ListFDDsByStatus(ctx, model.ProcessingProcessing, limit)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list interrupted")
	}
	docs := append(pending, stale...)

	zap.L().Info("process: run started",
		zap.String("run_id", run.ID),
		zap.Int("pending", len(pending)),
		zap.Int("resumed", len(stale)),
	)

	var mu sync.Mutex
	counts := map[string]int{"scheduled": len(docs)}
	bump := func(key string) {
		mu.Lock()
		counts[key]++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers.Extract)

	for i := range docs {
		fdd := docs[i]
		g.Go(func() error {
			docCtx, cancel := context.WithTimeout(ctx, s.cfg.DocumentDeadline)
			err := s.processOne(docCtx, &fdd)
			cancel()

			switch {
			case err == nil:
				bump("completed")
			case ctx.Err() != nil:
				// Run cancelled: the document stays Processing and the next
				// run picks it up where it left off.
				bump("interrupted")
			case errors.Is(err, context.DeadlineExceeded):
				s.failDoc(context.WithoutCancel(ctx), fdd.ID, timeoutReason)
				bump("timeout")
			default:
				zap.L().Error("process: document failed",
					zap.String("fdd_id", fdd.ID),
					zap.Error(err),
				)
				bump("failed")
			}
			return nil
		})
	}
	g.Wait()

	finishCtx := context.WithoutCancel(ctx)
	if err := s.deps.Store.FinishRun(finishCtx, run.ID, counts); err != nil {
		return nil, eris.Wrap(err, "scheduler: finish run")
	}
	run.Counts = counts

	zap.L().Info("process: run finished",
		zap.String("run_id", run.ID),
		zap.Any("counts", counts),
	)
	return run, nil
}

// processOne takes a single document from its current state to a terminal
// one. Every step is idempotent so a document interrupted at any point can
// re-enter here.
func (s *Scheduler) processOne(ctx context.Context, fdd *model.FDD) error {
	if fdd.ProcessingStatus == model.ProcessingPending {
		if err := s.deps.Store.UpdateFDDStatus(ctx, fdd.ID, model.ProcessingProcessing, ""); err != nil {
			return eris.Wrapf(err, "scheduler: mark processing %s", fdd.ID)
		}
	}

	fetchCtx, cancelFetch := s.fetchCtx(ctx)
	raw, err := s.deps.Objects.Get(fetchCtx, fdd.StoragePath)
	cancelFetch()
	if err != nil {
		return eris.Wrapf(err, "scheduler: fetch raw pdf of %s", fdd.ID)
	}

	sections, err := s.deps.Store.ListSections(ctx, fdd.ID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: list sections of %s", fdd.ID)
	}
	if len(sections) == 0 {
		sections, err = s.segment(ctx, fdd, raw)
		if err != nil {
			if ctx.Err() == nil && resilience.KindOf(err) == resilience.KindPermanent {
				s.failDoc(ctx, fdd.ID, "segmentation failed: "+eris.Cause(err).Error())
			}
			return err
		}
	}

	doc := extract.Doc{FDDID: fdd.ID, IssueYear: fdd.IssueDate.Year()}
	if fr, err := s.deps.Store.GetFranchisor(ctx, fdd.FranchisorID); err != nil {
		zap.L().Warn("process: franchisor lookup failed, prompts lose document context",
			zap.String("fdd_id", fdd.ID),
			zap.String("franchisor_id", fdd.FranchisorID),
			zap.Error(err),
		)
	} else {
		doc.FranchisorName = fr.CanonicalName
	}

	results := s.extractAll(ctx, doc, fdd, raw, sections)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.validateAndPersist(ctx, fdd, sections, results); err != nil {
		return err
	}

	if _, err := s.deps.Storage.FinalizeIfDone(ctx, fdd.ID); err != nil {
		return eris.Wrapf(err, "scheduler: finalize %s", fdd.ID)
	}
	return nil
}

// segment runs layout analysis and section detection, slices each section
// into its own PDF, and persists the section rows. Bounded by the segment
// stage cap.
func (s *Scheduler) segment(ctx context.Context, fdd *model.FDD, raw []byte) ([]model.Section, error) {
	release, err := acquire(ctx, s.segmentSem)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := resilience.DoVal(ctx, s.retry(model.StageSegment), func(ctx context.Context) (*model.LayoutRecord, error) {
		return s.deps.Layout.Analyze(ctx, raw)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: layout analysis of %s", fdd.ID)
	}

	res, err := s.deps.Detector.Detect(*rec, fdd.TotalPages)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: detect sections of %s", fdd.ID)
	}

	sections := res.Sections
	for i := range sections {
		sections[i].FDDID = fdd.ID

		sliced, err := s.deps.PDF.SlicePages(ctx, raw, sections[i].StartPage, sections[i].EndPage)
		if err != nil {
			return nil, eris.Wrapf(err, "scheduler: slice item %d of %s", sections[i].ItemNo, fdd.ID)
		}
		path := model.SectionPath(fdd.ID, sections[i].ItemNo)
		if err := s.deps.Objects.Put(ctx, path, sliced); err != nil {
			return nil, eris.Wrapf(err, "scheduler: store section pdf %s", path)
		}
		sections[i].StoragePath = path
	}

	if err := s.deps.Store.CreateSections(ctx, sections); err != nil {
		return nil, eris.Wrapf(err, "scheduler: create sections of %s", fdd.ID)
	}

	zap.L().Info("segment: sections created",
		zap.String("fdd_id", fdd.ID),
		zap.Int("sections", len(sections)),
		zap.Int("located", res.Located),
		zap.Bool("fallback", res.Fallback),
	)
	return sections, nil
}

// extractAll runs extraction for every non-terminal section under the
// extract stage cap. Budget exhaustion skips the section, permanent errors
// fail it, and cancellation leaves it non-terminal for the next run.
func (s *Scheduler) extractAll(ctx context.Context, doc extract.Doc, fdd *model.FDD, raw []byte, sections []model.Section) map[int]*model.ExtractionResult {
	results := make(map[int]*model.ExtractionResult)

	var mu sync.Mutex
	var g errgroup.Group

	for i := range sections {
		sec := sections[i]
		if sec.ExtractionStatus.Terminal() {
			continue
		}
		g.Go(func() error {
			release, err := acquire(ctx, s.extractSem)
			if err != nil {
				return nil
			}
			defer release()

			sec.ExtractionStatus = model.ExtractionProcessing
			if upErr := s.deps.Store.UpdateSection(ctx, &sec); upErr != nil {
				zap.L().Warn("extract: processing transition failed", zap.String("section_id", sec.ID), zap.Error(upErr))
			}

			text, err := s.deps.PDF.PageText(ctx, raw, sec.StartPage, sec.EndPage)
			if err == nil {
				var res *model.ExtractionResult
				res, err = resilience.DoVal(ctx, s.retry(model.StageExtract), func(ctx context.Context) (*model.ExtractionResult, error) {
					return s.deps.Extractor.ExtractSection(ctx, doc, &sec, text)
				})
				if err == nil {
					mu.Lock()
					results[sec.ItemNo] = res
					mu.Unlock()
					return nil
				}
			}

			switch {
			case ctx.Err() != nil:
				// Deadline or cancellation: stay non-terminal for resume.
			case resilience.KindOf(err) == resilience.KindBudget:
				if skipErr := s.deps.Storage.MarkSkipped(ctx, sec, "token budget exhausted"); skipErr != nil {
					zap.L().Error("extract: skip transition failed", zap.String("section_id", sec.ID), zap.Error(skipErr))
				}
			default:
				if failErr := s.deps.Storage.MarkFailed(ctx, sec, err); failErr != nil {
					zap.L().Error("extract: fail transition failed", zap.String("section_id", sec.ID), zap.Error(failErr))
				}
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// validateAndPersist validates and stores the extracted sections in item
// order, so cross-item rules always see their sibling results and writes for
// one document never interleave per item.
func (s *Scheduler) validateAndPersist(ctx context.Context, fdd *model.FDD, sections []model.Section, results map[int]*model.ExtractionResult) error {
	ordered := append([]model.Section(nil), sections...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ItemNo < ordered[j].ItemNo })

	for _, sec := range ordered {
		res := results[sec.ItemNo]
		if res == nil {
			continue
		}

		release, err := acquire(ctx, s.validateSem)
		if err != nil {
			return err
		}
		out, err := s.deps.Validator.ValidateSection(ctx, fdd, &sec, res, results)
		release()
		if err != nil {
			return eris.Wrapf(err, "scheduler: validate item %d of %s", sec.ItemNo, fdd.ID)
		}

		release, err = acquire(ctx, s.storeSem)
		if err != nil {
			return err
		}
		err = s.deps.Storage.Persist(ctx, fdd, sec, res, out)
		release()
		if err != nil {
			return eris.Wrapf(err, "scheduler: persist item %d of %s", sec.ItemNo, fdd.ID)
		}
	}
	return nil
}

func (s *Scheduler) failDoc(ctx context.Context, fddID, reason string) {
	if err := s.deps.Store.UpdateFDDStatus(ctx, fddID, model.ProcessingFailed, reason); err != nil {
		zap.L().Error("process: failed to record document failure",
			zap.String("fdd_id", fddID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
