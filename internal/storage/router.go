// Package storage persists validated extraction results and drives section
// and document status transitions. Row-level routing between normalized and
// JSON tables happens inside the store's transactional SaveSection; this
// package decides what gets saved and when a document is finished.
package storage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/store"
	"github.com/frandata/fddpipe/internal/validate"
)

// Router persists section outcomes.
type Router struct {
	store store.Store
	now   func() time.Time
}

// NewRouter creates a storage router.
func NewRouter(st store.Store) *Router {
	return &Router{store: st, now: time.Now}
}

// Persist writes one validated section outcome in a single transaction. A
// blocking validation outcome fails the section and stores only the findings;
// otherwise the result rows, the status transition, and any findings commit
// together.
func (r *Router) Persist(ctx context.Context, fdd *model.FDD, section model.Section, res *model.ExtractionResult, out *validate.Outcome) error {
	now := r.now()
	section.AttemptCount = res.Meta.Attempts
	section.ExtractionModel = res.Meta.Model
	section.Confidence = res.Meta.Confidence
	section.ExtractedAt = &now

	save := store.SectionSave{Section: section, Errors: out.Errors}
	if out.Block {
		save.Section.ExtractionStatus = model.ExtractionFailed
		zap.L().Warn("storage: section failed validation",
			zap.String("fdd_id", fdd.ID),
			zap.Int("item_no", section.ItemNo),
			zap.Int("findings", len(out.Errors)),
		)
	} else {
		save.Section.ExtractionStatus = model.ExtractionSuccess
		save.Section.NeedsReview = section.NeedsReview || out.NeedsReview
		save.Result = res
	}

	if err := r.store.SaveSection(ctx, save); err != nil {
		return eris.Wrapf(err, "storage: save section %d of %s", section.ItemNo, fdd.ID)
	}
	return nil
}

// MarkSkipped transitions a section to Skipped, used when the document's
// token budget ran out before the section was extracted.
func (r *Router) MarkSkipped(ctx context.Context, section model.Section, reason string) error {
	section.ExtractionStatus = model.ExtractionSkipped
	if err := r.store.UpdateSection(ctx, &section); err != nil {
		return eris.Wrapf(err, "storage: skip section %s", section.ID)
	}
	zap.L().Info("storage: section skipped",
		zap.String("section_id", section.ID),
		zap.Int("item_no", section.ItemNo),
		zap.String("reason", reason),
	)
	return nil
}

// MarkFailed transitions a section to Failed without a stored result, used
// when extraction exhausted its attempts.
func (r *Router) MarkFailed(ctx context.Context, section model.Section, cause error) error {
	section.ExtractionStatus = model.ExtractionFailed
	if err := r.store.UpdateSection(ctx, &section); err != nil {
		return eris.Wrapf(err, "storage: fail section %s", section.ID)
	}
	zap.L().Warn("storage: section failed",
		zap.String("section_id", section.ID),
		zap.Int("item_no", section.ItemNo),
		zap.Error(cause),
	)
	return nil
}

// FinalizeIfDone checks whether every section of the FDD reached a terminal
// state and, if so, recomputes the quality score and closes the document out
// as Completed, or Failed when every high-value section failed. Returns true
// once the document is terminal.
func (r *Router) FinalizeIfDone(ctx context.Context, fddID string) (bool, error) {
	sections, err := r.store.ListSections(ctx, fddID)
	if err != nil {
		return false, eris.Wrapf(err, "storage: list sections of %s", fddID)
	}
	if len(sections) == 0 {
		return false, nil
	}
	for _, s := range sections {
		if !s.ExtractionStatus.Terminal() {
			return false, nil
		}
	}

	score := validate.QualityScore(sections)
	if err := r.store.SetFDDQuality(ctx, fddID, score); err != nil {
		return false, eris.Wrapf(err, "storage: set quality of %s", fddID)
	}

	status := model.ProcessingCompleted
	reason := ""
	if validate.AllHighValueFailed(sections) {
		status = model.ProcessingFailed
		reason = "all high-value sections failed"
	}
	if err := r.store.UpdateFDDStatus(ctx, fddID, status, reason); err != nil {
		return false, eris.Wrapf(err, "storage: finalize %s", fddID)
	}

	zap.L().Info("storage: document finalized",
		zap.String("fdd_id", fddID),
		zap.String("status", string(status)),
		zap.Float64("quality_score", score),
	)
	return true, nil
}
