package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/frandata/fddpipe/internal/digest"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/resolver"
)

// Registration is the outcome of registering one raw document.
type Registration struct {
	// FDDID is the id to use for this content: the new FDD, or the existing
	// primary when the bytes were already registered.
	FDDID string
	// Duplicate is true when the content hash matched an existing filing.
	Duplicate bool
	// Resolution is the entity-resolution outcome; nil for duplicates.
	Resolution *model.Resolution
	// Superseded lists older filings now superseded by this one.
	Superseded []string
}

// RegisterDocument ingests one raw document: hash dedup, entity resolution,
// object storage, FDD row, and lineage. Registering the same bytes twice is
// idempotent and returns the existing FDD's id. The content hash is held
// under a keyed lock for the whole check-then-create window.
func (s *Scheduler) RegisterDocument(ctx context.Context, raw *model.RawDocument) (*Registration, error) {
	if len(raw.Bytes) == 0 {
		return nil, resilience.Permanent(eris.New("scheduler: empty document"))
	}
	if raw.FranchisorName == "" {
		return nil, resilience.Permanent(eris.New("scheduler: missing franchisor name"))
	}

	hash := digest.Bytes(raw.Bytes)
	unlock := s.hashLocks.Lock(hash)
	defer unlock()

	retry := s.retry(model.StageRegister)

	existingID, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return s.deps.Resolver.CheckDuplicate(ctx, hash)
	})
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: duplicate check")
	}
	if existingID != "" {
		if err := s.recordDuplicate(ctx, raw, hash, existingID); err != nil {
			return nil, err
		}
		zap.L().Info("register: duplicate content",
			zap.String("hash", hash),
			zap.String("existing_fdd", existingID),
		)
		return &Registration{FDDID: existingID, Duplicate: true}, nil
	}

	resolution, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.Resolution, error) {
		return s.deps.Resolver.Resolve(ctx, raw.FranchisorName, contactOf(raw))
	})
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: resolve franchisor")
	}

	pages, err := s.deps.PDF.PageCount(ctx, raw.Bytes)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: page count")
	}

	path := digest.RawPath(raw.SourceState, raw.FranchisorName, raw.IssueDate.Year(), hash)
	exists, err := s.deps.Objects.Exists(ctx, path)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: probe object")
	}
	if !exists {
		if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
			return s.deps.Objects.Put(ctx, path, raw.Bytes)
		}); err != nil {
			return nil, eris.Wrap(err, "scheduler: store raw pdf")
		}
	}

	fdd := &model.FDD{
		ID:               uuid.NewString(),
		FranchisorID:     resolution.FranchisorID,
		IssueDate:        raw.IssueDate,
		AmendmentDate:    raw.AmendmentDate,
		DocumentType:     raw.DocumentType,
		FilingState:      raw.SourceState,
		StoragePath:      path,
		ContentHash:      hash,
		TotalPages:       pages,
		ProcessingStatus: model.ProcessingPending,
	}
	if err := s.deps.Store.CreateFDD(ctx, fdd); err != nil {
		return nil, eris.Wrap(err, "scheduler: create fdd")
	}

	if findings := s.deps.Validator.ValidateFDD(fdd); len(findings) > 0 {
		if err := s.deps.Store.SaveValidationErrors(ctx, "fdd", fdd.ID, findings); err != nil {
			zap.L().Warn("register: failed to record document findings",
				zap.String("fdd_id", fdd.ID),
				zap.Error(err),
			)
		}
	}

	if resolution.Kind == model.MatchNeedsReview {
		if err := s.deps.Store.SaveValidationErrors(ctx, "fdd", fdd.ID, reviewFindings(resolution)); err != nil {
			zap.L().Warn("register: failed to record review candidates",
				zap.String("fdd_id", fdd.ID),
				zap.Error(err),
			)
		}
	}

	lineage, err := s.deps.Resolver.ResolveLineage(ctx, fdd)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: resolve lineage")
	}

	zap.L().Info("register: document registered",
		zap.String("fdd_id", fdd.ID),
		zap.String("franchisor_id", resolution.FranchisorID),
		zap.String("match", string(resolution.Kind)),
		zap.Int("pages", pages),
		zap.Int("superseded", len(lineage.Superseded)),
	)
	return &Registration{
		FDDID:      fdd.ID,
		Resolution: resolution,
		Superseded: lineage.Superseded,
	}, nil
}

// recordDuplicate writes a metadata-only FDD row pointing at the primary so
// the filing's provenance (state, portal dates) is preserved. No object is
// stored and the row is never scheduled.
func (s *Scheduler) recordDuplicate(ctx context.Context, raw *model.RawDocument, hash, primaryID string) error {
	primary, err := s.deps.Store.GetFDD(ctx, primaryID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: load primary %s", primaryID)
	}
	dup := &model.FDD{
		ID:               uuid.NewString(),
		FranchisorID:     primary.FranchisorID,
		IssueDate:        raw.IssueDate,
		AmendmentDate:    raw.AmendmentDate,
		DocumentType:     raw.DocumentType,
		FilingState:      raw.SourceState,
		StoragePath:      primary.StoragePath,
		ContentHash:      hash,
		TotalPages:       primary.TotalPages,
		ProcessingStatus: model.ProcessingCompleted,
		DuplicateOf:      &primaryID,
	}
	if err := s.deps.Store.CreateFDD(ctx, dup); err != nil {
		return eris.Wrap(err, "scheduler: record duplicate")
	}
	return nil
}

// RegisterBatch registers documents concurrently under the register stage
// cap. Results and errors are aligned with docs; one document's failure does
// not stop the rest.
func (s *Scheduler) RegisterBatch(ctx context.Context, docs []*model.RawDocument) ([]*Registration, []error) {
	results := make([]*Registration, len(docs))
	errs := make([]error, len(docs))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers.Register)

	for i, doc := range docs {
		g.Go(func() error {
			reg, err := s.RegisterDocument(ctx, doc)
			mu.Lock()
			results[i], errs[i] = reg, err
			mu.Unlock()
			if err != nil {
				zap.L().Error("register: document failed",
					zap.String("franchisor", doc.FranchisorName),
					zap.String("source_url", doc.SourceURL),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	g.Wait()
	return results, errs
}

// reviewFindings turns a needs-review resolution into stored findings, one
// per candidate, so the review queue survives the registering process.
func reviewFindings(res *model.Resolution) []model.ValidationError {
	findings := make([]model.ValidationError, 0, len(res.Candidates))
	for _, m := range res.Candidates {
		findings = append(findings, model.ValidationError{
			FieldPath: "franchisor_id",
			Severity:  model.SeverityWarning,
			Category:  model.CategoryReference,
			Actual:    res.FranchisorID,
			Expected:  m.Franchisor.ID,
			Message:   fmt.Sprintf("tentative franchisor resembles %q (similarity %.3f); reconcile or confirm", m.Franchisor.CanonicalName, m.Similarity),
		})
	}
	return findings
}

func contactOf(raw *model.RawDocument) resolver.Contact {
	return resolver.Contact{
		ParentCompany: raw.PortalMetadata["parent_company"],
		Phone:         raw.PortalMetadata["phone"],
		Email:         raw.PortalMetadata["email"],
		Website:       raw.PortalMetadata["website"],
	}
}
