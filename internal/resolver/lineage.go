package resolver

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/store"
)

// LineageOutcome describes what lineage resolution decided for a new FDD.
type LineageOutcome struct {
	// DuplicateOf is set when the new FDD's content hash matches an
	// existing non-duplicate filing; the new FDD must not be processed.
	DuplicateOf string
	// Superseded lists older FDD ids whose superseded_by now points at the
	// new FDD.
	Superseded []string
}

// CheckDuplicate returns the id of an existing non-duplicate FDD with the
// same content hash, or "" when the hash is new.
func (r *Resolver) CheckDuplicate(ctx context.Context, contentHash string) (string, error) {
	existing, err := r.store.GetFDDByHash(ctx, contentHash)
	if eris.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "resolver: lookup by hash")
	}
	return existing.ID, nil
}

// ResolveLineage determines supersession for a newly registered FDD. An
// amendment always supersedes the franchisor's current latest filing; an
// initial or renewal supersedes filings with a strictly earlier issue date.
// The new FDD must already be persisted.
func (r *Resolver) ResolveLineage(ctx context.Context, newFDD *model.FDD) (*LineageOutcome, error) {
	out := &LineageOutcome{}

	siblings, err := r.store.ListFDDsByFranchisor(ctx, newFDD.FranchisorID)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: list franchisor fdds")
	}

	for _, sib := range siblings {
		if sib.ID == newFDD.ID || sib.DuplicateOf != nil || sib.SupersededBy != nil {
			continue
		}
		supersede := false
		switch {
		case newFDD.DocumentType == model.DocAmendment:
			supersede = true
		case sib.IssueDate.Before(newFDD.IssueDate):
			supersede = true
		}
		if !supersede {
			continue
		}
		if err := r.store.SetSupersededBy(ctx, sib.ID, newFDD.ID); err != nil {
			return nil, eris.Wrapf(err, "resolver: supersede %s", sib.ID)
		}
		out.Superseded = append(out.Superseded, sib.ID)
		zap.L().Info("lineage: superseded older filing",
			zap.String("old_fdd", sib.ID),
			zap.String("new_fdd", newFDD.ID),
		)
	}

	return out, nil
}

// Latest follows superseded_by pointers from an FDD to the current filing.
// The walk is depth-bounded to defend against accidental cycles.
func (r *Resolver) Latest(ctx context.Context, fddID string) (*model.FDD, error) {
	id := fddID
	for depth := 0; depth < model.LineageDepthLimit; depth++ {
		fdd, err := r.store.GetFDD(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: load fdd %s", id)
		}
		next := fdd.SupersededBy
		if next == nil && fdd.DuplicateOf != nil {
			next = fdd.DuplicateOf
		}
		if next == nil || *next == fdd.ID {
			return fdd, nil
		}
		id = *next
	}
	return nil, eris.Errorf("resolver: lineage depth limit exceeded from %s", fddID)
}
