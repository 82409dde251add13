// Package resolver maps extracted franchisor names onto canonical entities
// and maintains document lineage (duplicates and supersession).
package resolver

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/embed"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/store"
)

// Contact carries optional franchisor contact fields from the portal.
type Contact struct {
	ParentCompany string
	Phone         string
	Email         string
	Website       string
}

// Config holds the similarity thresholds.
type Config struct {
	HighThreshold   float64 // >= : link without review (default 0.94)
	ReviewThreshold float64 // >= : create tentative entity, flag review (default 0.85)
	TopK            int     // candidates fetched per lookup (default 5)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{HighThreshold: 0.94, ReviewThreshold: 0.85, TopK: 5}
}

// Resolver performs franchisor deduplication and identity resolution.
type Resolver struct {
	store    store.Store
	embedder embed.Provider
	cfg      Config
}

// New creates a resolver.
func New(st store.Store, embedder embed.Provider, cfg Config) *Resolver {
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = 0.94
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 0.85
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Resolver{store: st, embedder: embedder, cfg: cfg}
}

// Resolve maps a candidate name to a franchisor. The cascade:
//  1. Exact canonical-name match.
//  2. Embedding similarity >= high threshold: link to the best match.
//  3. Similarity in [review, high): create a tentative franchisor and
//     surface the candidates for human review.
//  4. Otherwise: create a new franchisor.
func (r *Resolver) Resolve(ctx context.Context, candidateName string, contact Contact) (*model.Resolution, error) {
	canonical := NormalizeName(candidateName)
	if canonical == "" {
		return nil, eris.New("resolver: empty candidate name")
	}

	// Pass 1: exact canonical-name match.
	existing, err := r.store.GetFranchisorByName(ctx, canonical)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, resilience.Transient(eris.Wrap(err, "resolver: lookup by name"), 0)
	}
	if existing != nil {
		zap.L().Debug("resolve: matched by canonical name",
			zap.String("name", canonical),
			zap.String("franchisor_id", existing.ID),
		)
		if candidateName != canonical {
			if err := r.store.AddAlternateName(ctx, existing.ID, candidateName); err != nil {
				zap.L().Warn("resolve: failed to record alternate name", zap.Error(err))
			}
		}
		if len(existing.NameEmbedding) == 0 {
			r.backfillEmbedding(ctx, existing.ID, canonical)
		}
		return &model.Resolution{FranchisorID: existing.ID, Kind: model.MatchExact}, nil
	}

	// Pass 2: embedding similarity.
	vec, err := r.embedder.Embed(ctx, canonical)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "resolver: embedding unavailable"), 0)
	}
	if err := embed.Check(vec); err != nil {
		return nil, eris.Wrap(err, "resolver: embed")
	}
	embed.Normalize(vec)

	matches, err := r.topK(ctx, vec)
	if err != nil {
		return nil, err
	}

	if len(matches) > 0 && matches[0].Similarity >= r.cfg.HighThreshold {
		best := matches[0]
		zap.L().Info("resolve: high-confidence match",
			zap.String("candidate", canonical),
			zap.String("franchisor_id", best.Franchisor.ID),
			zap.Float64("similarity", best.Similarity),
		)
		if err := r.store.AddAlternateName(ctx, best.Franchisor.ID, candidateName); err != nil {
			zap.L().Warn("resolve: failed to record alternate name", zap.Error(err))
		}
		return &model.Resolution{
			FranchisorID: best.Franchisor.ID,
			Kind:         model.MatchHighConfidence,
			Candidates:   matches,
		}, nil
	}

	// Pass 3/4: create. Medium similarity creates a tentative entity so the
	// document can proceed while humans reconcile.
	tentative := len(matches) > 0 && matches[0].Similarity >= r.cfg.ReviewThreshold
	created := &model.Franchisor{
		ID:            uuid.NewString(),
		CanonicalName: canonical,
		ParentCompany: contact.ParentCompany,
		Phone:         contact.Phone,
		Email:         contact.Email,
		Website:       contact.Website,
		NameEmbedding: vec,
		Tentative:     tentative,
	}
	if candidateName != canonical {
		created.AlternateNames = []string{candidateName}
	}
	if err := r.store.CreateFranchisor(ctx, created); err != nil {
		return nil, eris.Wrap(err, "resolver: create franchisor")
	}

	kind := model.MatchCreated
	var candidates []model.FranchisorMatch
	if tentative {
		kind = model.MatchNeedsReview
		candidates = matches
		zap.L().Info("resolve: medium-confidence match needs review",
			zap.String("candidate", canonical),
			zap.String("franchisor_id", created.ID),
			zap.Float64("top_similarity", matches[0].Similarity),
		)
	} else {
		zap.L().Info("resolve: created new franchisor",
			zap.String("name", canonical),
			zap.String("franchisor_id", created.ID),
		)
	}

	return &model.Resolution{FranchisorID: created.ID, Kind: kind, Candidates: candidates}, nil
}

// backfillEmbedding indexes franchisors that predate embedding support, such
// as imported rows, so they participate in similarity lookups from the next
// resolution on. Best-effort: the exact match already succeeded.
func (r *Resolver) backfillEmbedding(ctx context.Context, id, canonical string) {
	vec, err := r.embedder.Embed(ctx, canonical)
	if err == nil {
		err = embed.Check(vec)
	}
	if err != nil {
		zap.L().Warn("resolve: embedding backfill failed",
			zap.String("franchisor_id", id),
			zap.Error(err),
		)
		return
	}
	embed.Normalize(vec)
	if err := r.store.UpdateFranchisorEmbedding(ctx, id, vec); err != nil {
		zap.L().Warn("resolve: embedding backfill failed",
			zap.String("franchisor_id", id),
			zap.Error(err),
		)
	}
}

// topK ranks stored franchisors by cosine similarity to vec. Ties at equal
// similarity prefer the older entity.
func (r *Resolver) topK(ctx context.Context, vec []float32) ([]model.FranchisorMatch, error) {
	embeddings, err := r.store.ListNameEmbeddings(ctx)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "resolver: list embeddings"), 0)
	}

	type scored struct {
		id        string
		sim       float64
		createdAt int64
	}
	ranked := make([]scored, 0, len(embeddings))
	for _, e := range embeddings {
		ranked = append(ranked, scored{id: e.FranchisorID, sim: embed.Cosine(vec, e.Vector), createdAt: e.CreatedAt})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].createdAt < ranked[j].createdAt
	})

	k := r.cfg.TopK
	if k > len(ranked) {
		k = len(ranked)
	}

	matches := make([]model.FranchisorMatch, 0, k)
	for _, s := range ranked[:k] {
		f, err := r.store.GetFranchisor(ctx, s.id)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: load candidate %s", s.id)
		}
		matches = append(matches, model.FranchisorMatch{Franchisor: *f, Similarity: s.sim})
	}
	return matches, nil
}
