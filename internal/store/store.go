// Package store persists pipeline entities. Two implementations exist:
// Postgres (pgx) for deployments and SQLite for local runs.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/model"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = eris.New("store: not found")

// ErrDuplicateName is returned when creating a franchisor whose canonical
// name already exists.
var ErrDuplicateName = eris.New("store: canonical name already exists")

// NameEmbedding is the projection used for in-process similarity search.
type NameEmbedding struct {
	FranchisorID string
	Vector       []float32
	CreatedAt    int64 // unix seconds; tie-break prefers older entities
}

// FieldStats summarizes a monetary field across stored documents, used for
// outlier flagging.
type FieldStats struct {
	Mean   float64
	StdDev float64
	N      int
}

// SectionSave is the unit the storage router persists transactionally:
// the routed rows, the section status transition, and any findings.
type SectionSave struct {
	Section model.Section
	Result  *model.ExtractionResult
	Errors  []model.ValidationError
}

// Store is the persistence interface for the processing pipeline.
type Store interface {
	// Franchisors
	CreateFranchisor(ctx context.Context, f *model.Franchisor) error
	GetFranchisor(ctx context.Context, id string) (*model.Franchisor, error)
	GetFranchisorByName(ctx context.Context, canonicalName string) (*model.Franchisor, error)
	ListNameEmbeddings(ctx context.Context) ([]NameEmbedding, error)
	UpdateFranchisorEmbedding(ctx context.Context, id string, vec []float32) error
	AddAlternateName(ctx context.Context, id, name string) error

	// FDDs
	CreateFDD(ctx context.Context, fdd *model.FDD) error
	GetFDD(ctx context.Context, id string) (*model.FDD, error)
	GetFDDByHash(ctx context.Context, hash string) (*model.FDD, error)
	ListFDDsByFranchisor(ctx context.Context, franchisorID string) ([]model.FDD, error)
	ListFDDsByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.FDD, error)
	UpdateFDDStatus(ctx context.Context, id string, status model.ProcessingStatus, reason string) error
	SetSupersededBy(ctx context.Context, id, byID string) error
	SetFDDQuality(ctx context.Context, id string, score float64) error
	// AddFDDTokens atomically adds token and cost usage and returns the new
	// token total, so concurrent section extractions share one budget.
	AddFDDTokens(ctx context.Context, id string, tokens int, costUSD float64) (int, error)

	// Sections
	CreateSections(ctx context.Context, sections []model.Section) error
	ListSections(ctx context.Context, fddID string) ([]model.Section, error)
	GetSection(ctx context.Context, id string) (*model.Section, error)
	UpdateSection(ctx context.Context, s *model.Section) error

	// SaveSection persists a section's routed rows, status, and findings in
	// one transaction; on error nothing is written.
	SaveSection(ctx context.Context, save SectionSave) error

	// Validation
	SaveValidationErrors(ctx context.Context, entityType, entityID string, errs []model.ValidationError) error
	ListValidationErrors(ctx context.Context, entityType, entityID string) ([]model.ValidationError, error)
	CreateBypass(ctx context.Context, b *model.Bypass) error
	GetActiveBypass(ctx context.Context, entityType, entityID string) (*model.Bypass, error)

	// FieldStats returns the cross-document distribution of a monetary field
	// of a high-value item, e.g. (20, "end") or (5, "amount_cents").
	FieldStats(ctx context.Context, itemNo int, field string) (*FieldStats, error)

	// Runs
	CreateRun(ctx context.Context) (*model.ProcessingRun, error)
	FinishRun(ctx context.Context, id string, counts map[string]int) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
