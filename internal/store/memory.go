package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frandata/fddpipe/internal/model"
)

// MemoryStore is an in-memory Store used by unit tests and dry runs. All
// methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	franchisors map[string]*model.Franchisor
	fdds        map[string]*model.FDD
	sections    map[string]*model.Section
	results     map[string]*model.ExtractionResult // keyed by section id
	findings    map[string][]model.ValidationError // keyed by entityType/entityID
	bypasses    map[string]*model.Bypass           // keyed by entityType/entityID
	runs        map[string]*model.ProcessingRun

	// moneySamples feeds FieldStats, keyed by itemNo and field name.
	moneySamples map[int]map[string][]float64
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		franchisors:  make(map[string]*model.Franchisor),
		fdds:         make(map[string]*model.FDD),
		sections:     make(map[string]*model.Section),
		results:      make(map[string]*model.ExtractionResult),
		findings:     make(map[string][]model.ValidationError),
		bypasses:     make(map[string]*model.Bypass),
		runs:         make(map[string]*model.ProcessingRun),
		moneySamples: make(map[int]map[string][]float64),
	}
}

func entityKey(entityType, entityID string) string { return entityType + "/" + entityID }

// CreateFranchisor stores f, enforcing canonical-name uniqueness.
func (m *MemoryStore) CreateFranchisor(_ context.Context, f *model.Franchisor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.franchisors {
		if existing.CanonicalName == f.CanonicalName {
			return ErrDuplicateName
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.UpdatedAt = f.CreatedAt
	cp := *f
	m.franchisors[f.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFranchisor(_ context.Context, id string) (*model.Franchisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.franchisors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) GetFranchisorByName(_ context.Context, canonicalName string) (*model.Franchisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.franchisors {
		if f.CanonicalName == canonicalName {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListNameEmbeddings(_ context.Context) ([]NameEmbedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NameEmbedding, 0, len(m.franchisors))
	for _, f := range m.franchisors {
		if len(f.NameEmbedding) == 0 {
			continue
		}
		out = append(out, NameEmbedding{
			FranchisorID: f.ID,
			Vector:       f.NameEmbedding,
			CreatedAt:    f.CreatedAt.Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FranchisorID < out[j].FranchisorID })
	return out, nil
}

func (m *MemoryStore) UpdateFranchisorEmbedding(_ context.Context, id string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.franchisors[id]
	if !ok {
		return ErrNotFound
	}
	f.NameEmbedding = vec
	f.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddAlternateName(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.franchisors[id]
	if !ok {
		return ErrNotFound
	}
	for _, n := range f.AlternateNames {
		if n == name {
			return nil
		}
	}
	f.AlternateNames = append(f.AlternateNames, name)
	return nil
}

func (m *MemoryStore) CreateFDD(_ context.Context, fdd *model.FDD) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fdd.ID == "" {
		fdd.ID = uuid.NewString()
	}
	if fdd.CreatedAt.IsZero() {
		fdd.CreatedAt = time.Now()
	}
	fdd.UpdatedAt = fdd.CreatedAt
	cp := *fdd
	m.fdds[fdd.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFDD(_ context.Context, id string) (*model.FDD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fdd, ok := m.fdds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fdd
	return &cp, nil
}

func (m *MemoryStore) GetFDDByHash(_ context.Context, hash string) (*model.FDD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fdd := range m.fdds {
		if fdd.ContentHash == hash && fdd.DuplicateOf == nil {
			cp := *fdd
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListFDDsByFranchisor(_ context.Context, franchisorID string) ([]model.FDD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.FDD
	for _, fdd := range m.fdds {
		if fdd.FranchisorID == franchisorID {
			out = append(out, *fdd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueDate.Before(out[j].IssueDate) })
	return out, nil
}

func (m *MemoryStore) ListFDDsByStatus(_ context.Context, status model.ProcessingStatus, limit int) ([]model.FDD, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.FDD
	for _, fdd := range m.fdds {
		if fdd.ProcessingStatus == status && fdd.DuplicateOf == nil {
			out = append(out, *fdd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateFDDStatus(_ context.Context, id string, status model.ProcessingStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fdd, ok := m.fdds[id]
	if !ok {
		return ErrNotFound
	}
	fdd.ProcessingStatus = status
	fdd.FailureReason = reason
	fdd.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetSupersededBy(_ context.Context, id, byID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fdd, ok := m.fdds[id]
	if !ok {
		return ErrNotFound
	}
	fdd.SupersededBy = &byID
	fdd.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetFDDQuality(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fdd, ok := m.fdds[id]
	if !ok {
		return ErrNotFound
	}
	fdd.QualityScore = &score
	fdd.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddFDDTokens(_ context.Context, id string, tokens int, costUSD float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fdd, ok := m.fdds[id]
	if !ok {
		return 0, ErrNotFound
	}
	fdd.TokensUsed += tokens
	fdd.CostUSD += costUSD
	return fdd.TokensUsed, nil
}

func (m *MemoryStore) CreateSections(_ context.Context, sections []model.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range sections {
		s := sections[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
			sections[i].ID = s.ID
		}
		cp := s
		m.sections[s.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) ListSections(_ context.Context, fddID string) ([]model.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Section
	for _, s := range m.sections {
		if s.FDDID == fddID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemNo < out[j].ItemNo })
	return out, nil
}

func (m *MemoryStore) GetSection(_ context.Context, id string) (*model.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSection(_ context.Context, s *model.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.sections[s.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveSection(_ context.Context, save SectionSave) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[save.Section.ID]; !ok {
		return ErrNotFound
	}
	cp := save.Section
	m.sections[save.Section.ID] = &cp
	if save.Result != nil {
		rc := *save.Result
		m.results[save.Section.ID] = &rc
		m.recordSamplesLocked(&rc)
	}
	if len(save.Errors) > 0 {
		key := entityKey("section", save.Section.ID)
		m.findings[key] = append(m.findings[key], save.Errors...)
	}
	return nil
}

// SectionResult returns the stored extraction result for a section, if any.
// Test helper; not part of the Store interface.
func (m *MemoryStore) SectionResult(sectionID string) *model.ExtractionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[sectionID]
}

func (m *MemoryStore) SaveValidationErrors(_ context.Context, entityType, entityID string, errs []model.ValidationError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(entityType, entityID)
	m.findings[key] = append(m.findings[key], errs...)
	return nil
}

func (m *MemoryStore) ListValidationErrors(_ context.Context, entityType, entityID string) ([]model.ValidationError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ValidationError(nil), m.findings[entityKey(entityType, entityID)]...), nil
}

func (m *MemoryStore) CreateBypass(_ context.Context, b *model.Bypass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	cp := *b
	m.bypasses[entityKey(b.EntityType, b.EntityID)] = &cp
	return nil
}

func (m *MemoryStore) GetActiveBypass(_ context.Context, entityType, entityID string) (*model.Bypass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bypasses[entityKey(entityType, entityID)]
	if !ok || !b.Active() {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) FieldStats(_ context.Context, itemNo int, field string) (*FieldStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.moneySamples[itemNo][field]
	n := len(samples)
	if n == 0 {
		return &FieldStats{}, nil
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	return &FieldStats{Mean: mean, StdDev: math.Sqrt(variance / float64(n)), N: n}, nil
}

func (m *MemoryStore) CreateRun(_ context.Context) (*model.ProcessingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &model.ProcessingRun{ID: uuid.NewString(), StartedAt: time.Now()}
	cp := *run
	m.runs[run.ID] = &cp
	return run, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, id string, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	run.FinishedAt = &now
	run.Counts = counts
	return nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// recordSamplesLocked feeds the outlier distribution from stored rows.
func (m *MemoryStore) recordSamplesLocked(res *model.ExtractionResult) {
	add := func(field string, v float64) {
		if m.moneySamples[res.ItemNo] == nil {
			m.moneySamples[res.ItemNo] = make(map[string][]float64)
		}
		m.moneySamples[res.ItemNo][field] = append(m.moneySamples[res.ItemNo][field], v)
	}
	switch {
	case res.Item5 != nil:
		for _, f := range res.Item5.Fees {
			add("amount_cents", float64(f.AmountCents))
		}
	case res.Item7 != nil:
		for _, l := range res.Item7.Lines {
			add("low_cents", float64(l.LowCents))
			add("high_cents", float64(l.HighCents))
		}
	case res.Item21 != nil:
		for _, r := range res.Item21.Rows {
			add("total_revenue_cents", float64(r.TotalRevenueCents))
			add("total_assets_cents", float64(r.TotalAssetsCents))
		}
	}
}

var _ Store = (*MemoryStore)(nil)
