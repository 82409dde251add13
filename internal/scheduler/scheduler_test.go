package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frandata/fddpipe/internal/detector"
	"github.com/frandata/fddpipe/internal/embed"
	"github.com/frandata/fddpipe/internal/extract"
	"github.com/frandata/fddpipe/internal/layout"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/objstore"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/resolver"
	"github.com/frandata/fddpipe/internal/storage"
	"github.com/frandata/fddpipe/internal/store"
	"github.com/frandata/fddpipe/internal/validate"
)

const docPages = 50

// stubEmbedder derives a deterministic non-zero vector from the text.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, model.EmbeddingDim)
	for i, b := range []byte(text) {
		vec[i%model.EmbeddingDim] += float32(b)
	}
	vec[0] += 1
	return vec, nil
}

// mapEmbedder returns a fixed vector per exact input text.
type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec, ok := m[text]
	if !ok {
		return nil, eris.Errorf("no vector for %q", text)
	}
	return vec, nil
}

// unitVec pads the leading components out to the embedding dimension.
func unitVec(vals ...float32) []float32 {
	vec := make([]float32, model.EmbeddingDim)
	copy(vec, vals)
	return vec
}

type fakeLayout struct {
	mu    sync.Mutex
	rec   *model.LayoutRecord
	err   error
	calls int
}

func (f *fakeLayout) Analyze(context.Context, []byte) (*model.LayoutRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func (f *fakeLayout) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePDF struct {
	pages int
}

func (f *fakePDF) PageCount(context.Context, []byte) (int, error) { return f.pages, nil }

func (f *fakePDF) PageText(_ context.Context, _ []byte, first, last int) (string, error) {
	return fmt.Sprintf("text of pages %d-%d", first, last), nil
}

func (f *fakePDF) SlicePages(_ context.Context, _ []byte, first, last int) ([]byte, error) {
	return []byte(fmt.Sprintf("%%PDF slice %d-%d", first, last)), nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	lastDoc extract.Doc
	fn      func(ctx context.Context, sec *model.Section) (*model.ExtractionResult, error)
}

func (f *fakeExtractor) ExtractSection(ctx context.Context, doc extract.Doc, sec *model.Section, _ string) (*model.ExtractionResult, error) {
	f.mu.Lock()
	f.calls++
	f.lastDoc = doc
	f.mu.Unlock()
	return f.fn(ctx, sec)
}

func (f *fakeExtractor) doc() extract.Doc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDoc
}

func okExtract(_ context.Context, sec *model.Section) (*model.ExtractionResult, error) {
	res := &model.ExtractionResult{
		ItemNo: sec.ItemNo,
		Meta:   model.ExtractionMeta{Model: "test-model", PromptVersion: "v1", Attempts: 1, Confidence: 1},
	}
	if sec.ItemNo == 5 {
		res.Item5 = &model.Item5Fees{
			Fees: []model.InitialFee{{Name: "Initial Franchise Fee", AmountCents: 4_500_000}},
		}
	} else {
		res.Generic = &model.GenericItem{SchemaVersion: "generic-v1", Payload: []byte(`{}`)}
	}
	return res, nil
}

// layoutWithAllItems anchors every item heading at page 2*itemNo+1.
func layoutWithAllItems() *model.LayoutRecord {
	pages := make([]model.LayoutPage, docPages)
	for i := range pages {
		pages[i] = model.LayoutPage{
			PageIdx: i,
			Blocks:  []model.LayoutBlock{{Type: model.BlockText, Text: "filler"}},
		}
	}
	for n := 1; n <= 23; n++ {
		pages[2*n] = model.LayoutPage{
			PageIdx: 2 * n,
			Blocks: []model.LayoutBlock{
				{Type: model.BlockTitle, Text: fmt.Sprintf("ITEM %d %s", n, model.ItemTitles[n]), Confidence: 0.99},
			},
		}
	}
	return &model.LayoutRecord{Pages: pages}
}

func fastRetry(model.Stage) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Factor:         1,
		JitterFraction: 0,
	}
}

type testEnv struct {
	st     *store.MemoryStore
	obj    *objstore.FSStore
	layout *fakeLayout
	ext    *fakeExtractor
	sched  *Scheduler
}

func newEnv(t *testing.T) *testEnv {
	return newEnvWithEmbedder(t, stubEmbedder{})
}

func newEnvWithEmbedder(t *testing.T, em embed.Provider) *testEnv {
	t.Helper()
	st := store.NewMemory()
	obj, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	lay := &fakeLayout{rec: layoutWithAllItems()}
	ext := &fakeExtractor{fn: okExtract}

	sched := New(Deps{
		Store:     st,
		Objects:   obj,
		Resolver:  resolver.New(st, em, resolver.Config{}),
		Layout:    lay,
		Detector:  detector.New(0),
		PDF:       &fakePDF{pages: docPages},
		Extractor: ext,
		Validator: validate.New(st, 0),
		Storage:   storage.NewRouter(st),
	}, Config{
		DocumentDeadline: 5 * time.Second,
		StageRetry:       fastRetry,
	})
	return &testEnv{st: st, obj: obj, layout: lay, ext: ext, sched: sched}
}

func rawDoc(content, state string) *model.RawDocument {
	return &model.RawDocument{
		Bytes:          []byte(content),
		SourceState:    state,
		SourceURL:      "https://portal.example/" + state,
		FranchisorName: "Crust & Crumb Pizza LLC",
		DocumentType:   model.DocInitial,
		IssueDate:      time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegisterDocument(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	reg, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF doc one", "ca"))
	require.NoError(t, err)
	assert.False(t, reg.Duplicate)
	require.NotNil(t, reg.Resolution)
	assert.Equal(t, model.MatchCreated, reg.Resolution.Kind)

	fdd, err := env.st.GetFDD(ctx, reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingPending, fdd.ProcessingStatus)
	assert.Equal(t, docPages, fdd.TotalPages)
	assert.Contains(t, fdd.StoragePath, "/raw/ca/crust-crumb-pizza-llc/2024/")

	exists, err := env.obj.Exists(ctx, fdd.StoragePath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRegisterDuplicateReturnsExisting(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	first, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF same bytes", "ca"))
	require.NoError(t, err)

	second, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF same bytes", "wa"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.FDDID, second.FDDID)

	// The duplicate arrival leaves a metadata row pointing at the primary
	// but never enters the processing queue.
	primary, err := env.st.GetFDD(ctx, first.FDDID)
	require.NoError(t, err)
	siblings, err := env.st.ListFDDsByFranchisor(ctx, primary.FranchisorID)
	require.NoError(t, err)
	require.Len(t, siblings, 2)

	var dupRows int
	for _, f := range siblings {
		if f.DuplicateOf != nil {
			dupRows++
			assert.Equal(t, first.FDDID, *f.DuplicateOf)
		}
	}
	assert.Equal(t, 1, dupRows)

	pending, err := env.st.ListFDDsByStatus(ctx, model.ProcessingPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRegisterNeedsReviewPersistsCandidates(t *testing.T) {
	// Two distinct names whose embeddings sit in the review band
	// (cosine 0.90, between the 0.85 review and 0.94 link thresholds).
	env := newEnvWithEmbedder(t, mapEmbedder{
		"Acme Burgers": unitVec(1),
		"Acme Burger":  unitVec(0.9, 0.43589),
	})
	ctx := context.Background()

	first := rawDoc("%PDF acme burgers", "ca")
	first.FranchisorName = "Acme Burgers LLC"
	regA, err := env.sched.RegisterDocument(ctx, first)
	require.NoError(t, err)
	require.Equal(t, model.MatchCreated, regA.Resolution.Kind)

	second := rawDoc("%PDF acme burger", "wa")
	second.FranchisorName = "Acme Burger Inc"
	regB, err := env.sched.RegisterDocument(ctx, second)
	require.NoError(t, err)
	require.Equal(t, model.MatchNeedsReview, regB.Resolution.Kind)
	assert.NotEqual(t, regA.Resolution.FranchisorID, regB.Resolution.FranchisorID)

	// The candidate list outlives the registering process: it is stored as
	// reference findings against the new document.
	findings, err := env.st.ListValidationErrors(ctx, "fdd", regB.FDDID)
	require.NoError(t, err)

	var refs []model.ValidationError
	for _, f := range findings {
		if f.Category == model.CategoryReference {
			refs = append(refs, f)
		}
	}
	require.Len(t, refs, 1)
	assert.Equal(t, "franchisor_id", refs[0].FieldPath)
	assert.Equal(t, model.SeverityWarning, refs[0].Severity)
	assert.Equal(t, regB.Resolution.FranchisorID, refs[0].Actual)
	assert.Equal(t, regA.Resolution.FranchisorID, refs[0].Expected)
	assert.Contains(t, refs[0].Message, "Acme Burgers")
}

func TestRegisterBatchSameBytesOnePrimary(t *testing.T) {
	env := newEnv(t)

	docs := []*model.RawDocument{
		rawDoc("%PDF raced bytes", "ca"),
		rawDoc("%PDF raced bytes", "wa"),
		rawDoc("%PDF raced bytes", "ny"),
		rawDoc("%PDF raced bytes", "il"),
	}
	regs, errs := env.sched.RegisterBatch(context.Background(), docs)

	primaries := 0
	for i, reg := range regs {
		require.NoError(t, errs[i])
		require.NotNil(t, reg)
		if !reg.Duplicate {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)

	// Every arrival resolved to the same primary id.
	for _, reg := range regs {
		assert.Equal(t, regs[0].FDDID, reg.FDDID)
	}
}

func TestProcessPendingCompletesDocument(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	reg, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF process me", "ca"))
	require.NoError(t, err)

	run, err := env.sched.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts["completed"])

	// Extraction sees the document context for its prompts.
	doc := env.ext.doc()
	assert.Equal(t, reg.FDDID, doc.FDDID)
	assert.Equal(t, "Crust Crumb Pizza", doc.FranchisorName)
	assert.Equal(t, 2024, doc.IssueYear)

	fdd, err := env.st.GetFDD(ctx, reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, fdd.ProcessingStatus)
	require.NotNil(t, fdd.QualityScore)
	assert.InDelta(t, 1.0, *fdd.QualityScore, 1e-9)

	sections, err := env.st.ListSections(ctx, reg.FDDID)
	require.NoError(t, err)
	require.Len(t, sections, 24) // intro plus items 1-23
	for _, sec := range sections {
		assert.Equal(t, model.ExtractionSuccess, sec.ExtractionStatus, "item %d", sec.ItemNo)
		assert.NotEmpty(t, sec.StoragePath)

		exists, err := env.obj.Exists(ctx, sec.StoragePath)
		require.NoError(t, err)
		assert.True(t, exists, "section pdf for item %d", sec.ItemNo)
	}
}

func TestProcessBudgetSkipsSections(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.ext.fn = func(context.Context, *model.Section) (*model.ExtractionResult, error) {
		return nil, resilience.Budget(eris.New("token budget exceeded"))
	}

	reg, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF over budget", "ca"))
	require.NoError(t, err)

	_, err = env.sched.ProcessPending(ctx, 10)
	require.NoError(t, err)

	sections, err := env.st.ListSections(ctx, reg.FDDID)
	require.NoError(t, err)
	for _, sec := range sections {
		assert.Equal(t, model.ExtractionSkipped, sec.ExtractionStatus, "item %d", sec.ItemNo)
	}

	// Skipped sections do not fail the document; it completes with a zero
	// quality score.
	fdd, err := env.st.GetFDD(ctx, reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, fdd.ProcessingStatus)
	require.NotNil(t, fdd.QualityScore)
	assert.Zero(t, *fdd.QualityScore)
}

// slowObjects delegates to the wrapped store but hangs raw reads until the
// caller's context expires.
type slowObjects struct {
	objstore.Store
}

func (s *slowObjects) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessFetchTimeoutFailsDocument(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	reg, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF slow object", "ca"))
	require.NoError(t, err)

	env.sched.cfg.FetchTimeout = 50 * time.Millisecond
	env.sched.deps.Objects = &slowObjects{Store: env.obj}

	run, err := env.sched.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts["timeout"])

	fdd, err := env.st.GetFDD(ctx, reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, fdd.ProcessingStatus)
	assert.Equal(t, "Timeout", fdd.FailureReason)
}

func TestProcessDeadlineFailsDocument(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.sched.cfg.DocumentDeadline = 100 * time.Millisecond
	env.ext.fn = func(ctx context.Context, _ *model.Section) (*model.ExtractionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	reg, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF too slow", "ca"))
	require.NoError(t, err)

	run, err := env.sched.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts["timeout"])

	fdd, err := env.st.GetFDD(ctx, reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, fdd.ProcessingStatus)
	assert.Equal(t, "Timeout", fdd.FailureReason)

	// Sections were created before the deadline hit. The ones that entered
	// extraction are marked in flight, the rest stay pending; either way
	// they remain eligible for the next run.
	sections, err := env.st.ListSections(ctx, reg.FDDID)
	require.NoError(t, err)
	require.NotEmpty(t, sections)
	inFlight := 0
	for _, sec := range sections {
		assert.False(t, sec.ExtractionStatus.Terminal(), "item %d", sec.ItemNo)
		if sec.ExtractionStatus == model.ExtractionProcessing {
			inFlight++
		}
	}
	assert.Positive(t, inFlight)
}

func TestProcessResumeAfterCancel(t *testing.T) {
	env := newEnv(t)
	env.ext.fn = func(ctx context.Context, _ *model.Section) (*model.ExtractionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	reg, err := env.sched.RegisterDocument(context.Background(), rawDoc("%PDF resume me", "ca"))
	require.NoError(t, err)

	// First run is cancelled while extraction hangs: the document stays
	// Processing with its sections intact.
	runCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	run, err := env.sched.ProcessPending(runCtx, 10)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts["interrupted"])

	fdd, err := env.st.GetFDD(context.Background(), reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingProcessing, fdd.ProcessingStatus)
	assert.Equal(t, 1, env.layout.callCount())

	// The next run picks the document up, skips segmentation, and finishes.
	env.ext.fn = okExtract
	run, err = env.sched.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts["completed"])
	assert.Equal(t, 1, env.layout.callCount())

	fdd, err = env.st.GetFDD(context.Background(), reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, fdd.ProcessingStatus)
}

func TestProcessLayoutPermanentFailure(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.layout.err = layout.ErrLayoutMissing

	reg, err := env.sched.RegisterDocument(ctx, rawDoc("%PDF no layout", "ca"))
	require.NoError(t, err)

	run, err := env.sched.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts["failed"])

	fdd, err := env.st.GetFDD(ctx, reg.FDDID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, fdd.ProcessingStatus)
	assert.Contains(t, fdd.FailureReason, "segmentation failed")
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	var mu sync.Mutex
	events := make([]string, 0, 4)

	unlock := km.Lock("hash-a")
	done := make(chan struct{})
	go func() {
		u := km.Lock("hash-a")
		mu.Lock()
		events = append(events, "second")
		mu.Unlock()
		u()
		close(done)
	}()

	// An unrelated key is not blocked.
	u := km.Lock("hash-b")
	u()

	mu.Lock()
	events = append(events, "first")
	mu.Unlock()
	unlock()
	<-done

	assert.Equal(t, []string{"first", "second"}, events)
}
