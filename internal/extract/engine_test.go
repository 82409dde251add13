package extract

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frandata/fddpipe/internal/llm"
	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/store"
)

// scriptedProvider returns its responses in order, then repeats the last.
type scriptedProvider struct {
	name  string
	calls int
	last  llm.Request
	steps []func() (*llm.Response, error)
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++
	return s.steps[idx]()
}

func ok(text string) func() (*llm.Response, error) {
	return func() (*llm.Response, error) {
		return &llm.Response{Text: text, Model: "test-model", InputTokens: 100, OutputTokens: 50}, nil
	}
}

func fail(err error) func() (*llm.Response, error) {
	return func() (*llm.Response, error) { return nil, err }
}

func newEngine(t *testing.T, st *store.MemoryStore, budgetLimit int, providers ...llm.Provider) *Engine {
	t.Helper()
	prompts, err := LoadPrompts()
	require.NoError(t, err)
	return NewEngine(llm.NewRouter(providers, nil), llm.NewBudget(st, budgetLimit), prompts, EngineConfig{})
}

func seedFDD(t *testing.T, st *store.MemoryStore) Doc {
	t.Helper()
	require.NoError(t, st.CreateFDD(context.Background(), &model.FDD{ID: "fdd-1", FranchisorID: "fr-1"}))
	return Doc{FDDID: "fdd-1", FranchisorName: "Acme Burgers LLC", IssueYear: 2024}
}

const item5JSON = `{"fees": [{"name": "Initial Franchise Fee", "amount_cents": 4500000, "refundable": false}]}`

func TestExtractSectionHappyPath(t *testing.T) {
	st := store.NewMemory()
	doc := seedFDD(t, st)
	local := &scriptedProvider{name: llm.ProviderLocal, steps: []func() (*llm.Response, error){ok(item5JSON)}}
	e := newEngine(t, st, 0, local)

	res, err := e.ExtractSection(context.Background(), doc, &model.Section{ItemNo: 5}, "Item 5 text")
	require.NoError(t, err)
	require.NotNil(t, res.Item5)
	require.Len(t, res.Item5.Fees, 1)
	assert.Equal(t, int64(4500000), res.Item5.Fees[0].AmountCents)
	assert.Equal(t, "test-model", res.Meta.Model)
	assert.Equal(t, "v1", res.Meta.PromptVersion)
	assert.Equal(t, 1, res.Meta.Attempts)
	assert.InDelta(t, 1.0, res.Meta.Confidence, 1e-9)

	// Usage was recorded against the document.
	fdd, err := st.GetFDD(context.Background(), doc.FDDID)
	require.NoError(t, err)
	assert.Equal(t, 150, fdd.TokensUsed)
}

func TestExtractSectionRepairsMalformedJSON(t *testing.T) {
	st := store.NewMemory()
	doc := seedFDD(t, st)
	mangled := "```json\n{'fees': [{'name': 'Fee', 'amount_cents': 100, 'refundable': false},]}\n```"
	local := &scriptedProvider{name: llm.ProviderLocal, steps: []func() (*llm.Response, error){ok(mangled)}}
	e := newEngine(t, st, 0, local)

	res, err := e.ExtractSection(context.Background(), doc, &model.Section{ItemNo: 5}, "text")
	require.NoError(t, err)
	require.NotNil(t, res.Item5)
	require.Len(t, res.Item5.Fees, 1)
	assert.Equal(t, int64(100), res.Item5.Fees[0].AmountCents)
}

func TestExtractSectionEscalatesOnSchemaInvalid(t *testing.T) {
	st := store.NewMemory()
	doc := seedFDD(t, st)
	// Item 5 routes local first; local returns garbage, the high-capacity
	// provider answers correctly on the second attempt.
	local := &scriptedProvider{name: llm.ProviderLocal, steps: []func() (*llm.Response, error){ok("I cannot do that")}}
	high := &scriptedProvider{name: llm.ProviderAnthropic, steps: []func() (*llm.Response, error){ok(item5JSON)}}
	e := newEngine(t, st, 0, local, high)

	res, err := e.ExtractSection(context.Background(), doc, &model.Section{ItemNo: 5}, "text")
	require.NoError(t, err)
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, 1, high.calls)
	assert.Equal(t, 2, res.Meta.Attempts)
	assert.InDelta(t, 0.85, res.Meta.Confidence, 1e-9)
}

func TestExtractSectionExhaustsAttempts(t *testing.T) {
	st := store.NewMemory()
	doc := seedFDD(t, st)
	down := resilience.Transient(eris.New("connection reset"), 0)
	local := &scriptedProvider{name: llm.ProviderLocal, steps: []func() (*llm.Response, error){fail(down)}}
	high := &scriptedProvider{name: llm.ProviderAnthropic, steps: []func() (*llm.Response, error){fail(down)}}
	e := newEngine(t, st, 0, local, high)

	_, err := e.ExtractSection(context.Background(), doc, &model.Section{ItemNo: 5}, "text")
	require.Error(t, err)
	// Chain is [local, anthropic]; the third attempt reuses the last provider.
	assert.Equal(t, 1, local.calls)
	assert.Equal(t, 2, high.calls)
}

func TestExtractSectionBudgetExhausted(t *testing.T) {
	st := store.NewMemory()
	doc := seedFDD(t, st)
	ctx := context.Background()
	_, err := st.AddFDDTokens(ctx, doc.FDDID, 1000, 0)
	require.NoError(t, err)

	local := &scriptedProvider{name: llm.ProviderLocal, steps: []func() (*llm.Response, error){ok(item5JSON)}}
	e := newEngine(t, st, 1000, local)

	_, err = e.ExtractSection(ctx, doc, &model.Section{ItemNo: 5}, "text")
	require.Error(t, err)
	assert.Equal(t, resilience.KindBudget, resilience.KindOf(err))
	assert.Zero(t, local.calls)
}

func TestExtractSectionPromptCarriesDocumentContext(t *testing.T) {
	st := store.NewMemory()
	doc := seedFDD(t, st)
	local := &scriptedProvider{name: llm.ProviderLocal, steps: []func() (*llm.Response, error){ok(item5JSON)}}
	e := newEngine(t, st, 0, local)

	_, err := e.ExtractSection(context.Background(), doc, &model.Section{ItemNo: 5}, "fee table")
	require.NoError(t, err)
	assert.Contains(t, local.last.Prompt, "Acme Burgers LLC")
	assert.Contains(t, local.last.Prompt, "2024")
	assert.Contains(t, local.last.Prompt, "fee table")
}

func TestParseResponseGenericItem(t *testing.T) {
	res, err := ParseResponse(3, `{"cases": [{"court": "D. Ariz.", "year": 2021}]}`)
	require.NoError(t, err)
	require.NotNil(t, res.Generic)
	assert.Equal(t, GenericSchemaVersion, res.Generic.SchemaVersion)
	assert.JSONEq(t, `{"cases": [{"court": "D. Ariz.", "year": 2021}]}`, string(res.Generic.Payload))
}

func TestParseResponseRejectsNonObject(t *testing.T) {
	_, err := ParseResponse(3, `"just a string"`)
	require.Error(t, err)
	assert.True(t, IsSchemaInvalid(err))
}

func TestPromptRenderHighValueAndDefault(t *testing.T) {
	prompts, err := LoadPrompts()
	require.NoError(t, err)
	doc := Doc{FDDID: "fdd-1", FranchisorName: "Acme Burgers LLC", IssueYear: 2024}

	sys, prompt, err := prompts.Render(20, doc, "outlet tables here")
	require.NoError(t, err)
	assert.NotEmpty(t, sys)
	assert.Contains(t, prompt, "outlet tables here")
	assert.Contains(t, prompt, "fiscal_year")
	assert.Contains(t, prompt, "Acme Burgers LLC")
	assert.Contains(t, prompt, "2024")

	_, prompt, err = prompts.Render(12, doc, "territory text")
	require.NoError(t, err)
	assert.Contains(t, prompt, "Item 12")
	assert.Contains(t, prompt, model.ItemTitles[12])
	assert.Contains(t, prompt, "territory text")
	assert.Contains(t, prompt, "Acme Burgers LLC")
	assert.Contains(t, prompt, "2024")
}
