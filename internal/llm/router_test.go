package llm

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/store"
)

// fakeProvider scripts responses for router and chain tests.
type fakeProvider struct {
	name  string
	calls int
	err   error
	resp  *Response
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(context.Context, Request) (*Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testProviders() (local, high, secondary *fakeProvider) {
	local = &fakeProvider{name: ProviderLocal, resp: &Response{Text: "{}", Model: "local"}}
	high = &fakeProvider{name: ProviderAnthropic, resp: &Response{Text: "{}", Model: "sonnet"}}
	secondary = &fakeProvider{name: ProviderGemini, resp: &Response{Text: "{}", Model: "flash"}}
	return
}

func chainNames(chain []Provider) []string {
	names := make([]string, len(chain))
	for i, p := range chain {
		names[i] = p.Name()
	}
	return names
}

func TestChainForDefaultRouting(t *testing.T) {
	local, high, secondary := testProviders()
	r := NewRouter([]Provider{local, high, secondary}, nil)

	// Table-heavy items lead with the local model.
	assert.Equal(t, []string{ProviderLocal, ProviderAnthropic, ProviderGemini}, chainNames(r.ChainFor(7)))
	assert.Equal(t, []string{ProviderLocal, ProviderAnthropic, ProviderGemini}, chainNames(r.ChainFor(20)))

	// Financial narrative items lead with the high-capacity model.
	assert.Equal(t, []string{ProviderAnthropic, ProviderGemini, ProviderLocal}, chainNames(r.ChainFor(19)))
	assert.Equal(t, []string{ProviderAnthropic, ProviderGemini, ProviderLocal}, chainNames(r.ChainFor(3)))
}

func TestChainForConfigOverride(t *testing.T) {
	local, high, _ := testProviders()
	r := NewRouter([]Provider{local, high}, map[int][]string{
		12: {ProviderAnthropic},
	})

	assert.Equal(t, []string{ProviderAnthropic}, chainNames(r.ChainFor(12)))
}

func TestChainSkipsUnknownProvider(t *testing.T) {
	local, _, _ := testProviders()
	r := NewRouter([]Provider{local}, map[int][]string{5: {"nonexistent", ProviderLocal}})

	assert.Equal(t, []string{ProviderLocal}, chainNames(r.ChainFor(5)))
}

func TestGuardedBreakerOpensAfterFailures(t *testing.T) {
	local, _, _ := testProviders()
	local.err = resilience.Transient(eris.New("connection reset"), 0)
	r := NewRouter([]Provider{local}, nil)

	chain := r.ChainFor(5)
	require.Len(t, chain, 1)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := chain[0].Complete(ctx, Request{Prompt: "x"})
		require.Error(t, err)
	}
	state, ok := r.BreakerState(ProviderLocal)
	require.True(t, ok)
	assert.Equal(t, resilience.BreakerOpen, state)

	// Open breaker rejects without reaching the provider.
	before := local.calls
	_, err := chain[0].Complete(ctx, Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, before, local.calls)
}

func TestBudgetCutoff(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateFDD(ctx, &model.FDD{ID: "fdd-1", FranchisorID: "fr-1"}))

	b := NewBudget(st, 1000)
	require.NoError(t, b.Check(ctx, "fdd-1"))

	// First call lands under the ceiling.
	err := b.Record(ctx, "fdd-1", &Response{InputTokens: 400, OutputTokens: 100, CostUSD: 0.01})
	require.NoError(t, err)
	require.NoError(t, b.Check(ctx, "fdd-1"))

	// Second call crosses it: the usage is recorded and the budget error
	// surfaces so remaining sections get skipped.
	err = b.Record(ctx, "fdd-1", &Response{InputTokens: 400, OutputTokens: 200})
	require.Error(t, err)
	assert.Equal(t, resilience.KindBudget, resilience.KindOf(err))

	err = b.Check(ctx, "fdd-1")
	require.Error(t, err)
	assert.Equal(t, resilience.KindBudget, resilience.KindOf(err))

	fdd, err := st.GetFDD(ctx, "fdd-1")
	require.NoError(t, err)
	assert.Equal(t, 1100, fdd.TokensUsed)
}

func TestBudgetDisabled(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateFDD(ctx, &model.FDD{ID: "fdd-1"}))

	b := NewBudget(st, 0)
	require.NoError(t, b.Check(ctx, "fdd-1"))
	require.NoError(t, b.Record(ctx, "fdd-1", &Response{InputTokens: 1 << 20}))
}
