package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/resilience"
)

// Default routing: the table-heavy items go to the local model first; the
// judgment-heavy financial items and everything else lead with the
// high-capacity model.
var localFirstItems = map[int]bool{5: true, 6: true, 7: true, 20: true}

// Router maps an item number to its ordered provider fallback chain. Every
// provider is wrapped in its own circuit breaker.
type Router struct {
	byName   map[string]Provider
	breakers map[string]*resilience.Breaker
	// routing overrides the default chain per item, by provider name.
	routing map[int][]string
}

// NewRouter builds a router over the given providers. routing may be nil,
// selecting the default chains.
func NewRouter(providers []Provider, routing map[int][]string) *Router {
	r := &Router{
		byName:   make(map[string]Provider, len(providers)),
		breakers: make(map[string]*resilience.Breaker, len(providers)),
		routing:  routing,
	}
	for _, p := range providers {
		r.byName[p.Name()] = p
		r.breakers[p.Name()] = resilience.NewBreaker(resilience.BreakerConfig{})
	}
	return r
}

// ChainFor returns the ordered fallback chain for an item. Providers whose
// breaker is open stay in the chain; the breaker rejects the call itself so
// the caller can fall through to the next provider.
func (r *Router) ChainFor(itemNo int) []Provider {
	names := r.routing[itemNo]
	if len(names) == 0 {
		names = r.defaultChain(itemNo)
	}

	chain := make([]Provider, 0, len(names))
	for _, name := range names {
		p, ok := r.byName[name]
		if !ok {
			zap.L().Warn("llm: routing names unknown provider",
				zap.Int("item_no", itemNo),
				zap.String("provider", name),
			)
			continue
		}
		chain = append(chain, &guarded{p: p, breaker: r.breakers[name]})
	}
	return chain
}

func (r *Router) defaultChain(itemNo int) []string {
	order := []string{ProviderAnthropic, ProviderGemini, ProviderLocal}
	if localFirstItems[itemNo] {
		order = []string{ProviderLocal, ProviderAnthropic, ProviderGemini}
	}
	// Keep only configured providers.
	var out []string
	for _, name := range order {
		if _, ok := r.byName[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// BreakerState reports a provider's breaker state, for the status command.
func (r *Router) BreakerState(name string) (resilience.BreakerState, bool) {
	b, ok := r.breakers[name]
	if !ok {
		return 0, false
	}
	return b.State(), true
}

// guarded wraps a provider in its circuit breaker.
type guarded struct {
	p       Provider
	breaker *resilience.Breaker
}

func (g *guarded) Name() string { return g.p.Name() }

func (g *guarded) Complete(ctx context.Context, req Request) (*Response, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Response, error) {
		return g.p.Complete(ctx, req)
	})
}
