package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/resilience"
	"github.com/frandata/fddpipe/internal/store"
)

// Budget enforces the per-document token ceiling. Usage is accumulated
// atomically in the store so concurrent section extractions share one count.
type Budget struct {
	store store.Store
	limit int
}

// NewBudget creates a budget tracker. limit <= 0 disables enforcement.
func NewBudget(st store.Store, limit int) *Budget {
	return &Budget{store: st, limit: limit}
}

// Check returns a budget error when the document has already consumed its
// token allowance. Called before dispatching an extraction.
func (b *Budget) Check(ctx context.Context, fddID string) error {
	if b.limit <= 0 {
		return nil
	}
	fdd, err := b.store.GetFDD(ctx, fddID)
	if err != nil {
		return eris.Wrap(err, "llm: budget lookup")
	}
	if fdd.TokensUsed >= b.limit {
		return resilience.Budget(eris.Errorf("llm: document %s exhausted token budget (%d >= %d)", fddID, fdd.TokensUsed, b.limit))
	}
	return nil
}

// Record adds a completed call's usage to the document total and returns a
// budget error when the total crosses the ceiling. The usage itself is always
// recorded; only subsequent sections are cut off.
func (b *Budget) Record(ctx context.Context, fddID string, resp *Response) error {
	total, err := b.store.AddFDDTokens(ctx, fddID, resp.TotalTokens(), resp.CostUSD)
	if err != nil {
		return eris.Wrap(err, "llm: record usage")
	}
	if b.limit > 0 && total >= b.limit {
		return resilience.Budget(eris.Errorf("llm: document %s crossed token budget (%d >= %d)", fddID, total, b.limit))
	}
	return nil
}
