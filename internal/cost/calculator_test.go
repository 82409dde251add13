package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Gemini: map[string]ModelRate{
			"flash": {Input: 0.10, Output: 0.40},
		},
		Embedding: EmbeddingRate{PerMTok: 0.02},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		model      string
		input      int
		output     int
		cacheWrite int
		cacheRead  int
		want       float64
	}{
		{
			name:  "simple input and output",
			model: "sonnet",
			input: 1000000, output: 100000,
			want: 3.00 + 1.50,
		},
		{
			name:  "cache write multiplier",
			model: "sonnet",
			cacheWrite: 1000000,
			want:       3.00 * 1.25,
		},
		{
			name:  "cache read discount",
			model: "sonnet",
			cacheRead: 1000000,
			want:      3.00 * 0.1,
		},
		{
			name:  "unknown model is free",
			model: "unknown",
			input: 1000000, output: 1000000,
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Claude(tt.model, tt.input, tt.output, tt.cacheWrite, tt.cacheRead)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestGemini(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.InDelta(t, 0.10+0.04, calc.Gemini("flash", 1000000, 100000), 1e-9)
	assert.Zero(t, calc.Gemini("unknown", 1000000, 100000))
}

func TestEmbedding(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 0.01, calc.Embedding(500000), 1e-9)
}
