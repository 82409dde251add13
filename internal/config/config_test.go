package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(20), cfg.Store.MaxConns)
	assert.Equal(t, 0.94, cfg.Similarity.HighThreshold)
	assert.Equal(t, 0.85, cfg.Similarity.ReviewThreshold)
	assert.Equal(t, 5, cfg.Similarity.TopK)
	assert.Equal(t, 18, cfg.Detector.MinAnchorsRequired)
	assert.Equal(t, 600, cfg.Document.DeadlineSecs)
	assert.Equal(t, 500000, cfg.LLM.PerDocumentTokens)
	assert.Equal(t, 3, cfg.LLM.MaxAttemptsPerSection)

	assert.Equal(t, 4, cfg.Concurrency.Register)
	assert.Equal(t, 2, cfg.Concurrency.Segment)
	assert.Equal(t, 8, cfg.Concurrency.Extract)
	assert.Equal(t, 8, cfg.Concurrency.Validate)
	assert.Equal(t, 4, cfg.Concurrency.Store)

	assert.Contains(t, cfg.Validation.BypassReasons, "manual_verification")
}

func TestStageRetryDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	r := cfg.StageRetry("extract")
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, time.Second, r.BaseDelay())
	assert.Equal(t, time.Minute, r.MaxDelay())
	assert.Equal(t, 2.0, r.Factor)

	// Unknown stage falls back to the built-in defaults.
	r = cfg.StageRetry("no-such-stage")
	assert.Equal(t, 3, r.MaxAttempts)
}
