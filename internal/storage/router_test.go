package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/store"
	"github.com/frandata/fddpipe/internal/validate"
)

func seed(t *testing.T, st *store.MemoryStore, items ...int) (*model.FDD, []model.Section) {
	t.Helper()
	ctx := context.Background()
	fdd := &model.FDD{ID: "fdd-1", FranchisorID: "fr-1", ProcessingStatus: model.ProcessingProcessing}
	require.NoError(t, st.CreateFDD(ctx, fdd))

	sections := make([]model.Section, len(items))
	for i, item := range items {
		sections[i] = model.Section{
			FDDID:            fdd.ID,
			ItemNo:           item,
			StartPage:        i + 1,
			EndPage:          i + 1,
			ExtractionStatus: model.ExtractionPending,
		}
	}
	require.NoError(t, st.CreateSections(ctx, sections))
	return fdd, sections
}

func okResult() *model.ExtractionResult {
	return &model.ExtractionResult{
		ItemNo: 5,
		Item5:  &model.Item5Fees{Fees: []model.InitialFee{{Name: "Initial Franchise Fee", AmountCents: 100}}},
		Meta:   model.ExtractionMeta{Model: "test-model", Attempts: 1, Confidence: 1},
	}
}

func TestPersistSuccess(t *testing.T) {
	st := store.NewMemory()
	fdd, sections := seed(t, st, 5)
	r := NewRouter(st)
	ctx := context.Background()

	require.NoError(t, r.Persist(ctx, fdd, sections[0], okResult(), &validate.Outcome{}))

	got, err := st.GetSection(ctx, sections[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionSuccess, got.ExtractionStatus)
	assert.Equal(t, "test-model", got.ExtractionModel)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotNil(t, got.ExtractedAt)
	assert.False(t, got.NeedsReview)
	assert.NotNil(t, st.SectionResult(sections[0].ID))
}

func TestPersistBlockedFailsSectionWithoutRows(t *testing.T) {
	st := store.NewMemory()
	fdd, sections := seed(t, st, 5)
	r := NewRouter(st)
	ctx := context.Background()

	out := &validate.Outcome{
		Block: true,
		Errors: []model.ValidationError{{
			FieldPath: "rows[0].end", Severity: model.SeverityError, Category: model.CategoryBusinessRule,
		}},
	}
	require.NoError(t, r.Persist(ctx, fdd, sections[0], okResult(), out))

	got, err := st.GetSection(ctx, sections[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionFailed, got.ExtractionStatus)
	assert.Nil(t, st.SectionResult(sections[0].ID))

	findings, err := st.ListValidationErrors(ctx, "section", sections[0].ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestPersistWarningsSetNeedsReview(t *testing.T) {
	st := store.NewMemory()
	fdd, sections := seed(t, st, 5)
	r := NewRouter(st)

	out := &validate.Outcome{
		NeedsReview: true,
		Errors: []model.ValidationError{{
			FieldPath: "fees[0]", Severity: model.SeverityWarning, Category: model.CategoryCrossField,
		}},
	}
	require.NoError(t, r.Persist(context.Background(), fdd, sections[0], okResult(), out))

	got, err := st.GetSection(context.Background(), sections[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExtractionSuccess, got.ExtractionStatus)
	assert.True(t, got.NeedsReview)
}

func TestFinalizeWaitsForTerminalSections(t *testing.T) {
	st := store.NewMemory()
	fdd, sections := seed(t, st, 5, 12)
	r := NewRouter(st)
	ctx := context.Background()

	done, err := r.FinalizeIfDone(ctx, fdd.ID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, r.Persist(ctx, fdd, sections[0], okResult(), &validate.Outcome{}))
	done, err = r.FinalizeIfDone(ctx, fdd.ID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, r.MarkSkipped(ctx, sections[1], "budget exhausted"))
	done, err = r.FinalizeIfDone(ctx, fdd.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := st.GetFDD(ctx, fdd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingCompleted, got.ProcessingStatus)
	require.NotNil(t, got.QualityScore)
	// Item 5 (weight 2) succeeded, item 12 (weight 1) skipped.
	assert.InDelta(t, 2.0/3.0, *got.QualityScore, 1e-9)
}

func TestFinalizeFailsWhenAllHighValueFailed(t *testing.T) {
	st := store.NewMemory()
	fdd, sections := seed(t, st, 5, 20, 3)
	r := NewRouter(st)
	ctx := context.Background()

	require.NoError(t, r.MarkFailed(ctx, sections[0], nil))
	require.NoError(t, r.MarkFailed(ctx, sections[1], nil))
	require.NoError(t, r.Persist(ctx, fdd, sections[2], &model.ExtractionResult{
		ItemNo:  3,
		Generic: &model.GenericItem{SchemaVersion: "generic-v1", Payload: []byte(`{}`)},
		Meta:    model.ExtractionMeta{Model: "test-model", Attempts: 1},
	}, &validate.Outcome{}))

	done, err := r.FinalizeIfDone(ctx, fdd.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := st.GetFDD(ctx, fdd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessingFailed, got.ProcessingStatus)
	assert.Equal(t, "all high-value sections failed", got.FailureReason)
}
