package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/store"
)

func testFDD() *model.FDD {
	return &model.FDD{
		ID:           "fdd-1",
		FranchisorID: "fr-1",
		IssueDate:    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func validateOne(t *testing.T, res *model.ExtractionResult) *Outcome {
	t.Helper()
	v := New(store.NewMemory(), 0)
	out, err := v.ValidateSection(context.Background(), testFDD(), &model.Section{ID: "sec-1", ItemNo: res.ItemNo}, res, nil)
	require.NoError(t, err)
	return out
}

func TestOutletMathMismatchIsHardError(t *testing.T) {
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 20,
		Item20: &model.Item20Outlets{Rows: []model.OutletRow{{
			FiscalYear: 2023, OutletType: model.OutletFranchised,
			Start: 100, Opened: 10, Closed: 5, End: 106,
		}}},
	})

	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.SeverityError, out.Errors[0].Severity)
	assert.Equal(t, model.CategoryBusinessRule, out.Errors[0].Category)
	assert.Equal(t, "106", out.Errors[0].Actual)
	assert.Equal(t, "105", out.Errors[0].Expected)
	assert.True(t, out.Block)
}

func TestOutletMathWithTransfers(t *testing.T) {
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 20,
		Item20: &model.Item20Outlets{Rows: []model.OutletRow{{
			FiscalYear: 2023, OutletType: model.OutletCompanyOwned,
			Start: 50, Opened: 4, Closed: 2, TransferredIn: 3, TransferredOut: 1, End: 54,
		}}},
	})
	assert.Empty(t, out.Errors)
	assert.False(t, out.Block)
}

func TestItem19AverageAboveHighIsCrossFieldError(t *testing.T) {
	low, avg, high := int64(100000), int64(150000), int64(120000)
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 19,
		Item19: &model.Item19FPR{
			DisclosureType: "gross_sales",
			SampleSize:     40,
			Revenue:        &model.FPRMetric{LowCents: &low, AverageCents: &avg, HighCents: &high},
		},
	})

	require.NotEmpty(t, out.Errors)
	assert.Equal(t, model.CategoryCrossField, out.Errors[0].Category)
	assert.Equal(t, model.SeverityError, out.Errors[0].Severity)
	assert.True(t, out.Block)
}

func TestItem21BalanceTolerance(t *testing.T) {
	balanced := model.FinancialRow{
		FiscalYear:            2023,
		TotalAssetsCents:      1_000_050,
		TotalLiabilitiesCents: 600_000,
		TotalEquityCents:      400_000, // off by 50 cents, inside tolerance
	}
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 21,
		Item21: &model.Item21Financials{Rows: []model.FinancialRow{balanced}},
	})
	assert.Empty(t, out.Errors)

	broken := balanced
	broken.TotalAssetsCents += 200
	out = validateOne(t, &model.ExtractionResult{
		ItemNo: 21,
		Item21: &model.Item21Financials{Rows: []model.FinancialRow{broken}},
	})
	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.CategoryBusinessRule, out.Errors[0].Category)
	assert.True(t, out.Block)
}

func TestItem6ExclusiveAmount(t *testing.T) {
	cents := int64(5000)
	pct := 6.0
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 6,
		Item6: &model.Item6Fees{Fees: []model.OtherFee{
			{Name: "Royalty", AmountCents: &cents, AmountPercentage: &pct},
			{Name: "Ad Fund"},
		}},
	})

	require.Len(t, out.Errors, 2)
	for _, e := range out.Errors {
		assert.Equal(t, model.CategorySchema, e.Category)
	}
	assert.True(t, out.Block)
}

func TestItem7LowAboveHigh(t *testing.T) {
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 7,
		Item7: &model.Item7Investment{Lines: []model.InvestmentLine{
			{Category: "Rent", LowCents: 900_000, HighCents: 300_000},
		}},
	})
	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.CategoryRange, out.Errors[0].Category)
}

func TestFranchiseFeeBracket(t *testing.T) {
	item5 := &model.ExtractionResult{
		ItemNo: 5,
		Item5:  &model.Item5Fees{Fees: []model.InitialFee{{Name: "Initial Franchise Fee", AmountCents: 4_500_000}}},
	}
	item7 := &model.ExtractionResult{
		ItemNo: 7,
		Item7: &model.Item7Investment{Lines: []model.InvestmentLine{
			{Category: "Initial Franchise Fee", LowCents: 1_000_000, HighCents: 3_000_000},
		}},
	}

	v := New(store.NewMemory(), 0)
	out, err := v.ValidateSection(context.Background(), testFDD(), &model.Section{ID: "sec-7", ItemNo: 7}, item7,
		map[int]*model.ExtractionResult{5: item5})
	require.NoError(t, err)

	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.SeverityWarning, out.Errors[0].Severity)
	assert.Equal(t, model.CategoryCrossField, out.Errors[0].Category)
	assert.False(t, out.Block)
	assert.True(t, out.NeedsReview)
}

func TestFiscalYearOutOfRange(t *testing.T) {
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 20,
		Item20: &model.Item20Outlets{Rows: []model.OutletRow{{
			FiscalYear: 2031, OutletType: model.OutletFranchised,
			Start: 1, End: 1,
		}}},
	})
	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.CategoryRange, out.Errors[0].Category)
}

func TestBypassDemotesErrors(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateBypass(ctx, &model.Bypass{
		EntityType: "section",
		EntityID:   "sec-1",
		Reason:     "franchisor reports mid-year transfers separately",
	}))

	v := New(st, 0)
	out, err := v.ValidateSection(ctx, testFDD(), &model.Section{ID: "sec-1", ItemNo: 20}, &model.ExtractionResult{
		ItemNo: 20,
		Item20: &model.Item20Outlets{Rows: []model.OutletRow{{
			FiscalYear: 2023, OutletType: model.OutletFranchised,
			Start: 100, Opened: 10, Closed: 5, End: 106,
		}}},
	}, nil)
	require.NoError(t, err)

	assert.False(t, out.Block)
	assert.True(t, out.Demoted)
	assert.True(t, out.NeedsReview)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, model.SeverityWarning, out.Errors[0].Severity)
}

func TestRevokedBypassDoesNotDemote(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.CreateBypass(ctx, &model.Bypass{
		EntityType: "section",
		EntityID:   "sec-1",
		Reason:     "obsolete",
		RevokedAt:  &now,
	}))

	v := New(st, 0)
	out, err := v.ValidateSection(ctx, testFDD(), &model.Section{ID: "sec-1", ItemNo: 20}, &model.ExtractionResult{
		ItemNo: 20,
		Item20: &model.Item20Outlets{Rows: []model.OutletRow{{
			FiscalYear: 2023, OutletType: model.OutletFranchised,
			Start: 100, Opened: 10, Closed: 5, End: 106,
		}}},
	}, nil)
	require.NoError(t, err)
	assert.True(t, out.Block)
}

func TestAmendmentBeforeIssueWarns(t *testing.T) {
	fdd := testFDD()
	before := fdd.IssueDate.AddDate(0, -2, 0)
	fdd.AmendmentDate = &before

	v := New(store.NewMemory(), 0)
	errs := v.ValidateFDD(fdd)
	require.Len(t, errs, 1)
	assert.Equal(t, model.SeverityWarning, errs[0].Severity)
}

func TestQualityScoreWeighting(t *testing.T) {
	sections := []model.Section{
		{ItemNo: 5, ExtractionStatus: model.ExtractionSuccess},  // weight 2
		{ItemNo: 20, ExtractionStatus: model.ExtractionFailed},  // weight 2
		{ItemNo: 3, ExtractionStatus: model.ExtractionSuccess},  // weight 1
		{ItemNo: 12, ExtractionStatus: model.ExtractionSkipped}, // weight 1
	}
	// (2 + 1) / (2 + 2 + 1 + 1)
	assert.InDelta(t, 0.5, QualityScore(sections), 1e-9)
	assert.Zero(t, QualityScore(nil))
}

func TestAllHighValueFailed(t *testing.T) {
	assert.True(t, AllHighValueFailed([]model.Section{
		{ItemNo: 5, ExtractionStatus: model.ExtractionFailed},
		{ItemNo: 20, ExtractionStatus: model.ExtractionFailed},
		{ItemNo: 3, ExtractionStatus: model.ExtractionSuccess},
	}))
	assert.False(t, AllHighValueFailed([]model.Section{
		{ItemNo: 5, ExtractionStatus: model.ExtractionFailed},
		{ItemNo: 20, ExtractionStatus: model.ExtractionSuccess},
	}))
	// No high-value sections at all: the document is not failed on their account.
	assert.False(t, AllHighValueFailed([]model.Section{
		{ItemNo: 3, ExtractionStatus: model.ExtractionFailed},
	}))
}

func TestOutlierFlagNeedsPopulation(t *testing.T) {
	// MemoryStore starts with no samples, so no Info flags fire even for a
	// wild value.
	out := validateOne(t, &model.ExtractionResult{
		ItemNo: 5,
		Item5:  &model.Item5Fees{Fees: []model.InitialFee{{Name: "Initial Franchise Fee", AmountCents: 9_000_000_000}}},
	})
	assert.Empty(t, out.Errors)
}
