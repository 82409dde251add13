// Package validate enforces schema and domain invariants on extraction
// results and computes document quality scores.
package validate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/model"
	"github.com/frandata/fddpipe/internal/store"
)

// DefaultOutlierSigma is how many standard deviations a monetary value may
// sit from the cross-document mean before an Info flag is raised.
const DefaultOutlierSigma = 4.0

// outlierMinSamples is the minimum population before outlier flags fire;
// below it the distribution is too thin to trust.
const outlierMinSamples = 20

// Outcome is the validator's decision for one section.
type Outcome struct {
	Errors []model.ValidationError
	// Block means the record must not be stored; the section fails.
	Block bool
	// NeedsReview marks stored records carrying warnings or demoted errors.
	NeedsReview bool
	// Demoted is true when an active bypass downgraded errors to warnings.
	Demoted bool
}

// Validator checks extraction results. It is safe for concurrent use.
type Validator struct {
	store store.Store
	sigma float64
}

// New creates a validator. sigma <= 0 selects DefaultOutlierSigma.
func New(st store.Store, sigma float64) *Validator {
	if sigma <= 0 {
		sigma = DefaultOutlierSigma
	}
	return &Validator{store: st, sigma: sigma}
}

// ValidateSection runs the schema and business-rule tiers over one section's
// result. siblings carries the document's other completed results so
// cross-item rules can see them; missing entries skip those rules.
func (v *Validator) ValidateSection(ctx context.Context, fdd *model.FDD, section *model.Section, res *model.ExtractionResult, siblings map[int]*model.ExtractionResult) (*Outcome, error) {
	var errs []model.ValidationError

	switch {
	case res.Item5 != nil:
		errs = append(errs, checkItem5(res.Item5)...)
		errs = append(errs, v.outlierFlags(ctx, 5, item5Money(res.Item5))...)
	case res.Item6 != nil:
		errs = append(errs, checkItem6(res.Item6)...)
	case res.Item7 != nil:
		errs = append(errs, checkItem7(res.Item7)...)
		errs = append(errs, checkFranchiseFeeBracket(res.Item7, siblings[5])...)
		errs = append(errs, v.outlierFlags(ctx, 7, item7Money(res.Item7))...)
	case res.Item19 != nil:
		errs = append(errs, checkItem19(res.Item19)...)
	case res.Item20 != nil:
		errs = append(errs, checkItem20(res.Item20, fdd.IssueDate)...)
	case res.Item21 != nil:
		errs = append(errs, checkItem21(res.Item21, fdd.IssueDate)...)
		errs = append(errs, v.outlierFlags(ctx, 21, item21Money(res.Item21))...)
	case res.Generic != nil:
		errs = append(errs, checkGeneric(res.Generic)...)
	default:
		errs = append(errs, model.ValidationError{
			FieldPath: "result",
			Severity:  model.SeverityError,
			Category:  model.CategorySchema,
			Message:   "extraction result carries no payload",
		})
	}

	out := &Outcome{Errors: errs}
	if !hasSeverity(errs, model.SeverityError) {
		out.NeedsReview = hasSeverity(errs, model.SeverityWarning)
		return out, nil
	}

	bypassed, err := v.activeBypass(ctx, fdd, section)
	if err != nil {
		return nil, err
	}
	if !bypassed {
		out.Block = true
		return out, nil
	}

	// Demote errors to warnings under the bypass; the record stores but is
	// flagged for review.
	for i := range out.Errors {
		if out.Errors[i].Severity == model.SeverityError {
			out.Errors[i].Severity = model.SeverityWarning
		}
	}
	out.Demoted = true
	out.NeedsReview = true
	zap.L().Info("validate: bypass demoted errors",
		zap.String("fdd_id", fdd.ID),
		zap.Int("item_no", section.ItemNo),
	)
	return out, nil
}

// ValidateFDD checks document-level temporal invariants at registration.
func (v *Validator) ValidateFDD(fdd *model.FDD) []model.ValidationError {
	var errs []model.ValidationError
	if fdd.AmendmentDate != nil && fdd.AmendmentDate.Before(fdd.IssueDate) {
		errs = append(errs, model.ValidationError{
			FieldPath: "amendment_date",
			Severity:  model.SeverityWarning,
			Category:  model.CategoryBusinessRule,
			Actual:    fdd.AmendmentDate.Format("2006-01-02"),
			Expected:  ">= " + fdd.IssueDate.Format("2006-01-02"),
			Message:   "amendment predates issue date",
		})
	}
	return errs
}

func (v *Validator) activeBypass(ctx context.Context, fdd *model.FDD, section *model.Section) (bool, error) {
	for _, probe := range []struct{ typ, id string }{
		{"section", section.ID},
		{"fdd", fdd.ID},
	} {
		if probe.id == "" {
			continue
		}
		_, err := v.store.GetActiveBypass(ctx, probe.typ, probe.id)
		if err == nil {
			return true, nil
		}
		if !eris.Is(err, store.ErrNotFound) {
			return false, eris.Wrap(err, "validate: bypass lookup")
		}
	}
	return false, nil
}

// --- schema tier ---

func checkItem5(item *model.Item5Fees) []model.ValidationError {
	var errs []model.ValidationError
	for i, fee := range item.Fees {
		path := fmt.Sprintf("fees[%d]", i)
		if strings.TrimSpace(fee.Name) == "" {
			errs = append(errs, schemaError(path+".name", "", "non-empty fee name"))
		}
		if fee.AmountCents < 0 {
			errs = append(errs, rangeError(path+".amount_cents", fmt.Sprint(fee.AmountCents), ">= 0"))
		}
	}
	return errs
}

func checkItem6(item *model.Item6Fees) []model.ValidationError {
	var errs []model.ValidationError
	for i, fee := range item.Fees {
		path := fmt.Sprintf("fees[%d]", i)
		if strings.TrimSpace(fee.Name) == "" {
			errs = append(errs, schemaError(path+".name", "", "non-empty fee name"))
		}
		if (fee.AmountCents == nil) == (fee.AmountPercentage == nil) {
			errs = append(errs, model.ValidationError{
				FieldPath: path,
				Severity:  model.SeverityError,
				Category:  model.CategorySchema,
				Message:   "exactly one of amount_cents and amount_percentage must be set",
			})
		}
		if fee.AmountPercentage != nil && (*fee.AmountPercentage < 0 || *fee.AmountPercentage > 100) {
			errs = append(errs, rangeError(path+".amount_percentage", fmt.Sprint(*fee.AmountPercentage), "0..100"))
		}
		if fee.MinCents != nil && fee.MaxCents != nil && *fee.MinCents > *fee.MaxCents {
			errs = append(errs, rangeError(path+".min_cents", fmt.Sprint(*fee.MinCents), fmt.Sprintf("<= max_cents (%d)", *fee.MaxCents)))
		}
	}
	return errs
}

func checkItem7(item *model.Item7Investment) []model.ValidationError {
	var errs []model.ValidationError
	for i, line := range item.Lines {
		path := fmt.Sprintf("lines[%d]", i)
		if strings.TrimSpace(line.Category) == "" {
			errs = append(errs, schemaError(path+".category", "", "non-empty category"))
		}
		if line.LowCents < 0 {
			errs = append(errs, rangeError(path+".low_cents", fmt.Sprint(line.LowCents), ">= 0"))
		}
		if line.LowCents > line.HighCents {
			errs = append(errs, rangeError(path+".low_cents", fmt.Sprint(line.LowCents), fmt.Sprintf("<= high_cents (%d)", line.HighCents)))
		}
	}
	return errs
}

func checkItem19(item *model.Item19FPR) []model.ValidationError {
	var errs []model.ValidationError
	if strings.TrimSpace(item.DisclosureType) == "" {
		errs = append(errs, schemaError("disclosure_type", "", "non-empty disclosure type"))
	}
	if item.SampleSize < 0 {
		errs = append(errs, rangeError("sample_size", fmt.Sprint(item.SampleSize), ">= 0"))
	}
	errs = append(errs, checkFPRMetric("revenue", item.Revenue)...)
	errs = append(errs, checkFPRMetric("profit", item.Profit)...)
	return errs
}

// checkFPRMetric enforces low <= average <= high and low <= median <= high
// over whichever aggregates are present.
func checkFPRMetric(path string, m *model.FPRMetric) []model.ValidationError {
	if m == nil {
		return nil
	}
	var errs []model.ValidationError
	ordered := func(field string, lo, hi *int64) {
		if lo != nil && hi != nil && *lo > *hi {
			errs = append(errs, model.ValidationError{
				FieldPath: path + "." + field,
				Severity:  model.SeverityError,
				Category:  model.CategoryCrossField,
				Actual:    fmt.Sprint(*lo),
				Expected:  fmt.Sprintf("<= %d", *hi),
				Message:   "aggregate ordering violated",
			})
		}
	}
	ordered("low_cents", m.LowCents, m.AverageCents)
	ordered("average_cents", m.AverageCents, m.HighCents)
	ordered("low_cents", m.LowCents, m.MedianCents)
	ordered("median_cents", m.MedianCents, m.HighCents)
	return errs
}

func checkItem20(item *model.Item20Outlets, issueDate time.Time) []model.ValidationError {
	var errs []model.ValidationError
	for i, row := range item.Rows {
		path := fmt.Sprintf("rows[%d]", i)
		if row.OutletType != model.OutletFranchised && row.OutletType != model.OutletCompanyOwned {
			errs = append(errs, model.ValidationError{
				FieldPath: path + ".outlet_type",
				Severity:  model.SeverityError,
				Category:  model.CategoryFormat,
				Actual:    string(row.OutletType),
				Expected:  "Franchised or CompanyOwned",
				Message:   "unknown outlet type",
			})
		}
		for _, c := range []struct {
			name string
			val  int
		}{
			{"start", row.Start}, {"opened", row.Opened}, {"closed", row.Closed},
			{"transferred_in", row.TransferredIn}, {"transferred_out", row.TransferredOut},
			{"end", row.End},
		} {
			if c.val < 0 {
				errs = append(errs, rangeError(path+"."+c.name, fmt.Sprint(c.val), ">= 0"))
			}
		}
		errs = append(errs, checkFiscalYear(path+".fiscal_year", row.FiscalYear, issueDate)...)

		want := row.Start + row.Opened - row.Closed + row.TransferredIn - row.TransferredOut
		if row.End != want {
			errs = append(errs, model.ValidationError{
				FieldPath: path + ".end",
				Severity:  model.SeverityError,
				Category:  model.CategoryBusinessRule,
				Actual:    fmt.Sprint(row.End),
				Expected:  fmt.Sprint(want),
				Message:   "outlet math: end != start + opened - closed + transferred_in - transferred_out",
			})
		}
	}
	return errs
}

// balanceToleranceCents is how far assets may drift from liabilities plus
// equity before the row hard-fails ($1, covering rounding).
const balanceToleranceCents = 100

func checkItem21(item *model.Item21Financials, issueDate time.Time) []model.ValidationError {
	var errs []model.ValidationError
	for i, row := range item.Rows {
		path := fmt.Sprintf("rows[%d]", i)
		errs = append(errs, checkFiscalYear(path+".fiscal_year", row.FiscalYear, issueDate)...)

		diff := row.TotalAssetsCents - (row.TotalLiabilitiesCents + row.TotalEquityCents)
		if diff < 0 {
			diff = -diff
		}
		if diff > balanceToleranceCents {
			errs = append(errs, model.ValidationError{
				FieldPath: path + ".total_assets_cents",
				Severity:  model.SeverityError,
				Category:  model.CategoryBusinessRule,
				Actual:    fmt.Sprint(row.TotalAssetsCents),
				Expected:  fmt.Sprintf("%d +/- %d", row.TotalLiabilitiesCents+row.TotalEquityCents, balanceToleranceCents),
				Message:   "balance sheet does not balance",
			})
		}
	}
	return errs
}

func checkGeneric(item *model.GenericItem) []model.ValidationError {
	var errs []model.ValidationError
	if item.SchemaVersion == "" {
		errs = append(errs, schemaError("schema_version", "", "non-empty version"))
	}
	if len(item.Payload) == 0 {
		errs = append(errs, schemaError("payload", "", "non-empty JSON payload"))
	}
	return errs
}

func checkFiscalYear(path string, year int, issueDate time.Time) []model.ValidationError {
	max := issueDate.Year() + 1
	if issueDate.IsZero() {
		max = time.Now().Year() + 1
	}
	if year < 1900 || year > max {
		return []model.ValidationError{rangeError(path, fmt.Sprint(year), fmt.Sprintf("1900..%d", max))}
	}
	return nil
}

// --- cross-item tier ---

// checkFranchiseFeeBracket verifies that an Item 7 franchise-fee line
// brackets the Item 5 primary fee when both sections extracted.
func checkFranchiseFeeBracket(item7 *model.Item7Investment, sibling *model.ExtractionResult) []model.ValidationError {
	if sibling == nil || sibling.Item5 == nil {
		return nil
	}
	primary, ok := primaryFee(sibling.Item5)
	if !ok {
		return nil
	}
	for i, line := range item7.Lines {
		if !strings.Contains(strings.ToLower(line.Category), "franchise fee") {
			continue
		}
		if primary < line.LowCents || primary > line.HighCents {
			return []model.ValidationError{{
				FieldPath: fmt.Sprintf("lines[%d]", i),
				Severity:  model.SeverityWarning,
				Category:  model.CategoryCrossField,
				Actual:    fmt.Sprint(primary),
				Expected:  fmt.Sprintf("%d..%d", line.LowCents, line.HighCents),
				Message:   "initial franchise fee outside the Item 7 franchise fee range",
			}}
		}
		return nil
	}
	return nil
}

// primaryFee picks the Item 5 fee named like the franchise fee, falling back
// to the largest fee.
func primaryFee(item *model.Item5Fees) (int64, bool) {
	var best int64
	found := false
	for _, fee := range item.Fees {
		if strings.Contains(strings.ToLower(fee.Name), "franchise fee") {
			return fee.AmountCents, true
		}
		if !found || fee.AmountCents > best {
			best = fee.AmountCents
			found = true
		}
	}
	return best, found
}

// --- outlier tier ---

// moneySample is one monetary value to test against the stored distribution.
type moneySample struct {
	path  string
	field string
	value float64
}

func item5Money(item *model.Item5Fees) []moneySample {
	out := make([]moneySample, 0, len(item.Fees))
	for i, fee := range item.Fees {
		out = append(out, moneySample{fmt.Sprintf("fees[%d].amount_cents", i), "amount_cents", float64(fee.AmountCents)})
	}
	return out
}

func item7Money(item *model.Item7Investment) []moneySample {
	out := make([]moneySample, 0, 2*len(item.Lines))
	for i, line := range item.Lines {
		out = append(out,
			moneySample{fmt.Sprintf("lines[%d].low_cents", i), "low_cents", float64(line.LowCents)},
			moneySample{fmt.Sprintf("lines[%d].high_cents", i), "high_cents", float64(line.HighCents)},
		)
	}
	return out
}

func item21Money(item *model.Item21Financials) []moneySample {
	out := make([]moneySample, 0, 2*len(item.Rows))
	for i, row := range item.Rows {
		out = append(out,
			moneySample{fmt.Sprintf("rows[%d].total_revenue_cents", i), "total_revenue_cents", float64(row.TotalRevenueCents)},
			moneySample{fmt.Sprintf("rows[%d].total_assets_cents", i), "total_assets_cents", float64(row.TotalAssetsCents)},
		)
	}
	return out
}

func (v *Validator) outlierFlags(ctx context.Context, itemNo int, samples []moneySample) []model.ValidationError {
	var errs []model.ValidationError
	stats := make(map[string]*store.FieldStats)
	for _, s := range samples {
		st, ok := stats[s.field]
		if !ok {
			var err error
			st, err = v.store.FieldStats(ctx, itemNo, s.field)
			if err != nil {
				zap.L().Warn("validate: field stats unavailable",
					zap.Int("item_no", itemNo),
					zap.String("field", s.field),
					zap.Error(err),
				)
				continue
			}
			stats[s.field] = st
		}
		if st.N < outlierMinSamples || st.StdDev == 0 {
			continue
		}
		dev := s.value - st.Mean
		if dev < 0 {
			dev = -dev
		}
		if dev > v.sigma*st.StdDev {
			errs = append(errs, model.ValidationError{
				FieldPath: s.path,
				Severity:  model.SeverityInfo,
				Category:  model.CategoryRange,
				Actual:    fmt.Sprintf("%.0f", s.value),
				Expected:  fmt.Sprintf("within %.0f sigma of %.0f", v.sigma, st.Mean),
				Message:   "monetary value is a cross-document outlier",
			})
		}
	}
	return errs
}

// --- helpers ---

func schemaError(path, actual, expected string) model.ValidationError {
	return model.ValidationError{
		FieldPath: path,
		Severity:  model.SeverityError,
		Category:  model.CategorySchema,
		Actual:    actual,
		Expected:  expected,
		Message:   "required field missing or malformed",
	}
}

func rangeError(path, actual, expected string) model.ValidationError {
	return model.ValidationError{
		FieldPath: path,
		Severity:  model.SeverityError,
		Category:  model.CategoryRange,
		Actual:    actual,
		Expected:  expected,
		Message:   "value out of range",
	}
}

func hasSeverity(errs []model.ValidationError, sev model.Severity) bool {
	for _, e := range errs {
		if e.Severity == sev {
			return true
		}
	}
	return false
}
