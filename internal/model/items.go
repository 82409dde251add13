package model

import "encoding/json"

// InitialFee is one Item 5 line: a named fee the franchisee pays up front.
type InitialFee struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Refundable  bool   `json:"refundable"`
	Conditions  string `json:"conditions,omitempty"`
}

// Item5Fees holds all Item 5 initial fees for a section.
type Item5Fees struct {
	Fees []InitialFee `json:"fees"`
}

// OtherFee is one Item 6 line. Exactly one of AmountCents and
// AmountPercentage is set.
type OtherFee struct {
	Name             string   `json:"name"`
	AmountCents      *int64   `json:"amount_cents,omitempty"`
	AmountPercentage *float64 `json:"amount_percentage,omitempty"`
	Frequency        string   `json:"frequency,omitempty"`
	Basis            string   `json:"basis,omitempty"`
	MinCents         *int64   `json:"min_cents,omitempty"`
	MaxCents         *int64   `json:"max_cents,omitempty"`
}

// Item6Fees holds all Item 6 ongoing fees for a section.
type Item6Fees struct {
	Fees []OtherFee `json:"fees"`
}

// InvestmentLine is one Item 7 estimated initial investment category.
type InvestmentLine struct {
	Category  string `json:"category"`
	LowCents  int64  `json:"low_cents"`
	HighCents int64  `json:"high_cents"`
	WhenDue   string `json:"when_due,omitempty"`
	ToWhom    string `json:"to_whom,omitempty"`
}

// Item7Investment holds all Item 7 investment lines for a section.
type Item7Investment struct {
	Lines []InvestmentLine `json:"lines"`
}

// FPRMetric is an aggregated money metric from an Item 19 financial
// performance representation. All fields are optional cents values; when
// present, Low <= Average <= High and Low <= Median <= High must hold.
type FPRMetric struct {
	LowCents     *int64 `json:"low_cents,omitempty"`
	AverageCents *int64 `json:"average_cents,omitempty"`
	MedianCents  *int64 `json:"median_cents,omitempty"`
	HighCents    *int64 `json:"high_cents,omitempty"`
}

// Item19FPR is the Item 19 disclosure.
type Item19FPR struct {
	DisclosureType string     `json:"disclosure_type"`
	SampleSize     int        `json:"sample_size"`
	TimePeriod     string     `json:"time_period,omitempty"`
	Revenue        *FPRMetric `json:"revenue,omitempty"`
	Profit         *FPRMetric `json:"profit,omitempty"`
}

// OutletType distinguishes Item 20 outlet tables.
type OutletType string

const (
	OutletFranchised   OutletType = "Franchised"
	OutletCompanyOwned OutletType = "CompanyOwned"
)

// OutletRow is one (fiscal year, outlet type) row of Item 20. The outlet
// math invariant is End = Start + Opened - Closed + TransferredIn -
// TransferredOut.
type OutletRow struct {
	FiscalYear     int        `json:"fiscal_year"`
	OutletType     OutletType `json:"outlet_type"`
	Start          int        `json:"start"`
	Opened         int        `json:"opened"`
	Closed         int        `json:"closed"`
	TransferredIn  int        `json:"transferred_in"`
	TransferredOut int        `json:"transferred_out"`
	End            int        `json:"end"`
}

// Item20Outlets holds all Item 20 outlet rows for a section.
type Item20Outlets struct {
	Rows []OutletRow `json:"rows"`
}

// FinancialRow is one fiscal year of Item 21 statements, in cents.
// |Assets - (Liabilities + Equity)| <= $1 must hold.
type FinancialRow struct {
	FiscalYear            int   `json:"fiscal_year"`
	TotalRevenueCents     int64 `json:"total_revenue_cents"`
	OperatingIncomeCents  int64 `json:"operating_income_cents"`
	NetIncomeCents        int64 `json:"net_income_cents"`
	TotalAssetsCents      int64 `json:"total_assets_cents"`
	TotalLiabilitiesCents int64 `json:"total_liabilities_cents"`
	TotalEquityCents      int64 `json:"total_equity_cents"`
}

// Item21Financials holds all Item 21 rows for a section.
type Item21Financials struct {
	Rows []FinancialRow `json:"rows"`
}

// GenericItem carries the opaque validated JSON for items without a
// normalized schema, tagged with the schema version it was extracted under.
type GenericItem struct {
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// ExtractionMeta records how a section's extraction was produced.
type ExtractionMeta struct {
	Model         string  `json:"model"`
	PromptVersion string  `json:"prompt_version"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	Attempts      int     `json:"attempts"`
	Confidence    float64 `json:"confidence"`
}

// ExtractionResult is the tagged variant produced by the extraction engine.
// ItemNo discriminates which payload pointer is set; items outside the
// high-value set carry Generic.
type ExtractionResult struct {
	ItemNo  int               `json:"item_no"`
	Item5   *Item5Fees        `json:"item5,omitempty"`
	Item6   *Item6Fees        `json:"item6,omitempty"`
	Item7   *Item7Investment  `json:"item7,omitempty"`
	Item19  *Item19FPR        `json:"item19,omitempty"`
	Item20  *Item20Outlets    `json:"item20,omitempty"`
	Item21  *Item21Financials `json:"item21,omitempty"`
	Generic *GenericItem      `json:"generic,omitempty"`
	Meta    ExtractionMeta    `json:"meta"`
}

// TotalTokens returns input plus output tokens for budget accounting.
func (m ExtractionMeta) TotalTokens() int {
	return m.InputTokens + m.OutputTokens
}
