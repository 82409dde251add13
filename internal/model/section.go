package model

import (
	"fmt"
	"time"
)

// ItemCount is the number of logical FDD items: 0 (intro), 1..23, 24 (appendix).
const ItemCount = 25

// Section is a contiguous page range within an FDD covering one item.
// (FDDID, ItemNo) is unique; pages lie within the FDD's bounds.
type Section struct {
	ID               string           `json:"id"`
	FDDID            string           `json:"fdd_id"`
	ItemNo           int              `json:"item_no"`
	StartPage        int              `json:"start_page"`
	EndPage          int              `json:"end_page"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	ExtractionModel  string           `json:"extraction_model,omitempty"`
	AttemptCount     int              `json:"attempt_count"`
	NeedsReview      bool             `json:"needs_review"`
	Confidence       float64          `json:"confidence"`
	StoragePath      string           `json:"storage_path,omitempty"`
	ExtractedAt      *time.Time       `json:"extracted_at,omitempty"`
}

// SectionPath returns the object-store path for a segmented section PDF,
// e.g. /processed/<fdd_id>/section_07.pdf.
func SectionPath(fddID string, itemNo int) string {
	return fmt.Sprintf("/processed/%s/section_%02d.pdf", fddID, itemNo)
}

// HighValueItems are the items with normalized storage schemas and double
// weight in the quality score.
var HighValueItems = map[int]bool{5: true, 6: true, 7: true, 19: true, 20: true, 21: true}

// ItemTitles maps item numbers to their canonical FDD titles. Item 0 is the
// introductory cover/state pages and item 24 covers exhibits and appendices.
var ItemTitles = map[int]string{
	0:  "Introduction",
	1:  "The Franchisor and any Parents, Predecessors, and Affiliates",
	2:  "Business Experience",
	3:  "Litigation",
	4:  "Bankruptcy",
	5:  "Initial Fees",
	6:  "Other Fees",
	7:  "Estimated Initial Investment",
	8:  "Restrictions on Sources of Products and Services",
	9:  "Franchisee's Obligations",
	10: "Financing",
	11: "Franchisor's Assistance, Advertising, Computer Systems, and Training",
	12: "Territory",
	13: "Trademarks",
	14: "Patents, Copyrights, and Proprietary Information",
	15: "Obligation to Participate in the Actual Operation of the Franchise Business",
	16: "Restrictions on What the Franchisee May Sell",
	17: "Renewal, Termination, Transfer, and Dispute Resolution",
	18: "Public Figures",
	19: "Financial Performance Representations",
	20: "Outlets and Franchisee Information",
	21: "Financial Statements",
	22: "Contracts",
	23: "Receipts",
	24: "Appendix",
}
