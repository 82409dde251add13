package model

// BlockType classifies a layout-analysis block.
type BlockType string

const (
	BlockTitle  BlockType = "title"
	BlockText   BlockType = "text"
	BlockHeader BlockType = "header"
	BlockTable  BlockType = "table"
	BlockImage  BlockType = "image"
)

// LayoutBlock is one detected region on a page. BBox is [x0, y0, x1, y1]
// in page coordinates.
type LayoutBlock struct {
	Type       BlockType  `json:"type"`
	BBox       [4]float64 `json:"bbox"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
}

// LayoutPage is the layout-analysis output for one page. PageIdx is
// zero-based; detection reports one-based page numbers.
type LayoutPage struct {
	PageIdx int           `json:"page_idx"`
	Width   float64       `json:"width"`
	Height  float64       `json:"height"`
	Blocks  []LayoutBlock `json:"blocks"`
}

// LayoutRecord is the full layout-analysis output for a document.
type LayoutRecord struct {
	Pages []LayoutPage `json:"pages"`
}

// PageCount returns the number of analyzed pages.
func (r LayoutRecord) PageCount() int {
	return len(r.Pages)
}
