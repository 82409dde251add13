// Package detector locates the 25 logical FDD sections (intro, items 1-23,
// appendix) within a document from its layout-analysis output. Detection is
// multi-pass: explicit "Item N" anchors, the table of contents, body-text
// title matching, and fuzzy title matching, merged by confidence.
package detector

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/model"
)

// Pass confidence levels, highest wins during merge.
const (
	confAnchor      = 0.95
	confTOC         = 0.90
	confTextScan    = 0.75
	confFuzzy       = 0.70
	confInterpolate = 0.50
)

// fuzzyMinRatio is the minimum Levenshtein similarity for the fuzzy pass.
const fuzzyMinRatio = 0.80

// DefaultMinAnchors is how many of the 25 items must be located before the
// detection result is trusted.
const DefaultMinAnchors = 18

// Candidate is one located item start before boundary assignment.
type Candidate struct {
	ItemNo       int
	Page         int // one-based
	Confidence   float64
	Pass         int // 1=anchor 2=toc 3=text 4=fuzzy 5=interpolated
	Interpolated bool
}

// Result is the detector output for one document.
type Result struct {
	Sections []model.Section
	// Located counts items found by passes 1-4 (interpolation excluded).
	Located int
	// Fallback is true when too few anchors were found and the whole
	// document was emitted as a single needs-review section.
	Fallback bool
}

// Detector derives section boundaries from layout records. It is stateless
// and safe for concurrent use.
type Detector struct {
	minAnchors int
}

// New creates a Detector. minAnchors <= 0 selects DefaultMinAnchors.
func New(minAnchors int) *Detector {
	if minAnchors <= 0 {
		minAnchors = DefaultMinAnchors
	}
	return &Detector{minAnchors: minAnchors}
}

var (
	// anchorRe matches a block that opens with an explicit item heading,
	// e.g. "ITEM 7" or "Item 19 Financial Performance Representations".
	anchorRe = regexp.MustCompile(`(?i)^\s*item\s+(\d{1,2})\b`)

	// tocLineRe matches one table-of-contents line: the item heading, filler,
	// then a trailing page number.
	tocLineRe = regexp.MustCompile(`(?i)^\s*item\s+(\d{1,2})\b.*?(\d{1,4})\s*$`)
)

// Detect runs all passes over the layout record and returns sections covering
// pages 1..totalPages. Results are deterministic for identical input.
func (d *Detector) Detect(layout model.LayoutRecord, totalPages int) (*Result, error) {
	if totalPages <= 0 {
		totalPages = layout.PageCount()
	}

	candidates := d.anchorPass(layout)
	candidates = append(candidates, d.tocPass(layout, totalPages)...)
	candidates = append(candidates, d.textScanPass(layout)...)
	candidates = append(candidates, d.fuzzyPass(layout)...)

	merged := merge(candidates, totalPages)
	located := len(merged)

	if located < d.minAnchors {
		zap.L().Warn("detector: too few item anchors, falling back to single section",
			zap.Int("located", located),
			zap.Int("required", d.minAnchors),
		)
		return &Result{
			Sections: []model.Section{{
				ItemNo:           0,
				StartPage:        1,
				EndPage:          totalPages,
				ExtractionStatus: model.ExtractionPending,
				NeedsReview:      true,
				Confidence:       0,
			}},
			Located:  located,
			Fallback: true,
		}, nil
	}

	merged = interpolate(merged)
	sections := assignBoundaries(merged, totalPages)

	zap.L().Debug("detector: sections resolved",
		zap.Int("located", located),
		zap.Int("sections", len(sections)),
	)
	return &Result{Sections: sections, Located: located}, nil
}

// anchorPass scans title and header blocks for explicit "Item N" headings.
func (d *Detector) anchorPass(layout model.LayoutRecord) []Candidate {
	var out []Candidate
	for _, page := range layout.Pages {
		for _, block := range page.Blocks {
			if block.Type != model.BlockTitle && block.Type != model.BlockHeader {
				continue
			}
			m := anchorRe.FindStringSubmatch(block.Text)
			if m == nil {
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 || n > 23 {
				continue
			}
			out = append(out, Candidate{ItemNo: n, Page: page.PageIdx + 1, Confidence: confAnchor, Pass: 1})
		}
	}
	return out
}

// tocPass parses table-of-contents lines. The TOC region is any page in the
// first tenth of the document holding a block with the literal "table of
// contents"; each "Item N ... P" line on such a page emits a candidate at
// the printed page number.
func (d *Detector) tocPass(layout model.LayoutRecord, totalPages int) []Candidate {
	limit := totalPages / 10
	if limit < 1 {
		limit = 1
	}

	var out []Candidate
	for _, page := range layout.Pages {
		if page.PageIdx+1 > limit || !isTOCPage(page) {
			continue
		}
		for _, block := range page.Blocks {
			if block.Type == model.BlockImage {
				continue
			}
			for _, line := range strings.Split(block.Text, "\n") {
				m := tocLineRe.FindStringSubmatch(line)
				if m == nil {
					continue
				}
				n, err := strconv.Atoi(m[1])
				if err != nil || n < 1 || n > 23 {
					continue
				}
				p, err := strconv.Atoi(m[2])
				if err != nil || p < 1 || p > totalPages {
					continue
				}
				out = append(out, Candidate{ItemNo: n, Page: p, Confidence: confTOC, Pass: 2})
			}
		}
	}
	return out
}

func isTOCPage(page model.LayoutPage) bool {
	for _, block := range page.Blocks {
		if strings.Contains(strings.ToLower(block.Text), "table of contents") {
			return true
		}
	}
	return false
}

// textScanPass matches canonical item titles appearing verbatim in any text
// block, catching documents whose headings the layout model missed.
func (d *Detector) textScanPass(layout model.LayoutRecord) []Candidate {
	var out []Candidate
	for _, page := range layout.Pages {
		for _, block := range page.Blocks {
			if block.Type == model.BlockImage || block.Type == model.BlockTable {
				continue
			}
			lower := strings.ToLower(block.Text)
			for n := 1; n <= 23; n++ {
				title := strings.ToLower(model.ItemTitles[n])
				if strings.Contains(lower, title) {
					out = append(out, Candidate{ItemNo: n, Page: page.PageIdx + 1, Confidence: confTextScan, Pass: 3})
				}
			}
		}
	}
	return out
}

// fuzzyPass compares title-block text against canonical item titles with
// Levenshtein similarity, tolerating OCR noise in headings.
func (d *Detector) fuzzyPass(layout model.LayoutRecord) []Candidate {
	var out []Candidate
	for _, page := range layout.Pages {
		for _, block := range page.Blocks {
			if block.Type != model.BlockTitle && block.Type != model.BlockHeader {
				continue
			}
			text := normalizeHeading(block.Text)
			if text == "" {
				continue
			}
			bestItem, bestRatio := 0, 0.0
			for n := 1; n <= 23; n++ {
				ratio := levenshtein.Similarity(text, strings.ToLower(model.ItemTitles[n]), nil)
				if ratio > bestRatio {
					bestItem, bestRatio = n, ratio
				}
			}
			if bestRatio >= fuzzyMinRatio {
				out = append(out, Candidate{ItemNo: bestItem, Page: page.PageIdx + 1, Confidence: confFuzzy, Pass: 4})
			}
		}
	}
	return out
}

// normalizeHeading lowercases a heading and strips any leading "item N"
// prefix so the remainder compares against the bare title.
func normalizeHeading(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = anchorRe.ReplaceAllString(s, "")
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// merge keeps the best candidate per item (highest confidence, then earliest
// pass, then earliest page) and drops candidates that would place an item on
// or before a higher-confidence predecessor's page, keeping start pages
// strictly increasing so sections never overlap.
func merge(candidates []Candidate, totalPages int) []Candidate {
	best := make(map[int]Candidate)
	for _, c := range candidates {
		if c.Page < 1 || c.Page > totalPages {
			continue
		}
		cur, ok := best[c.ItemNo]
		if !ok || better(c, cur) {
			best[c.ItemNo] = c
		}
	}

	items := make([]int, 0, len(best))
	for n := range best {
		items = append(items, n)
	}
	sort.Ints(items)

	// Enforce strictly increasing start pages in item order. When an item
	// lands on or before its predecessor's page, drop the lower-confidence
	// side (the predecessor wins ties).
	var kept []Candidate
	for _, n := range items {
		c := best[n]
		for len(kept) > 0 && kept[len(kept)-1].Page >= c.Page {
			prev := kept[len(kept)-1]
			if prev.Confidence >= c.Confidence {
				c = Candidate{} // dropped
				break
			}
			kept = kept[:len(kept)-1]
		}
		if c.ItemNo != 0 {
			kept = append(kept, c)
		}
	}
	return kept
}

func better(a, b Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Pass != b.Pass {
		return a.Pass < b.Pass
	}
	return a.Page < b.Page
}

// interpolate synthesizes a start page for a single missing item between two
// located neighbors at least two pages apart, flagged for review.
func interpolate(located []Candidate) []Candidate {
	out := append([]Candidate(nil), located...)
	for i := 0; i+1 < len(located); i++ {
		a, b := located[i], located[i+1]
		if b.ItemNo-a.ItemNo != 2 || b.Page-a.Page < 2 {
			continue
		}
		mid := (a.Page + b.Page + 1) / 2
		out = append(out, Candidate{
			ItemNo:       a.ItemNo + 1,
			Page:         mid,
			Confidence:   confInterpolate,
			Pass:         5,
			Interpolated: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemNo < out[j].ItemNo })
	return out
}

// assignBoundaries turns item start pages into contiguous sections covering
// 1..totalPages. Pages before the first located item form the intro section;
// the last located item runs to the end of the document.
func assignBoundaries(located []Candidate, totalPages int) []model.Section {
	var sections []model.Section

	if len(located) == 0 || located[0].Page > 1 {
		introEnd := totalPages
		if len(located) > 0 {
			introEnd = located[0].Page - 1
		}
		sections = append(sections, model.Section{
			ItemNo:           0,
			StartPage:        1,
			EndPage:          introEnd,
			ExtractionStatus: model.ExtractionPending,
			Confidence:       1,
		})
	}

	for i, c := range located {
		end := totalPages
		if i+1 < len(located) {
			end = located[i+1].Page - 1
		}
		if end < c.Page {
			end = c.Page
		}
		sections = append(sections, model.Section{
			ItemNo:           c.ItemNo,
			StartPage:        c.Page,
			EndPage:          end,
			ExtractionStatus: model.ExtractionPending,
			NeedsReview:      c.Interpolated,
			Confidence:       c.Confidence,
		})
	}

	return sections
}
