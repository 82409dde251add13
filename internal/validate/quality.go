package validate

import "github.com/frandata/fddpipe/internal/model"

// highValueWeight is the quality-score weight of the normalized-schema items.
const highValueWeight = 2.0

// QualityScore returns the weighted fraction of sections that reached
// Success. High-value items count double; an empty section list scores zero.
func QualityScore(sections []model.Section) float64 {
	var got, total float64
	for _, s := range sections {
		w := 1.0
		if model.HighValueItems[s.ItemNo] {
			w = highValueWeight
		}
		total += w
		if s.ExtractionStatus == model.ExtractionSuccess {
			got += w
		}
	}
	if total == 0 {
		return 0
	}
	return got / total
}

// AllHighValueFailed reports whether every high-value section failed, which
// fails the whole document.
func AllHighValueFailed(sections []model.Section) bool {
	seen := false
	for _, s := range sections {
		if !model.HighValueItems[s.ItemNo] {
			continue
		}
		seen = true
		if s.ExtractionStatus != model.ExtractionFailed {
			return false
		}
	}
	return seen
}
