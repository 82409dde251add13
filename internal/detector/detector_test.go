package detector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frandata/fddpipe/internal/model"
)

// titlePage builds a layout page whose first block is a title heading.
func titlePage(idx int, heading string) model.LayoutPage {
	return model.LayoutPage{
		PageIdx: idx,
		Blocks: []model.LayoutBlock{
			{Type: model.BlockTitle, Text: heading, Confidence: 0.99},
			{Type: model.BlockText, Text: "body text"},
		},
	}
}

func textPage(idx int, body string) model.LayoutPage {
	return model.LayoutPage{
		PageIdx: idx,
		Blocks:  []model.LayoutBlock{{Type: model.BlockText, Text: body}},
	}
}

// fullLayout builds a 50-page document with every item heading on page
// 2*itemNo, so all 23 items are anchored.
func fullLayout() (model.LayoutRecord, int) {
	total := 50
	pages := make([]model.LayoutPage, total)
	for i := 0; i < total; i++ {
		pages[i] = textPage(i, "filler")
	}
	for n := 1; n <= 23; n++ {
		pages[2*n] = titlePage(2*n, fmt.Sprintf("ITEM %d %s", n, model.ItemTitles[n]))
	}
	return model.LayoutRecord{Pages: pages}, total
}

func TestDetectAnchorsAllItems(t *testing.T) {
	layout, total := fullLayout()
	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)
	require.False(t, res.Fallback)
	assert.Equal(t, 23, res.Located)

	// Intro section plus 23 item sections.
	require.Len(t, res.Sections, 24)
	assert.Equal(t, 0, res.Sections[0].ItemNo)
	assert.Equal(t, 1, res.Sections[0].StartPage)
	assert.Equal(t, 2, res.Sections[0].EndPage)

	for i := 1; i <= 23; i++ {
		s := res.Sections[i]
		assert.Equal(t, i, s.ItemNo)
		assert.Equal(t, 2*i+1, s.StartPage, "item %d start", i)
		assert.Equal(t, confAnchor, s.Confidence)
		assert.False(t, s.NeedsReview)
	}
	// Sections tile the document with no gaps.
	for i := 1; i < len(res.Sections); i++ {
		assert.Equal(t, res.Sections[i-1].EndPage+1, res.Sections[i].StartPage)
	}
	assert.Equal(t, total, res.Sections[len(res.Sections)-1].EndPage)
}

func TestDetectDeterministic(t *testing.T) {
	layout, total := fullLayout()
	d := New(0)
	first, err := d.Detect(layout, total)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := d.Detect(layout, total)
		require.NoError(t, err)
		assert.Equal(t, first.Sections, again.Sections)
	}
}

func TestDetectInterpolatesSingleGap(t *testing.T) {
	layout, total := fullLayout()
	// Erase the item 12 heading; neighbors 11 (page 23) and 13 (page 27)
	// remain, so 12 is interpolated at the midpoint.
	layout.Pages[24] = textPage(24, "filler")

	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)
	assert.Equal(t, 22, res.Located)

	var found *model.Section
	for i := range res.Sections {
		if res.Sections[i].ItemNo == 12 {
			found = &res.Sections[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 25, found.StartPage)
	assert.True(t, found.NeedsReview)
	assert.Equal(t, confInterpolate, found.Confidence)
}

func TestDetectTOCBackfill(t *testing.T) {
	layout, total := fullLayout()
	// Erase the item 5 heading and place a TOC on page 2 naming it.
	layout.Pages[10] = textPage(10, "filler")
	layout.Pages[1] = textPage(1, "TABLE OF CONTENTS\nItem 5 Initial Fees ........ 11\n")

	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)
	assert.Equal(t, 23, res.Located)

	for _, s := range res.Sections {
		if s.ItemNo == 5 {
			assert.Equal(t, 11, s.StartPage)
			assert.Equal(t, confTOC, s.Confidence)
			return
		}
	}
	t.Fatal("item 5 not detected")
}

func TestDetectFuzzyHeading(t *testing.T) {
	layout, total := fullLayout()
	// Replace item 13's heading with an OCR-mangled title and no item number.
	layout.Pages[26] = titlePage(26, "Tradernarks")

	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)

	for _, s := range res.Sections {
		if s.ItemNo == 13 {
			assert.Equal(t, 27, s.StartPage)
			assert.Equal(t, confFuzzy, s.Confidence)
			return
		}
	}
	t.Fatal("item 13 not detected")
}

func TestDetectAnchorBeatsLowerPasses(t *testing.T) {
	layout, total := fullLayout()
	// A TOC entry pointing item 7 at the wrong page loses to the anchor.
	layout.Pages[1] = textPage(1, "TABLE OF CONTENTS\nItem 7 Estimated Initial Investment ... 40\n")

	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)
	for _, s := range res.Sections {
		if s.ItemNo == 7 {
			assert.Equal(t, 15, s.StartPage)
			assert.Equal(t, confAnchor, s.Confidence)
			return
		}
	}
	t.Fatal("item 7 not detected")
}

func TestDetectFallbackOnSparseAnchors(t *testing.T) {
	pages := make([]model.LayoutPage, 30)
	for i := range pages {
		pages[i] = textPage(i, "scanned noise")
	}
	pages[4] = titlePage(4, "ITEM 1")
	pages[9] = titlePage(9, "ITEM 5")

	res, err := New(0).Detect(model.LayoutRecord{Pages: pages}, 30)
	require.NoError(t, err)
	require.True(t, res.Fallback)
	assert.Equal(t, 2, res.Located)

	require.Len(t, res.Sections, 1)
	s := res.Sections[0]
	assert.Equal(t, 0, s.ItemNo)
	assert.Equal(t, 1, s.StartPage)
	assert.Equal(t, 30, s.EndPage)
	assert.True(t, s.NeedsReview)
}

func TestDetectEqualPageAnchorsDoNotOverlap(t *testing.T) {
	layout, total := fullLayout()
	// Item 4's heading lands on the same page as item 3's, as in a
	// two-column scan. Only one of the equal-confidence anchors may keep
	// the page; item 4 comes back via interpolation between 3 and 5.
	layout.Pages[8] = textPage(8, "filler")
	layout.Pages[6].Blocks = append(layout.Pages[6].Blocks, model.LayoutBlock{
		Type: model.BlockTitle,
		Text: fmt.Sprintf("ITEM 4 %s", model.ItemTitles[4]),
	})

	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)
	require.False(t, res.Fallback)

	for i := 1; i < len(res.Sections); i++ {
		prev, cur := res.Sections[i-1], res.Sections[i]
		assert.Greater(t, cur.StartPage, prev.EndPage,
			"item %d [%d,%d] overlaps item %d [%d,%d]",
			prev.ItemNo, prev.StartPage, prev.EndPage,
			cur.ItemNo, cur.StartPage, cur.EndPage)
	}

	byItem := make(map[int]model.Section)
	for _, s := range res.Sections {
		byItem[s.ItemNo] = s
	}
	assert.Equal(t, 7, byItem[3].StartPage)
	require.Contains(t, byItem, 4)
	assert.Equal(t, 9, byItem[4].StartPage) // midpoint of 7 and 11
	assert.True(t, byItem[4].NeedsReview)
}

func TestDetectDropsNonMonotone(t *testing.T) {
	layout, total := fullLayout()
	// Erase item 20's real heading and plant a body-text mention of its
	// title on page 31, before item 19's anchor on page 39. The low
	// confidence out-of-order hit must be dropped; item 20 then comes back
	// via interpolation between 19 and 21.
	layout.Pages[40] = textPage(40, "filler")
	layout.Pages[30].Blocks = append(layout.Pages[30].Blocks, model.LayoutBlock{
		Type: model.BlockText,
		Text: "see outlets and franchisee information",
	})

	res, err := New(0).Detect(layout, total)
	require.NoError(t, err)
	assert.Equal(t, 22, res.Located)

	for _, s := range res.Sections {
		if s.ItemNo == 20 {
			assert.Equal(t, 41, s.StartPage) // midpoint of 39 and 43
			assert.True(t, s.NeedsReview)
			return
		}
	}
	t.Fatal("item 20 not detected")
}
