package examsheet

import (
	"math"
	"testing"
)

func almostEqual(a, b BBox) bool {
	const eps = 1e-6
	return math.Abs(a.X-b.X) < eps && math.Abs(a.Y-b.Y) < eps &&
		math.Abs(a.W-b.W) < eps && math.Abs(a.H-b.H) < eps
}

func TestResolveBBoxPicksConvention(t *testing.T) {
	const pageW, pageH = 1000.0, 1400.0

	tests := []struct {
		name string
		raw  BBox
		want BBox
	}{
		{
			name: "normalized width height",
			raw:  BBox{X: 0.1, Y: 0.1, W: 0.4, H: 0.3},
			want: BBox{X: 100, Y: 140, W: 400, H: 420},
		},
		{
			name: "pixel width height",
			raw:  BBox{X: 100, Y: 200, W: 300, H: 500},
			want: BBox{X: 100, Y: 200, W: 300, H: 500},
		},
		{
			name: "pixel bottom right corner",
			raw:  BBox{X: 100, Y: 200, W: 900, H: 1300},
			want: BBox{X: 100, Y: 200, W: 800, H: 1100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveBBox(tt.raw, pageW, pageH)
			if !almostEqual(got, tt.want) {
				t.Fatalf("resolveBBox(%+v) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestResolveBBoxDegenerateFallsBackToFullPage(t *testing.T) {
	got := resolveBBox(BBox{}, 1000, 1400)
	if !almostEqual(got, BBox{X: 0, Y: 0, W: 1000, H: 1400}) {
		t.Fatalf("resolveBBox(zero) = %+v, want full page", got)
	}

	got = resolveBBox(BBox{X: 0.2, Y: 0.2, W: 0.5, H: 0.5}, 0, 0)
	if !almostEqual(got, BBox{X: 0, Y: 0, W: 1, H: 1}) {
		t.Fatalf("resolveBBox(no page dims) = %+v, want unit box", got)
	}
}

func TestNormalizeBBoxRoundTrips(t *testing.T) {
	got := normalizeBBox(BBox{X: 100, Y: 140, W: 400, H: 420}, 1000, 1400)
	if !almostEqual(got, BBox{X: 0.1, Y: 0.1, W: 0.4, H: 0.3}) {
		t.Fatalf("normalizeBBox() = %+v", got)
	}
}

func TestBBoxChanged(t *testing.T) {
	a := &BBox{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}
	same := &BBox{X: 0.1001, Y: 0.2, W: 0.3, H: 0.4}
	moved := &BBox{X: 0.15, Y: 0.2, W: 0.3, H: 0.4}

	if bboxChanged(nil, nil) {
		t.Fatal("nil vs nil must not count as changed")
	}
	if !bboxChanged(a, nil) {
		t.Fatal("nil vs set must count as changed")
	}
	if bboxChanged(a, same) {
		t.Fatal("sub-epsilon move must not count as changed")
	}
	if !bboxChanged(a, moved) {
		t.Fatal("real move must count as changed")
	}
}

func TestResolvePageIndex(t *testing.T) {
	tests := []struct {
		name       string
		candidate  int
		pageOffset int
		chunkLen   int
		totalPages int
		want       int
	}{
		{"local zero based", 0, 0, 3, 3, 0},
		{"local one based", 1, 0, 3, 3, 0},
		{"global one based in later chunk", 7, 6, 2, 8, 6},
		{"local zero based in later chunk", 0, 6, 2, 8, 6},
		{"in bounds but outside chunk", 3, 0, 2, 4, 3},
		{"nothing resolvable", 9, 0, 2, 4, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolvePageIndex(tt.candidate, tt.pageOffset, tt.chunkLen, tt.totalPages, tt.pageOffset)
			if got != tt.want {
				t.Fatalf("resolvePageIndex(%d) = %d, want %d", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestParseRegionsToleratesProse(t *testing.T) {
	content := "识别结果如下：\n```json\n[{\"text\":\"第1题 求极限\",\"bbox\":[0.1,0.1,0.8,0.2]},{\"text\":\"  \",\"bbox\":[0,0,1,1]}]\n```"
	regions := parseRegions(content)
	if len(regions) != 1 {
		t.Fatalf("len(regions) = %d, want 1 (blank region dropped)", len(regions))
	}
	if regions[0].Text != "第1题 求极限" {
		t.Fatalf("text = %q", regions[0].Text)
	}

	if got := parseRegions("no regions here"); got != nil {
		t.Fatalf("parseRegions(prose) = %+v, want nil", got)
	}
	if got := parseRegions("[not valid json]"); got != nil {
		t.Fatalf("parseRegions(garbage) = %+v, want nil", got)
	}
}

func TestRegionsToCardsOrdersAndFallsBack(t *testing.T) {
	regions := []Region{
		{Text: "lower", BBox: [4]float64{0.1, 0.6, 0.8, 0.2}},
		{Text: "upper", BBox: [4]float64{0.1, 0.1, 0.8, 0.2}},
	}
	cards := regionsToCards(regions, "", 1000, 1400)
	if len(cards) != 2 {
		t.Fatalf("len(cards) = %d, want 2", len(cards))
	}
	if cards[0].OCRText != "upper" || cards[1].OCRText != "lower" {
		t.Fatalf("cards not sorted top to bottom: %q, %q", cards[0].OCRText, cards[1].OCRText)
	}
	if cards[0].CardID == "" || cards[0].BBox == nil || cards[0].ResolvedBBox == nil {
		t.Fatalf("card missing id or bboxes: %+v", cards[0])
	}

	// No regions but raw text yields one card carrying the full text.
	fallback := regionsToCards(nil, "整页文字", 1000, 1400)
	if len(fallback) != 1 || fallback[0].OCRText != "整页文字" {
		t.Fatalf("fallback = %+v", fallback)
	}
	if !almostEqual(*fallback[0].BBox, BBox{X: 0, Y: 0, W: 1, H: 1}) {
		t.Fatalf("fallback bbox = %+v", fallback[0].BBox)
	}

	if got := regionsToCards(nil, "  ", 1000, 1400); got != nil {
		t.Fatalf("blank ocr output yielded cards: %+v", got)
	}
}

func TestParseGroupingReply(t *testing.T) {
	content := "好的，分组如下：{\"groups\":[{\"page_index\":1,\"question_label\":\"第3题\",\"region_indices\":[0,1]}]} 完毕"
	items := parseGroupingReply(content)
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].QuestionLabel != "第3题" || len(items[0].RegionIndices) != 2 {
		t.Fatalf("item = %+v", items[0])
	}

	if got := parseGroupingReply("no json"); got != nil {
		t.Fatalf("parseGroupingReply(prose) = %+v, want nil", got)
	}
}

func TestCardSlug(t *testing.T) {
	card := &CardPreview{QuestionLabel: "Question 3-A", CardID: "0123456789abcdef"}
	if got := cardSlug(card); got != "question-3-a-01234567" {
		t.Fatalf("cardSlug() = %q", got)
	}

	// Labels with no ASCII survive as the generic slug.
	card = &CardPreview{QuestionLabel: "第三题", CardID: "abcd"}
	if got := cardSlug(card); got != "card-abcd" {
		t.Fatalf("cardSlug(cjk) = %q", got)
	}
}
