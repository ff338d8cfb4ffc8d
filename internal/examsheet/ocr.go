package examsheet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/llm"
)

// Region is one text region returned by an OCR model.
type Region struct {
	Text string     `json:"text"`
	BBox [4]float64 `json:"bbox"` // x, y and either w,h or x2,y2; resolveBBox sorts it out
}

// OCR modes with their prompts and sampling temperatures.
type ocrMode struct {
	prompt      string
	temperature float64
}

var ocrModes = map[string]ocrMode{
	"deepseek-ocr-grounding": {
		prompt:      "识别图片中的所有文字区域。以 JSON 数组返回，每个元素为 {\"text\": 区域文字, \"bbox\": [x, y, w, h]}。",
		temperature: 0.0,
	},
	"qwenvl-html": {
		prompt:      "QwenVL HTML 模式：识别图片版面并以 JSON 数组返回文字区域，每个元素为 {\"text\": ..., \"bbox\": [x, y, w, h]}。",
		temperature: 0.1,
	},
	"paddleocr-vl": {
		prompt:      "识别图片中的文字。以 JSON 数组返回 {\"text\", \"bbox\"} 区域；若无法定位，返回整页文字。",
		temperature: 0.0,
	},
}

const defaultOCRMode = "deepseek-ocr-grounding"

// pagesPerChunk bounds how many pages one grouping request carries.
const pagesPerChunk = 6

// CallSinglePageOCR runs the configured OCR model on one page image,
// retrying rate limits with the standard backoff. Non-rate-limit provider
// errors are returned verbatim.
func (e *Engine) CallSinglePageOCR(ctx context.Context, cfg llm.ModelConfig, imagePath, mode string) ([]Region, string, error) {
	m, ok := ocrModes[mode]
	if !ok {
		m = ocrModes[defaultOCRMode]
	}

	dataURL, err := e.imageDataURL(imagePath)
	if err != nil {
		return nil, "", err
	}

	body := map[string]any{
		"messages": []any{map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
				map[string]any{"type": "text", "text": m.prompt},
			},
		}},
		"temperature": m.temperature,
	}

	var result map[string]any
	err = llm.RetryWithBackoff(ctx, func() error {
		var callErr error
		result, callErr = e.orch.Complete(ctx, cfg, body, "exam_sheet_ocr")
		return callErr
	})
	if err != nil {
		return nil, "", err
	}

	content := responseContent(result)
	regions := parseRegions(content)
	return regions, content, nil
}

func (e *Engine) imageDataURL(relPath string) (string, error) {
	abs := filepath.Join(e.root.Base(), filepath.FromSlash(relPath))
	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read page image: %w", err)
	}
	mediaType := mime.TypeByExtension(filepath.Ext(abs))
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func responseContent(result map[string]any) string {
	choices, _ := result["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content
}

// parseRegions extracts a JSON region array from the model output, tolerating
// surrounding prose and code fences.
func parseRegions(content string) []Region {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil
	}
	var regions []Region
	if err := json.Unmarshal([]byte(content[start:end+1]), &regions); err != nil {
		return nil
	}
	out := regions[:0]
	for _, r := range regions {
		if strings.TrimSpace(r.Text) != "" {
			out = append(out, r)
		}
	}
	return out
}

// regionsToCards converts OCR regions into preview cards with resolved
// bboxes. When the OCR yielded text but no regions, one full-page card is
// emitted.
func regionsToCards(regions []Region, rawText string, pageW, pageH int) []CardPreview {
	if len(regions) == 0 {
		if strings.TrimSpace(rawText) == "" {
			return nil
		}
		full := BBox{X: 0, Y: 0, W: 1, H: 1}
		resolved := resolveBBox(full, float64(pageW), float64(pageH))
		return []CardPreview{{
			CardID:       uuid.New().String(),
			OCRText:      rawText,
			BBox:         &full,
			ResolvedBBox: &resolved,
		}}
	}

	cards := make([]CardPreview, 0, len(regions))
	for _, region := range regions {
		raw := BBox{X: region.BBox[0], Y: region.BBox[1], W: region.BBox[2], H: region.BBox[3]}
		resolved := resolveBBox(raw, float64(pageW), float64(pageH))
		norm := normalizeBBox(resolved, float64(pageW), float64(pageH))
		cards = append(cards, CardPreview{
			CardID:       uuid.New().String(),
			OCRText:      region.Text,
			BBox:         &norm,
			ResolvedBBox: &resolved,
		})
	}
	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].ResolvedBBox.Y < cards[j].ResolvedBBox.Y
	})
	return cards
}

// ParseSheet OCRs every page of a session in parallel, groups regions into
// question cards with the text model, and writes the cards back.
func (e *Engine) ParseSheet(ctx context.Context, sessionID, mode string, focusHints []string) (*SessionDetail, error) {
	logger := contextutil.LoggerFromContext(ctx)

	rec, err := e.repo.GetExamSheet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	detail, err := detailFromRecord(rec)
	if err != nil {
		return nil, err
	}

	ocrCfg, err := e.models.ConfigForPurpose(ctx, "ocr")
	if err != nil {
		return nil, err
	}

	// Each page runs its own OCR retry loop; order is restored afterwards.
	var wg sync.WaitGroup
	pageErrs := make([]error, len(detail.Pages))
	for i := range detail.Pages {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			page := &detail.Pages[idx]
			regions, raw, err := e.CallSinglePageOCR(ctx, *ocrCfg, page.ImagePath, mode)
			if err != nil {
				pageErrs[idx] = fmt.Errorf("page %d: %w", page.PageIndex, err)
				return
			}
			page.Cards = regionsToCards(regions, raw, page.Width, page.Height)
		}(i)
	}
	wg.Wait()
	for _, err := range pageErrs {
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(detail.Pages, func(i, j int) bool {
		return detail.Pages[i].PageIndex < detail.Pages[j].PageIndex
	})

	if chatCfg, err := e.models.ConfigForPurpose(ctx, "chat"); err == nil {
		if err := e.groupCards(ctx, *chatCfg, detail, focusHints); err != nil {
			logger.WarnContext(ctx, "card grouping failed, keeping raw regions",
				"session_id", sessionID, "error", err)
		}
	}

	aggregateTags(detail)
	refreshCounts(detail)
	if err := e.saveDetail(ctx, rec, detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// grouping reply shape expected from the text model.
type groupingItem struct {
	PageIndex     int    `json:"page_index"`
	QuestionLabel string `json:"question_label"`
	RegionIndices []int  `json:"region_indices"`
}

// groupCards asks the text model to merge OCR regions into logical questions.
// Sheets beyond pagesPerChunk pages are sent in chunks with a page offset.
func (e *Engine) groupCards(ctx context.Context, cfg llm.ModelConfig, detail *SessionDetail, focusHints []string) error {
	for offset := 0; offset < len(detail.Pages); offset += pagesPerChunk {
		endIdx := offset + pagesPerChunk
		if endIdx > len(detail.Pages) {
			endIdx = len(detail.Pages)
		}
		chunk := detail.Pages[offset:endIdx]

		prompt := buildGroupingPrompt(chunk, offset, focusHints)
		body := map[string]any{
			"messages": []any{map[string]any{"role": "user", "content": prompt}},
			"response_format": map[string]any{"type": "json_object"},
		}

		var result map[string]any
		err := llm.RetryWithBackoff(ctx, func() error {
			var callErr error
			result, callErr = e.orch.Complete(ctx, cfg, body, "exam_sheet_grouping")
			return callErr
		})
		if err != nil {
			return err
		}

		items := parseGroupingReply(responseContent(result))
		applyGrouping(detail, items, offset, len(chunk))
	}
	return nil
}

func buildGroupingPrompt(pages []PreviewPage, pageOffset int, focusHints []string) string {
	var b strings.Builder
	b.WriteString("下面是试卷若干页的 OCR 文字区域。请将属于同一道题目的区域合并，")
	b.WriteString("以 JSON 返回 {\"groups\": [{\"page_index\": 页码, \"question_label\": 题号, \"region_indices\": [区域序号]}]}。\n")
	if len(focusHints) > 0 {
		b.WriteString("重点关注: " + strings.Join(focusHints, "、") + "\n")
	}
	for i, page := range pages {
		fmt.Fprintf(&b, "\n第 %d 页 (page_index=%d):\n", pageOffset+i+1, page.PageIndex)
		for ri, card := range page.Cards {
			fmt.Fprintf(&b, "  区域 %d: %s\n", ri, strings.ReplaceAll(card.OCRText, "\n", " "))
		}
	}
	return b.String()
}

func parseGroupingReply(content string) []groupingItem {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil
	}
	var reply struct {
		Groups []groupingItem `json:"groups"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil
	}
	return reply.Groups
}

// applyGrouping merges each group's regions into one card on the resolved
// page. Models disagree on page numbering, so the index is resolved
// tolerantly.
func applyGrouping(detail *SessionDetail, items []groupingItem, pageOffset, chunkLen int) {
	grouped := make(map[int][]groupingItem)
	for _, item := range items {
		pi := resolvePageIndex(item.PageIndex, pageOffset, chunkLen, len(detail.Pages), pageOffset)
		grouped[pi] = append(grouped[pi], item)
	}
	for pi, pageItems := range grouped {
		if pi < 0 || pi >= len(detail.Pages) {
			continue
		}
		page := &detail.Pages[pi]
		var merged []CardPreview
		used := make(map[int]bool)
		for _, item := range pageItems {
			card := mergeRegions(page, item)
			if card == nil {
				continue
			}
			for _, ri := range item.RegionIndices {
				used[ri] = true
			}
			merged = append(merged, *card)
		}
		// Regions no group claimed stay as their own cards.
		for ri, card := range page.Cards {
			if !used[ri] {
				merged = append(merged, card)
			}
		}
		sort.SliceStable(merged, func(i, j int) bool {
			bi, bj := merged[i].ResolvedBBox, merged[j].ResolvedBBox
			if bi == nil || bj == nil {
				return bi != nil
			}
			return bi.Y < bj.Y
		})
		page.Cards = merged
	}
}

func mergeRegions(page *PreviewPage, item groupingItem) *CardPreview {
	var texts []string
	var union *BBox
	for _, ri := range item.RegionIndices {
		if ri < 0 || ri >= len(page.Cards) {
			continue
		}
		region := page.Cards[ri]
		texts = append(texts, region.OCRText)
		if region.ResolvedBBox != nil {
			if union == nil {
				u := *region.ResolvedBBox
				union = &u
			} else {
				x2 := maxf(union.X+union.W, region.ResolvedBBox.X+region.ResolvedBBox.W)
				y2 := maxf(union.Y+union.H, region.ResolvedBBox.Y+region.ResolvedBBox.H)
				union.X = minf(union.X, region.ResolvedBBox.X)
				union.Y = minf(union.Y, region.ResolvedBBox.Y)
				union.W = x2 - union.X
				union.H = y2 - union.Y
			}
		}
	}
	if len(texts) == 0 {
		return nil
	}
	card := &CardPreview{
		CardID:        uuid.New().String(),
		QuestionLabel: item.QuestionLabel,
		OCRText:       strings.Join(texts, "\n"),
		Question:      strings.Join(texts, "\n"),
		ResolvedBBox:  union,
	}
	if union != nil && page.Width > 0 && page.Height > 0 {
		norm := normalizeBBox(*union, float64(page.Width), float64(page.Height))
		card.BBox = &norm
	}
	return card
}

// resolvePageIndex maps a model-reported page index onto the global page
// slice. Models variously return local 0-based, local 1-based, global
// 0-based, or global 1-based indices; the in-bounds candidate closest to the
// expected target wins.
func resolvePageIndex(candidate, pageOffset, chunkLen, totalPages, expected int) int {
	options := []int{
		candidate + pageOffset,     // local 0-based
		candidate - 1 + pageOffset, // local 1-based
		candidate,                  // global 0-based
		candidate - 1,              // global 1-based
	}
	best := -1
	bestDist := int(^uint(0) >> 1)
	for _, opt := range options {
		if opt < 0 || opt >= totalPages {
			continue
		}
		if pageOffset <= opt && opt < pageOffset+chunkLen {
			dist := abs(opt - expected)
			if dist < bestDist {
				best = opt
				bestDist = dist
			}
		}
	}
	if best < 0 {
		for _, opt := range options {
			if opt >= 0 && opt < totalPages {
				return opt
			}
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
