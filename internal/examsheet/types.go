// Package examsheet imports scanned exam sheets, runs per-page OCR, groups
// regions into question cards, and maintains the card previews.
package examsheet

import (
	"encoding/json"
	"fmt"
	"time"
)

// BBox is a rectangle. Normalized form uses 0..1 coordinates relative to the
// page; resolved form uses pixels.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CardPreview is one recognized question card on a page.
type CardPreview struct {
	CardID           string   `json:"id"`
	QuestionLabel    string   `json:"question_label,omitempty"`
	Question         string   `json:"question,omitempty"`
	OCRText          string   `json:"ocr_text,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Answer           string   `json:"answer,omitempty"`
	Analysis         string   `json:"analysis,omitempty"`
	Note             string   `json:"note,omitempty"`
	BBox             *BBox    `json:"bbox,omitempty"`
	ResolvedBBox     *BBox    `json:"resolved_bbox,omitempty"`
	ThumbnailPath    string   `json:"thumbnail_path,omitempty"`
	LinkedMistakeIDs []string `json:"linked_mistake_ids,omitempty"`
}

// PreviewPage is one page of an exam sheet session.
type PreviewPage struct {
	PageIndex int           `json:"page_index"`
	ImagePath string        `json:"image_path,omitempty"`
	BlobHash  string        `json:"blob_hash,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Cards     []CardPreview `json:"cards"`
}

// SessionSummary is the summary_json payload of an exam sheet.
type SessionSummary struct {
	Metadata struct {
		Tags []string `json:"tags"`
	} `json:"metadata"`
}

// SessionDetail is the full in-memory view of an exam sheet session.
type SessionDetail struct {
	SessionID string         `json:"session_id"`
	ExamName  string         `json:"exam_name"`
	Pages     []PreviewPage  `json:"pages"`
	Summary   SessionSummary `json:"summary"`
	PageCount int            `json:"page_count"`
	CardCount int            `json:"card_count"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type previewDoc struct {
	Pages []PreviewPage `json:"pages"`
}

func parsePreviewJSON(raw string) ([]PreviewPage, error) {
	if raw == "" {
		return nil, nil
	}
	var doc previewDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse preview json: %w", err)
	}
	return doc.Pages, nil
}

func marshalPreviewJSON(pages []PreviewPage) (string, error) {
	raw, err := json.Marshal(previewDoc{Pages: pages})
	if err != nil {
		return "", fmt.Errorf("failed to marshal preview json: %w", err)
	}
	return string(raw), nil
}

func parseSummaryJSON(raw string) (SessionSummary, error) {
	var s SessionSummary
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("failed to parse summary json: %w", err)
	}
	return s, nil
}

func marshalSummaryJSON(s SessionSummary) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary json: %w", err)
	}
	return string(raw), nil
}
