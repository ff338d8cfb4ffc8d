package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// IndexablePage is one page of per-page indexable text.
type IndexablePage struct {
	PageIndex int
	Text      string
	SourceID  string
}

// ContentResolver produces canonical indexable text per resource type.
type ContentResolver struct {
	db     *sql.DB
	parser goldmark.Markdown
}

// NewContentResolver creates a resolver over the vfs database.
func NewContentResolver(db *sql.DB) *ContentResolver {
	return &ContentResolver{
		db: db,
		parser: goldmark.New(
			goldmark.WithExtensions(extension.Table),
		),
	}
}

const maxMindMapDepth = 50

// Resolve returns the indexable text of a resource and, for paged types, the
// per-page breakdown. Retrieval resources resolve to empty text.
func (c *ContentResolver) Resolve(ctx context.Context, res *Resource) (string, []IndexablePage, error) {
	switch res.Type {
	case TypeNote:
		return c.stripMarkdown(res.Data), nil, nil
	case TypeTranslation:
		return resolveTranslation(res.Data), nil, nil
	case TypeEssay:
		return res.Data, nil, nil
	case TypeMindMap:
		return resolveMindMap(res.Data), nil, nil
	case TypeExam:
		return c.resolveExam(ctx, res)
	case TypeTextbook:
		return c.resolveTextbook(ctx, res)
	case TypeFile, TypeImage:
		return c.resolveFile(ctx, res)
	case TypeRetrieval:
		return "", nil, nil
	default:
		return res.Data, nil, nil
	}
}

// stripMarkdown flattens markdown to plain text by walking the goldmark AST
// and collecting text segments, one line per block.
func (c *ContentResolver) stripMarkdown(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	source := []byte(content)
	doc := c.parser.Parser().Parse(text.NewReader(source))

	var lines []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			lines = append(lines, s)
		}
		current.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				flush()
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			current.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				current.WriteByte(' ')
			}
		case *ast.AutoLink:
			current.Write(node.URL(source))
		case *ast.CodeBlock:
			for i := 0; i < node.Lines().Len(); i++ {
				seg := node.Lines().At(i)
				current.Write(seg.Value(source))
			}
		case *ast.FencedCodeBlock:
			for i := 0; i < node.Lines().Len(); i++ {
				seg := node.Lines().At(i)
				current.Write(seg.Value(source))
			}
		}
		return ast.WalkContinue, nil
	})
	flush()
	return strings.Join(lines, "\n")
}

func resolveTranslation(data string) string {
	var payload struct {
		Source     string `json:"source"`
		Translated string `json:"translated"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return data
	}
	parts := make([]string, 0, 2)
	if payload.Source != "" {
		parts = append(parts, payload.Source)
	}
	if payload.Translated != "" {
		parts = append(parts, payload.Translated)
	}
	return strings.Join(parts, "\n")
}

// mindNode is a node of the mindmap JSON tree stored inline.
type mindNode struct {
	Label    string      `json:"label"`
	Text     string      `json:"text"`
	Note     string      `json:"note"`
	Children []*mindNode `json:"children"`
}

func (n *mindNode) title() string {
	if n.Label != "" {
		return n.Label
	}
	return n.Text
}

func resolveMindMap(data string) string {
	var root mindNode
	if err := json.Unmarshal([]byte(data), &root); err != nil {
		return ""
	}
	var lines []string
	walkMindMap(&root, nil, 0, &lines)
	return strings.Join(lines, "\n")
}

func walkMindMap(n *mindNode, path []string, depth int, lines *[]string) {
	if n == nil || depth > maxMindMapDepth {
		return
	}
	title := strings.TrimSpace(n.title())
	childPath := path
	if title != "" {
		childPath = append(append([]string{}, path...), title)
		line := "【" + strings.Join(childPath, " > ") + "】"
		// The path already ends in the title; only a distinct body text
		// follows the brackets.
		if text := strings.TrimSpace(n.Text); text != "" && text != title {
			line += " " + text
		}
		if note := strings.TrimSpace(n.Note); note != "" {
			line += "\n备注: " + note
		}
		*lines = append(*lines, line)
	}
	for _, child := range n.Children {
		walkMindMap(child, childPath, depth+1, lines)
	}
}

// previewCard is one recognized card inside an exam sheet preview page.
type previewCard struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Tags     []string `json:"tags"`
	Answer   string   `json:"answer"`
	Analysis string   `json:"analysis"`
	Note     string   `json:"note"`
}

type previewPage struct {
	PageIndex int           `json:"page_index"`
	BlobHash  string        `json:"blob_hash"`
	Cards     []previewCard `json:"cards"`
}

type previewDoc struct {
	Pages []previewPage `json:"pages"`
}

func (c *ContentResolver) resolveExam(ctx context.Context, res *Resource) (string, []IndexablePage, error) {
	var previewJSON string
	err := c.db.QueryRowContext(ctx,
		"SELECT preview_json FROM exam_sheets WHERE resource_id = ?", res.ID).Scan(&previewJSON)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load exam sheet preview: %w", err)
	}

	var doc previewDoc
	if err := json.Unmarshal([]byte(previewJSON), &doc); err != nil {
		return "", nil, nil
	}
	var pages []IndexablePage
	var all []string
	for i, page := range doc.Pages {
		var parts []string
		for _, card := range page.Cards {
			parts = append(parts, cardText(card))
		}
		pageText := strings.TrimSpace(strings.Join(parts, "\n\n"))
		if pageText == "" {
			continue
		}
		idx := page.PageIndex
		if idx == 0 {
			idx = i
		}
		pages = append(pages, IndexablePage{PageIndex: idx, Text: pageText})
		all = append(all, pageText)
	}
	return strings.Join(all, "\n\n"), pages, nil
}

func cardText(card previewCard) string {
	var b strings.Builder
	writeField := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(value)
	}
	writeField("题目", card.Question)
	if len(card.Tags) > 0 {
		writeField("标签", strings.Join(card.Tags, ", "))
	}
	writeField("答案", card.Answer)
	writeField("解析", card.Analysis)
	writeField("笔记", card.Note)
	return b.String()
}

func (c *ContentResolver) resolveTextbook(ctx context.Context, res *Resource) (string, []IndexablePage, error) {
	file, err := c.loadFileRow(ctx, res.ID)
	if err != nil {
		return "", nil, err
	}
	if file == nil {
		return "", nil, nil
	}

	if pages := parseOCRPages(file.OCRPagesJSON); len(pages) > 0 {
		return joinPages(pages), pages, nil
	}

	// Legacy textbooks predate per-page OCR storage; approximate pages by
	// partitioning the flat extracted text evenly by page_count.
	if file.ExtractedText == "" {
		return "", nil, nil
	}
	if file.PageCount <= 1 {
		return file.ExtractedText, []IndexablePage{{PageIndex: 0, Text: file.ExtractedText}}, nil
	}
	runes := []rune(file.ExtractedText)
	per := (len(runes) + file.PageCount - 1) / file.PageCount
	var pages []IndexablePage
	for i := 0; i < file.PageCount; i++ {
		start := i * per
		if start >= len(runes) {
			break
		}
		end := start + per
		if end > len(runes) {
			end = len(runes)
		}
		pages = append(pages, IndexablePage{PageIndex: i, Text: string(runes[start:end])})
	}
	return file.ExtractedText, pages, nil
}

func (c *ContentResolver) resolveFile(ctx context.Context, res *Resource) (string, []IndexablePage, error) {
	file, err := c.loadFileRow(ctx, res.ID)
	if err != nil {
		return "", nil, err
	}
	extracted := ""
	ocrPagesJSON := ""
	if file != nil {
		extracted = file.ExtractedText
		ocrPagesJSON = file.OCRPagesJSON
	}

	best := extracted
	if len([]rune(res.OCRText)) > len([]rune(best)) {
		best = res.OCRText
	}
	pages := parseOCRPages(ocrPagesJSON)
	if best == "" && len(pages) > 0 {
		best = joinPages(pages)
	}
	if len(pages) > 0 {
		return best, pages, nil
	}
	return best, nil, nil
}

func (c *ContentResolver) loadFileRow(ctx context.Context, resourceID string) (*VfsFile, error) {
	var file VfsFile
	var extracted, ocrPages sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT id, resource_id, page_count, COALESCE(extracted_text, ''), COALESCE(ocr_pages_json, '')
		 FROM files WHERE resource_id = ?`, resourceID).
		Scan(&file.ID, &file.ResourceID, &file.PageCount, &extracted, &ocrPages)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file row: %w", err)
	}
	file.ExtractedText = extracted.String
	file.OCRPagesJSON = ocrPages.String
	return &file, nil
}

// parseOCRPages accepts three ocr_pages_json shapes: the current
// {pages:[{pageIndex,blocks:[{text}]}]} document, a bare array of page
// strings, and an array of {page_index,text} objects.
func parseOCRPages(raw string) []IndexablePage {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var doc struct {
		Pages []struct {
			PageIndex int `json:"pageIndex"`
			Blocks    []struct {
				Text string `json:"text"`
			} `json:"blocks"`
		} `json:"pages"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err == nil && len(doc.Pages) > 0 {
		var pages []IndexablePage
		for i, p := range doc.Pages {
			var parts []string
			for _, b := range p.Blocks {
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			}
			textBody := strings.TrimSpace(strings.Join(parts, "\n"))
			if textBody == "" {
				continue
			}
			idx := p.PageIndex
			if idx == 0 {
				idx = i
			}
			pages = append(pages, IndexablePage{PageIndex: idx, Text: textBody})
		}
		return pages
	}

	var plain []string
	if err := json.Unmarshal([]byte(raw), &plain); err == nil {
		var pages []IndexablePage
		for i, s := range plain {
			if strings.TrimSpace(s) == "" {
				continue
			}
			pages = append(pages, IndexablePage{PageIndex: i, Text: s})
		}
		return pages
	}

	var objs []struct {
		PageIndex int    `json:"page_index"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &objs); err == nil {
		var pages []IndexablePage
		for i, o := range objs {
			if strings.TrimSpace(o.Text) == "" {
				continue
			}
			idx := o.PageIndex
			if idx == 0 {
				idx = i
			}
			pages = append(pages, IndexablePage{PageIndex: idx, Text: o.Text})
		}
		return pages
	}
	return nil
}

func joinPages(pages []IndexablePage) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}
