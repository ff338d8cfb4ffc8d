package examsheet

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

// Engine owns exam-sheet sessions: import, OCR, card maintenance.
type Engine struct {
	repo   *storage.ResourceRepo
	root   *approot.Root
	orch   *llm.Orchestrator
	models *llm.ModelConfigStore
}

// NewEngine creates an exam-sheet engine.
func NewEngine(repo *storage.ResourceRepo, root *approot.Root, orch *llm.Orchestrator, models *llm.ModelConfigStore) *Engine {
	return &Engine{repo: repo, root: root, orch: orch, models: models}
}

// GetSession loads a session. Assets still under images/exam_temp/ are
// archived on first read and the rewritten preview is persisted.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*SessionDetail, error) {
	rec, err := e.repo.GetExamSheet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	detail, err := detailFromRecord(rec)
	if err != nil {
		return nil, err
	}

	changed, err := archiveSessionAssets(e.root, detail)
	if err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to archive session assets",
			"session_id", sessionID, "error", err)
	}
	if changed {
		if err := e.saveDetail(ctx, rec, detail); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

func detailFromRecord(rec *storage.ExamSheetRecord) (*SessionDetail, error) {
	pages, err := parsePreviewJSON(rec.PreviewJSON)
	if err != nil {
		return nil, err
	}
	summary, err := parseSummaryJSON(rec.SummaryJSON)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{
		SessionID: rec.ID,
		ExamName:  rec.ExamName,
		Pages:     pages,
		Summary:   summary,
		PageCount: rec.PageCount,
		CardCount: rec.CardCount,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (e *Engine) saveDetail(ctx context.Context, rec *storage.ExamSheetRecord, detail *SessionDetail) error {
	previewJSON, err := marshalPreviewJSON(detail.Pages)
	if err != nil {
		return err
	}
	summaryJSON, err := marshalSummaryJSON(detail.Summary)
	if err != nil {
		return err
	}
	rec.ExamName = detail.ExamName
	rec.PreviewJSON = previewJSON
	rec.SummaryJSON = summaryJSON
	rec.PageCount = detail.PageCount
	rec.CardCount = detail.CardCount
	return e.repo.SaveExamSheet(ctx, rec)
}

// CreateSession persists a new exam-sheet session as a VFS exam resource.
func (e *Engine) CreateSession(ctx context.Context, examName string, pages []PreviewPage, folderID string) (*SessionDetail, error) {
	res, err := e.repo.CreateInlineResource(ctx, storage.TypeExam, examName, "", folderID)
	if err != nil {
		return nil, err
	}
	rec, err := e.repo.GetExamSheet(ctx, res.SourceID)
	if err != nil {
		return nil, err
	}
	detail := &SessionDetail{
		SessionID: rec.ID,
		ExamName:  examName,
		Pages:     pages,
	}
	refreshCounts(detail)
	aggregateTags(detail)
	if err := e.saveDetail(ctx, rec, detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// NewCard describes a card to create on a specific page.
type NewCard struct {
	PageIndex int         `json:"page_index"`
	Card      CardPreview `json:"card"`
}

// UpdateCardsParams is the payload of UpdateCards. Nil slices leave that
// aspect untouched.
type UpdateCardsParams struct {
	SessionID     string        `json:"session_id"`
	Cards         []CardPreview `json:"cards,omitempty"`
	CreateCards   []NewCard     `json:"create_cards,omitempty"`
	DeleteCardIDs []string      `json:"delete_card_ids,omitempty"`
	ExamName      *string       `json:"exam_name,omitempty"`
}

// UpdateCards applies card edits to a session and writes the detail back
// atomically. Deleting a card linked to mistakes is rejected.
func (e *Engine) UpdateCards(ctx context.Context, params UpdateCardsParams) (*SessionDetail, error) {
	rec, err := e.repo.GetExamSheet(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	detail, err := detailFromRecord(rec)
	if err != nil {
		return nil, err
	}

	for _, id := range params.DeleteCardIDs {
		if err := deleteCard(detail, id); err != nil {
			return nil, err
		}
	}

	for _, update := range params.Cards {
		if err := e.applyCardUpdate(detail, update); err != nil {
			return nil, err
		}
	}

	for _, create := range params.CreateCards {
		if err := e.createCard(detail, create); err != nil {
			return nil, err
		}
	}

	if params.ExamName != nil {
		detail.ExamName = *params.ExamName
	}

	aggregateTags(detail)
	refreshCounts(detail)
	detail.UpdatedAt = time.Now()

	if err := e.saveDetail(ctx, rec, detail); err != nil {
		return nil, err
	}
	return detail, nil
}

func deleteCard(detail *SessionDetail, cardID string) error {
	for pi := range detail.Pages {
		page := &detail.Pages[pi]
		for ci := range page.Cards {
			if page.Cards[ci].CardID != cardID {
				continue
			}
			if len(page.Cards[ci].LinkedMistakeIDs) > 0 {
				return service.Validation("delete_card_ids",
					fmt.Sprintf("card %s is linked to mistakes and cannot be deleted", cardID))
			}
			page.Cards = append(page.Cards[:ci], page.Cards[ci+1:]...)
			return nil
		}
	}
	return service.Validation("delete_card_ids", fmt.Sprintf("card %s not found", cardID))
}

func (e *Engine) applyCardUpdate(detail *SessionDetail, update CardPreview) error {
	for pi := range detail.Pages {
		page := &detail.Pages[pi]
		for ci := range page.Cards {
			card := &page.Cards[ci]
			if card.CardID != update.CardID {
				continue
			}
			recrop := (update.BBox != nil && bboxChanged(card.BBox, update.BBox)) ||
				(update.ResolvedBBox != nil && bboxChanged(card.ResolvedBBox, update.ResolvedBBox))
			if update.Question != "" {
				card.Question = update.Question
			}
			if update.QuestionLabel != "" {
				card.QuestionLabel = update.QuestionLabel
			}
			if update.Answer != "" {
				card.Answer = update.Answer
			}
			if update.Analysis != "" {
				card.Analysis = update.Analysis
			}
			if update.Note != "" {
				card.Note = update.Note
			}
			if update.Tags != nil {
				card.Tags = update.Tags
			}
			if update.BBox != nil {
				card.BBox = update.BBox
			}
			if update.ResolvedBBox != nil {
				card.ResolvedBBox = update.ResolvedBBox
			}
			if recrop {
				// Either bbox form may arrive alone; derive the missing one.
				if update.ResolvedBBox == nil {
					resolved := resolveBBox(*card.BBox, float64(page.Width), float64(page.Height))
					card.ResolvedBBox = &resolved
				} else if update.BBox == nil {
					normalized := normalizeBBox(*card.ResolvedBBox, float64(page.Width), float64(page.Height))
					card.BBox = &normalized
				}
				if thumb, err := e.cropThumbnail(detail.SessionID, page, card); err == nil {
					card.ThumbnailPath = thumb
				}
			}
			return nil
		}
	}
	return service.Validation("cards", fmt.Sprintf("card %s not found", update.CardID))
}

func (e *Engine) createCard(detail *SessionDetail, create NewCard) error {
	card := create.Card
	if card.BBox == nil && card.ResolvedBBox == nil {
		return service.Validation("create_cards", "a new card requires a bbox or a resolved bbox")
	}

	var page *PreviewPage
	for pi := range detail.Pages {
		if detail.Pages[pi].PageIndex == create.PageIndex {
			page = &detail.Pages[pi]
			break
		}
	}
	if page == nil {
		return service.Validation("create_cards", fmt.Sprintf("page %d not found", create.PageIndex))
	}

	if card.CardID == "" {
		card.CardID = uuid.New().String()
	}
	if card.ResolvedBBox == nil {
		resolved := resolveBBox(*card.BBox, float64(page.Width), float64(page.Height))
		card.ResolvedBBox = &resolved
	}
	if thumb, err := e.cropThumbnail(detail.SessionID, page, &card); err == nil {
		card.ThumbnailPath = thumb
	}

	// Insert keeping cards ordered top to bottom.
	pos := len(page.Cards)
	for i, existing := range page.Cards {
		if existing.ResolvedBBox != nil && existing.ResolvedBBox.Y > card.ResolvedBBox.Y {
			pos = i
			break
		}
	}
	page.Cards = append(page.Cards[:pos], append([]CardPreview{card}, page.Cards[pos:]...)...)
	return nil
}

// cropThumbnail cuts the card's resolved bbox out of the page image and
// writes it into the session archive under a slug-based name.
func (e *Engine) cropThumbnail(sessionID string, page *PreviewPage, card *CardPreview) (string, error) {
	if page.ImagePath == "" || card.ResolvedBBox == nil {
		return "", fmt.Errorf("no page image to crop")
	}
	src := filepath.Join(e.root.Base(), filepath.FromSlash(page.ImagePath))
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open page image: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("failed to decode page image: %w", err)
	}

	b := card.ResolvedBBox
	rect := image.Rect(int(b.X), int(b.Y), int(b.X+b.W), int(b.Y+b.H)).Intersect(img.Bounds())
	if rect.Empty() {
		return "", fmt.Errorf("bbox outside page image")
	}
	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return "", fmt.Errorf("page image does not support cropping")
	}

	name := cardSlug(card) + ".png"
	destDir := e.root.ExamSessionArchiveDir(sessionID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}
	out, err := os.Create(filepath.Join(destDir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create thumbnail: %w", err)
	}
	defer func() {
		_ = out.Close()
	}()
	if err := png.Encode(out, sub.SubImage(rect)); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return path.Join("images", "exam_sheet_archive", sessionID, name), nil
}

func cardSlug(card *CardPreview) string {
	label := strings.ToLower(card.QuestionLabel)
	if label == "" {
		label = "card"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "card"
	}
	id := card.CardID
	if len(id) > 8 {
		id = id[:8]
	}
	return slug + "-" + id
}

// aggregateTags unions every card tag into summary.metadata.tags.
func aggregateTags(detail *SessionDetail) {
	seen := make(map[string]struct{})
	var tags []string
	for _, page := range detail.Pages {
		for _, card := range page.Cards {
			for _, tag := range card.Tags {
				if _, ok := seen[tag]; ok {
					continue
				}
				seen[tag] = struct{}{}
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	detail.Summary.Metadata.Tags = tags
}

func refreshCounts(detail *SessionDetail) {
	detail.PageCount = len(detail.Pages)
	count := 0
	for _, page := range detail.Pages {
		count += len(page.Cards)
	}
	detail.CardCount = count
}

// ListSessions returns all exam-sheet sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context) ([]*SessionDetail, error) {
	recs, err := e.repo.ListExamSheets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionDetail, 0, len(recs))
	for _, rec := range recs {
		detail, err := detailFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, detail)
	}
	return out, nil
}
