package examsheet_test

import (
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/examsheet"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

func newEngine(t *testing.T) (*examsheet.Engine, *approot.Root) {
	t.Helper()
	root, err := approot.New(t.TempDir())
	if err != nil {
		t.Fatalf("approot.New() error = %v", err)
	}
	coord := migrate.NewCoordinator(root, nil)
	if report := coord.RunAll(context.Background()); !report.Success {
		t.Fatalf("RunAll() failed: %+v", report)
	}
	db, err := storage.Open(root.DatabasePath(string(migrate.DBVfs)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	repo := storage.NewResourceRepo(db)
	return examsheet.NewEngine(repo, root, nil, nil), root
}

func TestCreateSessionPersistsPagesAndCounts(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	pages := []examsheet.PreviewPage{
		{PageIndex: 0, Width: 1000, Height: 1400, Cards: []examsheet.CardPreview{
			{CardID: "c1", Question: "求极限", Tags: []string{"极限", "数学分析"}},
			{CardID: "c2", Question: "求导数", Tags: []string{"导数"}},
		}},
		{PageIndex: 1, Width: 1000, Height: 1400},
	}

	detail, err := engine.CreateSession(ctx, "期中试卷", pages, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if detail.SessionID == "" {
		t.Fatal("session id not assigned")
	}
	if detail.PageCount != 2 || detail.CardCount != 2 {
		t.Fatalf("counts = %d pages, %d cards", detail.PageCount, detail.CardCount)
	}
	wantTags := []string{"导数", "数学分析", "极限"}
	if len(detail.Summary.Metadata.Tags) != 3 {
		t.Fatalf("tags = %v, want %v", detail.Summary.Metadata.Tags, wantTags)
	}
	for i, tag := range wantTags {
		if detail.Summary.Metadata.Tags[i] != tag {
			t.Fatalf("tags = %v, want sorted %v", detail.Summary.Metadata.Tags, wantTags)
		}
	}

	loaded, err := engine.GetSession(ctx, detail.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if loaded.ExamName != "期中试卷" || len(loaded.Pages) != 2 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.Pages[0].Cards[0].Question != "求极限" {
		t.Fatalf("card round trip = %+v", loaded.Pages[0].Cards[0])
	}

	sessions, err := engine.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != detail.SessionID {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestUpdateCardsEditCreateRename(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	detail, err := engine.CreateSession(ctx, "练习卷", []examsheet.PreviewPage{
		{PageIndex: 0, Cards: []examsheet.CardPreview{
			{CardID: "c1", Question: "原题", Tags: []string{"旧标签"}},
		}},
	}, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	newName := "改名后的卷子"
	updated, err := engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID: detail.SessionID,
		Cards: []examsheet.CardPreview{
			{CardID: "c1", Question: "改过的题", Answer: "42", Tags: []string{"新标签"}},
		},
		CreateCards: []examsheet.NewCard{
			{PageIndex: 0, Card: examsheet.CardPreview{
				Question: "手动补充的题",
				BBox:     &examsheet.BBox{X: 0.1, Y: 0.1, W: 0.5, H: 0.2},
			}},
		},
		ExamName: &newName,
	})
	if err != nil {
		t.Fatalf("UpdateCards() error = %v", err)
	}

	if updated.ExamName != newName {
		t.Fatalf("exam name = %q", updated.ExamName)
	}
	if updated.CardCount != 2 {
		t.Fatalf("card count = %d, want 2", updated.CardCount)
	}

	var edited, created *examsheet.CardPreview
	for i := range updated.Pages[0].Cards {
		card := &updated.Pages[0].Cards[i]
		switch {
		case card.CardID == "c1":
			edited = card
		case card.Question == "手动补充的题":
			created = card
		}
	}
	if edited == nil || edited.Question != "改过的题" || edited.Answer != "42" {
		t.Fatalf("edited card = %+v", edited)
	}
	if len(edited.Tags) != 1 || edited.Tags[0] != "新标签" {
		t.Fatalf("edited tags = %v", edited.Tags)
	}
	if created == nil || created.CardID == "" || created.ResolvedBBox == nil {
		t.Fatalf("created card = %+v", created)
	}

	// Tag aggregation reflects the edit.
	if len(updated.Summary.Metadata.Tags) != 1 || updated.Summary.Metadata.Tags[0] != "新标签" {
		t.Fatalf("tags = %v", updated.Summary.Metadata.Tags)
	}

	// Edits survive a reload.
	reloaded, err := engine.GetSession(ctx, detail.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if reloaded.ExamName != newName || reloaded.CardCount != 2 {
		t.Fatalf("reloaded = %+v", reloaded)
	}
}

func TestUpdateCardsRecropsOnResolvedBBoxOnly(t *testing.T) {
	engine, root := newEngine(t)
	ctx := context.Background()

	// A real page image so the recrop can actually cut a thumbnail.
	imagesDir := filepath.Join(root.Base(), "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	f, err := os.Create(filepath.Join(imagesDir, "sheet.png"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 1000, 1400))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	_ = f.Close()

	detail, err := engine.CreateSession(ctx, "重裁测试", []examsheet.PreviewPage{
		{PageIndex: 0, ImagePath: "images/sheet.png", Width: 1000, Height: 1400, Cards: []examsheet.CardPreview{
			{CardID: "c1", Question: "原题", ResolvedBBox: &examsheet.BBox{X: 10, Y: 20, W: 30, H: 40}},
		}},
	}, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// The edit carries only a pixel bbox, no normalized one.
	updated, err := engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID: detail.SessionID,
		Cards: []examsheet.CardPreview{
			{CardID: "c1", ResolvedBBox: &examsheet.BBox{X: 100, Y: 220, W: 400, H: 180}},
		},
	})
	if err != nil {
		t.Fatalf("UpdateCards() error = %v", err)
	}

	card := updated.Pages[0].Cards[0]
	want := examsheet.BBox{X: 100, Y: 220, W: 400, H: 180}
	if card.ResolvedBBox == nil || *card.ResolvedBBox != want {
		t.Fatalf("resolved bbox = %+v, want %+v", card.ResolvedBBox, want)
	}
	if card.BBox == nil ||
		math.Abs(card.BBox.X-0.1) > 1e-9 || math.Abs(card.BBox.Y-220.0/1400.0) > 1e-9 ||
		math.Abs(card.BBox.W-0.4) > 1e-9 || math.Abs(card.BBox.H-180.0/1400.0) > 1e-9 {
		t.Fatalf("normalized bbox = %+v", card.BBox)
	}
	wantThumb := "images/exam_sheet_archive/" + detail.SessionID + "/card-c1.png"
	if card.ThumbnailPath != wantThumb {
		t.Fatalf("thumbnail path = %q, want %q", card.ThumbnailPath, wantThumb)
	}
	if _, err := os.Stat(filepath.Join(root.ExamSessionArchiveDir(detail.SessionID), "card-c1.png")); err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}

	// The recrop survives a reload.
	reloaded, err := engine.GetSession(ctx, detail.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got := reloaded.Pages[0].Cards[0].ResolvedBBox; got == nil || *got != want {
		t.Fatalf("persisted resolved bbox = %+v, want %+v", got, want)
	}
}

func TestUpdateCardsValidation(t *testing.T) {
	engine, _ := newEngine(t)
	ctx := context.Background()

	detail, err := engine.CreateSession(ctx, "卷", []examsheet.PreviewPage{
		{PageIndex: 0, Cards: []examsheet.CardPreview{
			{CardID: "linked", Question: "已关联的题", LinkedMistakeIDs: []string{"m1"}},
			{CardID: "free", Question: "未关联的题"},
		}},
	}, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// A card linked to mistakes cannot be deleted.
	_, err = engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID:     detail.SessionID,
		DeleteCardIDs: []string{"linked"},
	})
	if !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("delete linked card error = %v, want validation", err)
	}

	// Unknown cards are rejected for both delete and update.
	_, err = engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID:     detail.SessionID,
		DeleteCardIDs: []string{"ghost"},
	})
	if !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("delete unknown card error = %v", err)
	}
	_, err = engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID: detail.SessionID,
		Cards:     []examsheet.CardPreview{{CardID: "ghost", Question: "x"}},
	})
	if !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("update unknown card error = %v", err)
	}

	// A new card without any bbox is rejected.
	_, err = engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID:   detail.SessionID,
		CreateCards: []examsheet.NewCard{{PageIndex: 0, Card: examsheet.CardPreview{Question: "无框"}}},
	})
	if !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("create without bbox error = %v", err)
	}

	// Unlinked cards delete fine.
	after, err := engine.UpdateCards(ctx, examsheet.UpdateCardsParams{
		SessionID:     detail.SessionID,
		DeleteCardIDs: []string{"free"},
	})
	if err != nil {
		t.Fatalf("UpdateCards(delete free) error = %v", err)
	}
	if after.CardCount != 1 {
		t.Fatalf("card count = %d, want 1", after.CardCount)
	}
}

func TestGetSessionArchivesTempAssets(t *testing.T) {
	engine, root := newEngine(t)
	ctx := context.Background()

	tempDir := filepath.Join(root.Base(), "images", "exam_temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "p0.png"), []byte("fake png"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	detail, err := engine.CreateSession(ctx, "归档测试", []examsheet.PreviewPage{
		{PageIndex: 0, ImagePath: "images/exam_temp/p0.png"},
	}, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	loaded, err := engine.GetSession(ctx, detail.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	wantPath := "images/exam_sheet_archive/" + detail.SessionID + "/p0.png"
	if loaded.Pages[0].ImagePath != wantPath {
		t.Fatalf("image path = %q, want %q", loaded.Pages[0].ImagePath, wantPath)
	}
	archived := filepath.Join(root.ExamSessionArchiveDir(detail.SessionID), "p0.png")
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("archived asset missing: %v", err)
	}

	// The rewrite was persisted, not just returned.
	again, err := engine.GetSession(ctx, detail.SessionID)
	if err != nil {
		t.Fatalf("GetSession() again error = %v", err)
	}
	if again.Pages[0].ImagePath != wantPath {
		t.Fatalf("persisted path = %q", again.Pages[0].ImagePath)
	}
}
