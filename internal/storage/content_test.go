package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/storage"
)

func TestResolveNoteStripsMarkdown(t *testing.T) {
	db := openMigrated(t, migrate.DBVfs)
	repo := storage.NewResourceRepo(db)
	resolver := storage.NewContentResolver(db)
	ctx := context.Background()

	md := "# Limits\n\nThe limit of *f(x)* as `x` approaches **zero**.\n\n```\nlim f(x)\n```"
	res, err := repo.CreateInlineResource(ctx, storage.TypeNote, "limits", md, "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}

	text, pages, err := resolver.Resolve(ctx, res)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if pages != nil {
		t.Fatalf("pages = %v, want nil for notes", pages)
	}
	for _, marker := range []string{"#", "*", "`"} {
		if strings.Contains(text, marker) {
			t.Fatalf("resolved text still contains %q: %q", marker, text)
		}
	}
	for _, want := range []string{"Limits", "zero", "lim f(x)"} {
		if !strings.Contains(text, want) {
			t.Fatalf("resolved text missing %q: %q", want, text)
		}
	}
}

func TestResolveTranslationJoinsBothSides(t *testing.T) {
	db := openMigrated(t, migrate.DBVfs)
	repo := storage.NewResourceRepo(db)
	resolver := storage.NewContentResolver(db)
	ctx := context.Background()

	res, err := repo.CreateInlineResource(ctx, storage.TypeTranslation, "tr",
		`{"source":"Hello world","translated":"你好世界"}`, "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	text, _, err := resolver.Resolve(ctx, res)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if text != "Hello world\n你好世界" {
		t.Fatalf("Resolve() = %q", text)
	}
}

func TestResolveMindMapPaths(t *testing.T) {
	db := openMigrated(t, migrate.DBVfs)
	repo := storage.NewResourceRepo(db)
	resolver := storage.NewContentResolver(db)
	ctx := context.Background()

	data := `{"label":"函数","children":[{"label":"导数","note":"重点","children":[{"label":"链式法则","text":"复合函数求导"}]}]}`
	res, err := repo.CreateInlineResource(ctx, storage.TypeMindMap, "map", data, "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	text, _, err := resolver.Resolve(ctx, res)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for _, want := range []string{
		"【函数】",
		"【函数 > 导数】",
		"备注: 重点",
		"【函数 > 导数 > 链式法则】 复合函数求导",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("Resolve() missing %q in %q", want, text)
		}
	}
	// The path already ends in the node title; it is not repeated after it.
	for _, reject := range []string{"【函数】 函数", "【函数 > 导数】 导数"} {
		if strings.Contains(text, reject) {
			t.Fatalf("Resolve() repeats the node title: %q in %q", reject, text)
		}
	}
}

func TestResolveExamCardsPerPage(t *testing.T) {
	db := openMigrated(t, migrate.DBVfs)
	repo := storage.NewResourceRepo(db)
	resolver := storage.NewContentResolver(db)
	ctx := context.Background()

	preview := `{"pages":[` +
		`{"page_index":0,"cards":[{"id":"c1","question":"1+1=?","tags":["加法"],"answer":"2"}]},` +
		`{"page_index":1,"cards":[{"id":"c2","question":"2+2=?","analysis":"逐位相加"}]}]}`
	res, err := repo.CreateInlineResource(ctx, storage.TypeExam, "试卷", "", "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	rec, err := repo.GetExamSheet(ctx, res.SourceID)
	if err != nil {
		t.Fatalf("GetExamSheet() error = %v", err)
	}
	rec.PreviewJSON = preview
	if err := repo.SaveExamSheet(ctx, rec); err != nil {
		t.Fatalf("SaveExamSheet() error = %v", err)
	}

	text, pages, err := resolver.Resolve(ctx, res)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("len(pages) = %d, want 2", len(pages))
	}
	if pages[1].PageIndex != 1 {
		t.Fatalf("pages[1].PageIndex = %d, want 1", pages[1].PageIndex)
	}
	for _, want := range []string{"题目: 1+1=?", "标签: 加法", "答案: 2", "解析: 逐位相加"} {
		if !strings.Contains(text, want) {
			t.Fatalf("Resolve() missing %q in %q", want, text)
		}
	}
}

func TestResolveRetrievalIsEmpty(t *testing.T) {
	db := openMigrated(t, migrate.DBVfs)
	resolver := storage.NewContentResolver(db)
	ctx := context.Background()

	text, pages, err := resolver.Resolve(ctx, &storage.Resource{Type: storage.TypeRetrieval, Data: "payload"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if text != "" || pages != nil {
		t.Fatalf("Resolve() = (%q, %v), want empty", text, pages)
	}
}

func TestParseOCRPagesShapes(t *testing.T) {
	db := openMigrated(t, migrate.DBVfs)
	files := storage.NewFileRepo(db, nil)
	resolver := storage.NewContentResolver(db)
	ctx := context.Background()

	tests := []struct {
		name      string
		ocrJSON   string
		wantPages int
		wantText  string
	}{
		{
			name:      "block document",
			ocrJSON:   `{"pages":[{"pageIndex":0,"blocks":[{"text":"第一页"}]},{"pageIndex":1,"blocks":[{"text":"第二页"}]}]}`,
			wantPages: 2,
			wantText:  "第一页",
		},
		{
			name:      "string array",
			ocrJSON:   `["page one","page two"]`,
			wantPages: 2,
			wantText:  "page one",
		},
		{
			name:      "object array",
			ocrJSON:   `[{"page_index":0,"text":"alpha"},{"page_index":1,"text":"beta"}]`,
			wantPages: 2,
			wantText:  "alpha",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := files.CreateFileWithDocDataInFolder(ctx, storage.CreateFileParams{
				SHA256:   storage.ContentHash(tt.name),
				FileName: tt.name + ".pdf",
				FileType: "file",
			})
			if err != nil {
				t.Fatalf("CreateFileWithDocDataInFolder() error = %v", err)
			}
			if err := files.UpdateDocData(ctx, file.ID, "", "", tt.ocrJSON, tt.wantPages, ""); err != nil {
				t.Fatalf("UpdateDocData() error = %v", err)
			}

			res := &storage.Resource{ID: file.ResourceID, Type: storage.TypeFile}
			text, pages, err := resolver.Resolve(ctx, res)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if len(pages) != tt.wantPages {
				t.Fatalf("len(pages) = %d, want %d", len(pages), tt.wantPages)
			}
			if !strings.Contains(text, tt.wantText) {
				t.Fatalf("Resolve() missing %q in %q", tt.wantText, text)
			}
		})
	}
}
