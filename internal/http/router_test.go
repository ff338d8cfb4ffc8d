package http_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/audit"
	"github.com/000haoji/deep-student/internal/backup"
	"github.com/000haoji/deep-student/internal/blobstore"
	"github.com/000haoji/deep-student/internal/examsheet"
	apihttp "github.com/000haoji/deep-student/internal/http"
	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/search"
	"github.com/000haoji/deep-student/internal/storage"
)

type testApp struct {
	router   nethttp.Handler
	mistakes *storage.MistakeRepo
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	root, err := approot.New(t.TempDir())
	if err != nil {
		t.Fatalf("approot.New() error = %v", err)
	}

	openDB := func(name string) *sql.DB {
		t.Helper()
		db, err := storage.Open(root.DatabasePath(name))
		if err != nil {
			t.Fatalf("Open(%s) error = %v", name, err)
		}
		t.Cleanup(func() {
			_ = db.Close()
		})
		return db
	}

	auditDB := openDB("audit")
	auditLog, err := audit.Init(auditDB)
	if err != nil {
		t.Fatalf("audit.Init() error = %v", err)
	}

	coord := migrate.NewCoordinator(root, auditLog)
	if report := coord.RunAll(context.Background()); !report.Success {
		t.Fatalf("RunAll() failed: %+v", report)
	}

	vfsDB := openDB(string(migrate.DBVfs))
	usageDB := openDB(string(migrate.DBLLMUsage))
	chatDB := openDB(string(migrate.DBChatV2))
	mistakesDB := openDB(string(migrate.DBMistakes))

	blobs := blobstore.New(vfsDB, root)
	resourceRepo := storage.NewResourceRepo(vfsDB)
	mistakeRepo := storage.NewMistakeRepo(mistakesDB)
	orch := llm.NewOrchestrator(llm.NewUsageRepo(usageDB))
	models := llm.NewModelConfigStore(vfsDB)
	pipeline := indexer.NewPipeline(vfsDB, nil, nil, "resources")

	deps := &apihttp.Deps{
		Resources: resourceRepo,
		Files:     storage.NewFileRepo(vfsDB, blobs),
		Folders:   storage.NewFolderRepo(vfsDB),
		Blobs:     blobs,
		Mistakes:  mistakeRepo,
		Chat:      storage.NewChatRepo(chatDB),
		Orch:      orch,
		Models:    models,
		Configs:   pipeline.Configs(),
		Pipeline:  pipeline,
		Scheduler: indexer.NewScheduler(pipeline),
		Search:    search.NewEngine(vfsDB, nil, nil, "resources"),
		ExamSheet: examsheet.NewEngine(resourceRepo, root, orch, models),
		Backups:   backup.NewManager(root, auditLog),
		Audits:    auditLog,
	}
	return &testApp{router: apihttp.NewRouter(deps), mistakes: mistakeRepo}
}

func (a *testApp) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthReportsSchemaVersion(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, nethttp.MethodGet, "/api/health", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeInto(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
	if v, ok := body["schema_version"].(float64); !ok || v <= 0 {
		t.Fatalf("schema_version = %v", body["schema_version"])
	}
}

func TestMistakeLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	seeded, err := app.mistakes.CreateMistake(ctx, &storage.Mistake{
		Subject:  "math",
		Question: "What is the derivative of x^2?",
		Answer:   "2x",
		Tags:     []string{"calculus"},
	})
	if err != nil {
		t.Fatalf("CreateMistake() error = %v", err)
	}

	rec := app.do(t, nethttp.MethodGet, "/api/mistakes/?subject=math", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("list status = %d, body %s", rec.Code, rec.Body.String())
	}
	var listed []storage.Mistake
	decodeInto(t, rec, &listed)
	if len(listed) != 1 || listed[0].ID != seeded.ID {
		t.Fatalf("listed = %+v", listed)
	}

	rec = app.do(t, nethttp.MethodGet, "/api/mistakes/"+seeded.ID, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = app.do(t, nethttp.MethodPut, "/api/mistakes/"+seeded.ID, storage.Mistake{
		Subject:  "math",
		Question: "What is the derivative of x^2?",
		Answer:   "2x, by the power rule",
		Tags:     []string{"calculus", "derivatives"},
	})
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}
	var updated storage.Mistake
	decodeInto(t, rec, &updated)
	if updated.Answer != "2x, by the power rule" || len(updated.Tags) != 2 {
		t.Fatalf("updated = %+v", updated)
	}

	// Validation failures map to 400 with a typed error payload.
	rec = app.do(t, nethttp.MethodPut, "/api/mistakes/"+seeded.ID, storage.Mistake{Subject: ""})
	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("empty subject status = %d", rec.Code)
	}
	var errResp struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	decodeInto(t, rec, &errResp)
	if errResp.Error.Kind != "validation" {
		t.Fatalf("error kind = %q", errResp.Error.Kind)
	}

	// Missing rows map to 404.
	rec = app.do(t, nethttp.MethodGet, "/api/mistakes/no-such-id", nil)
	if rec.Code != nethttp.StatusNotFound {
		t.Fatalf("missing mistake status = %d", rec.Code)
	}

	rec = app.do(t, nethttp.MethodGet, "/api/statistics", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("statistics status = %d", rec.Code)
	}
	var stats struct {
		Total     int            `json:"total"`
		BySubject map[string]int `json:"by_subject"`
	}
	decodeInto(t, rec, &stats)
	if stats.Total != 1 || stats.BySubject["math"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	rec = app.do(t, nethttp.MethodDelete, "/api/mistakes/"+seeded.ID, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = app.do(t, nethttp.MethodGet, "/api/mistakes/"+seeded.ID, nil)
	if rec.Code != nethttp.StatusNotFound {
		t.Fatalf("deleted mistake status = %d", rec.Code)
	}
}

func TestFileUploadAndContentOverHTTP(t *testing.T) {
	app := newTestApp(t)
	payload := []byte("chapter one of the textbook")

	rec := app.do(t, nethttp.MethodPost, "/api/files/", map[string]any{
		"file_name":   "textbook.txt",
		"file_type":   "txt",
		"mime_type":   "text/plain",
		"data_base64": base64.StdEncoding.EncodeToString(payload),
	})
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var file storage.VfsFile
	decodeInto(t, rec, &file)
	if file.ID == "" || file.FileName != "textbook.txt" {
		t.Fatalf("file = %+v", file)
	}

	rec = app.do(t, nethttp.MethodGet, "/api/files/"+file.ID+"/content", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("content status = %d, body %s", rec.Code, rec.Body.String())
	}
	var content map[string]string
	decodeInto(t, rec, &content)
	if content["content_base64"] != base64.StdEncoding.EncodeToString(payload) {
		t.Fatalf("content = %q", content["content_base64"])
	}

	// Bad payloads are rejected before touching storage.
	rec = app.do(t, nethttp.MethodPost, "/api/files/", map[string]any{
		"file_name":   "broken.bin",
		"data_base64": "not base64!!!",
	})
	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("invalid base64 status = %d", rec.Code)
	}
}

func TestAuditEndpointListsMigrations(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, nethttp.MethodGet, "/api/audit?type=migration", nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("audit status = %d", rec.Code)
	}
	var entries []audit.Entry
	decodeInto(t, rec, &entries)
	if len(entries) == 0 {
		t.Fatal("no migration audit entries recorded")
	}
	for _, e := range entries {
		if e.OperationType != audit.OpMigration {
			t.Fatalf("entry = %+v, want migration entries only", e)
		}
	}
}
