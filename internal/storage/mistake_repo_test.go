package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/storage"
)

func TestMistakeCRUD(t *testing.T) {
	db := openMigrated(t, migrate.DBMistakes)
	repo := storage.NewMistakeRepo(db)
	ctx := context.Background()

	m, err := repo.CreateMistake(ctx, &storage.Mistake{
		Subject:  "数学",
		Question: "求导数",
		Answer:   "2x",
		Tags:     []string{"导数", "函数"},
	})
	if err != nil {
		t.Fatalf("CreateMistake() error = %v", err)
	}
	if m.ID == "" || len(m.Tags) != 2 {
		t.Fatalf("CreateMistake() = %+v", m)
	}

	m.Answer = "2x + 1"
	m.Tags = []string{"导数"}
	if err := repo.UpdateMistake(ctx, m); err != nil {
		t.Fatalf("UpdateMistake() error = %v", err)
	}
	got, err := repo.GetMistake(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMistake() error = %v", err)
	}
	if got.Answer != "2x + 1" || len(got.Tags) != 1 {
		t.Fatalf("GetMistake() = %+v", got)
	}

	if err := repo.DeleteMistake(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMistake() error = %v", err)
	}
	if _, err := repo.GetMistake(ctx, m.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetMistake() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.DeleteMistake(ctx, m.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("double DeleteMistake() error = %v, want ErrNotFound", err)
	}
}

func TestListMistakesFiltersBySubject(t *testing.T) {
	db := openMigrated(t, migrate.DBMistakes)
	repo := storage.NewMistakeRepo(db)
	ctx := context.Background()

	for _, m := range []*storage.Mistake{
		{Subject: "数学", Question: "q1"},
		{Subject: "数学", Question: "q2"},
		{Subject: "物理", Question: "q3"},
	} {
		if _, err := repo.CreateMistake(ctx, m); err != nil {
			t.Fatalf("CreateMistake() error = %v", err)
		}
	}

	math, err := repo.ListMistakes(ctx, "数学")
	if err != nil {
		t.Fatalf("ListMistakes() error = %v", err)
	}
	if len(math) != 2 {
		t.Fatalf("len(math) = %d, want 2", len(math))
	}
	all, err := repo.ListMistakes(ctx, "")
	if err != nil {
		t.Fatalf("ListMistakes() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	stats, err := repo.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats["数学"] != 2 || stats["物理"] != 1 {
		t.Fatalf("Statistics() = %v", stats)
	}
}

func TestReviewSessionLifecycle(t *testing.T) {
	db := openMigrated(t, migrate.DBMistakes)
	repo := storage.NewMistakeRepo(db)
	ctx := context.Background()

	s, err := repo.CreateReviewSession(ctx, &storage.ReviewSession{
		Subject:    "物理",
		MistakeIDs: []string{"m1", "m2"},
	})
	if err != nil {
		t.Fatalf("CreateReviewSession() error = %v", err)
	}
	if len(s.MistakeIDs) != 2 {
		t.Fatalf("CreateReviewSession() = %+v", s)
	}

	if err := repo.UpdateReviewSummary(ctx, s.ID, "总结"); err != nil {
		t.Fatalf("UpdateReviewSummary() error = %v", err)
	}
	got, err := repo.GetReviewSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetReviewSession() error = %v", err)
	}
	if got.Summary != "总结" {
		t.Fatalf("summary = %q", got.Summary)
	}

	if err := repo.UpdateReviewSummary(ctx, "missing", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("UpdateReviewSummary(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubjectsUpsert(t *testing.T) {
	db := openMigrated(t, migrate.DBMistakes)
	repo := storage.NewMistakeRepo(db)
	ctx := context.Background()

	if err := repo.SetSubject(ctx, "数学", `{"prompt":"v1"}`); err != nil {
		t.Fatalf("SetSubject() error = %v", err)
	}
	if err := repo.SetSubject(ctx, "数学", `{"prompt":"v2"}`); err != nil {
		t.Fatalf("SetSubject() upsert error = %v", err)
	}
	subjects, err := repo.Subjects(ctx)
	if err != nil {
		t.Fatalf("Subjects() error = %v", err)
	}
	if subjects["数学"] != `{"prompt":"v2"}` {
		t.Fatalf("Subjects() = %v", subjects)
	}

	if err := repo.DeleteSubject(ctx, "数学"); err != nil {
		t.Fatalf("DeleteSubject() error = %v", err)
	}
	subjects, err = repo.Subjects(ctx)
	if err != nil {
		t.Fatalf("Subjects() error = %v", err)
	}
	if len(subjects) != 0 {
		t.Fatalf("Subjects() after delete = %v", subjects)
	}
}
