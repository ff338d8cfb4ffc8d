package audit_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/000haoji/deep-student/internal/audit"
	"github.com/000haoji/deep-student/internal/storage"
)

func newLog(t *testing.T) *audit.Log {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	log, err := audit.Init(db)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return log
}

func TestAppendAndQueryByType(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	if err := log.LogMigrationComplete(ctx, "vfs", 0, 3, 3, 12); err != nil {
		t.Fatalf("LogMigrationComplete() error = %v", err)
	}
	if err := log.LogMigrationFailed(ctx, "mistakes", 1, 2, "disk full"); err != nil {
		t.Fatalf("LogMigrationFailed() error = %v", err)
	}
	if err := log.LogBackup(ctx, "full", true, map[string]any{"files": 4}, ""); err != nil {
		t.Fatalf("LogBackup() error = %v", err)
	}

	entries, err := log.Query(ctx, audit.Filter{OperationType: audit.OpMigration})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	failed, err := log.Query(ctx, audit.Filter{Status: audit.StatusFailed})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(failed) != 1 || failed[0].Target != "mistakes" || failed[0].ErrorMessage != "disk full" {
		t.Fatalf("failed entries = %+v", failed)
	}

	count, err := log.CountByType(ctx, audit.OpBackup)
	if err != nil {
		t.Fatalf("CountByType() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("CountByType(backup) = %d, want 1", count)
	}
}

func TestChecksumRepairDetails(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	if err := log.LogChecksumRepair(ctx, "chat_v2", 2, "abcd1234", "ef567890"); err != nil {
		t.Fatalf("LogChecksumRepair() error = %v", err)
	}
	entries, err := log.Query(ctx, audit.Filter{OperationType: audit.OpChecksumRepair})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	for _, want := range []string{"abcd1234", "ef567890", "checksum repair"} {
		if !strings.Contains(entries[0].DetailsJSON, want) {
			t.Fatalf("details %q missing %q", entries[0].DetailsJSON, want)
		}
	}
}

func TestQueryTimeWindowAndPagination(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := log.LogBackup(ctx, "full", true, nil, ""); err != nil {
			t.Fatalf("LogBackup() error = %v", err)
		}
	}

	page, err := log.Query(ctx, audit.Filter{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].ID <= page[1].ID {
		t.Fatalf("order = %d then %d, want newest first", page[0].ID, page[1].ID)
	}

	future := time.Now().UTC().Add(time.Hour)
	none, err := log.Query(ctx, audit.Filter{Since: &future})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("len(none) = %d, want 0", len(none))
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := log.LogBackup(ctx, "full", true, nil, ""); err != nil {
			t.Fatalf("LogBackup() error = %v", err)
		}
	}

	pruned, err := log.Prune(ctx, 3)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 7 {
		t.Fatalf("Prune() = %d, want 7", pruned)
	}

	remaining, err := log.Query(ctx, audit.Filter{Limit: 100})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("len(remaining) = %d, want 3", len(remaining))
	}
	// The survivors are the newest rows.
	for _, e := range remaining {
		if e.ID < 8 {
			t.Fatalf("entry %d survived prune, want ids 8..10", e.ID)
		}
	}
}
