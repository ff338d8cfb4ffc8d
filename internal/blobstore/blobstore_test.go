package blobstore_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/blobstore"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/storage"
)

func newStore(t *testing.T) (*blobstore.Store, *approot.Root, *sql.DB) {
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
	return blobstore.New(db, root), root, db
}

func TestPutIsIdempotentAndReadable(t *testing.T) {
	store, root, _ := newStore(t)
	ctx := context.Background()
	data := []byte("exam page bytes")

	hash, size, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("size = %d, want %d", size, len(data))
	}

	hash2, _, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put() second call error = %v", err)
	}
	if hash2 != hash {
		t.Fatalf("second Put() hash = %q, want %q", hash2, hash)
	}

	got, err := store.Read(hash)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read() = %q, want %q", got, data)
	}

	if _, err := os.Stat(root.BlobPath(hash)); err != nil {
		t.Fatalf("blob file missing: %v", err)
	}
}

func TestRefCountConservation(t *testing.T) {
	store, _, db := newStore(t)
	ctx := context.Background()

	hash, _, err := store.Put(ctx, []byte("shared content"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := storage.InTx(ctx, db, func(tx *sql.Tx) error {
			return store.Acquire(ctx, tx, hash)
		}); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	count, err := store.RefCount(ctx, hash)
	if err != nil {
		t.Fatalf("RefCount() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("RefCount() = %d, want 2", count)
	}

	// Three releases against two acquisitions: the count floors at zero.
	for i := 0; i < 3; i++ {
		if err := storage.InTx(ctx, db, func(tx *sql.Tx) error {
			return store.Release(ctx, tx, hash)
		}); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}
	count, err = store.RefCount(ctx, hash)
	if err != nil {
		t.Fatalf("RefCount() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("RefCount() after over-release = %d, want 0", count)
	}
}

func TestAcquireUnknownBlobFails(t *testing.T) {
	store, _, db := newStore(t)
	ctx := context.Background()

	err := storage.InTx(ctx, db, func(tx *sql.Tx) error {
		return store.Acquire(ctx, tx, "deadbeef")
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Acquire(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestReadMissingBlob(t *testing.T) {
	store, _, _ := newStore(t)

	_, err := store.Read("0000000000000000000000000000000000000000000000000000000000000000")
	if !errors.Is(err, storage.ErrBlobMissing) {
		t.Fatalf("Read(missing) error = %v, want ErrBlobMissing", err)
	}
}

func TestGCCollectsOnlyUnreferenced(t *testing.T) {
	store, root, db := newStore(t)
	ctx := context.Background()

	keptHash, _, err := store.Put(ctx, []byte("kept"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := storage.InTx(ctx, db, func(tx *sql.Tx) error {
		return store.Acquire(ctx, tx, keptHash)
	}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	orphanHash, _, err := store.Put(ctx, []byte("orphan"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	collected, err := store.GC(ctx)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if collected != 1 {
		t.Fatalf("GC() = %d, want 1", collected)
	}
	if _, err := os.Stat(root.BlobPath(orphanHash)); !os.IsNotExist(err) {
		t.Fatal("orphan blob file survived GC")
	}
	if _, err := store.Read(keptHash); err != nil {
		t.Fatalf("kept blob unreadable after GC: %v", err)
	}
}
