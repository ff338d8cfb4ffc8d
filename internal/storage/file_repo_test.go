package storage_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/blobstore"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/storage"
)

// openVfsWithBlobs migrates a fresh data root and wires a real blob store over
// the vfs database.
func openVfsWithBlobs(t *testing.T) (*storage.FileRepo, *blobstore.Store, *storage.FolderRepo) {
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
	blobs := blobstore.New(db, root)
	return storage.NewFileRepo(db, blobs), blobs, storage.NewFolderRepo(db)
}

func TestCreateFileAcquiresBlob(t *testing.T) {
	files, blobs, _ := openVfsWithBlobs(t)
	ctx := context.Background()

	data := []byte("%PDF-1.4 fake")
	hash, size, err := blobs.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	file, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256:   hash,
		FileName: "physics.pdf",
		Size:     size,
		FileType: "file",
		MimeType: "application/pdf",
		BlobHash: hash,
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}
	if file.BlobHash != hash {
		t.Fatalf("BlobHash = %q, want %q", file.BlobHash, hash)
	}

	count, err := blobs.RefCount(ctx, hash)
	if err != nil {
		t.Fatalf("RefCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("RefCount() after create = %d, want 1", count)
	}

	content, err := files.GetContent(ctx, file.ID, blobs)
	if err != nil {
		t.Fatalf("GetContent() error = %v", err)
	}
	if content != base64.StdEncoding.EncodeToString(data) {
		t.Fatal("GetContent() does not round-trip blob bytes")
	}
}

func TestCreateFileDedupsByHash(t *testing.T) {
	files, _, _ := openVfsWithBlobs(t)
	ctx := context.Background()

	first, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256: storage.ContentHash("same bytes"), FileName: "a.txt", FileType: "file",
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}
	second, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256: storage.ContentHash("same bytes"), FileName: "b.txt", FileType: "file",
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() duplicate error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate created new file %q, want %q", second.ID, first.ID)
	}
}

func TestCreateFileRestoresDeletedDuplicate(t *testing.T) {
	files, _, _ := openVfsWithBlobs(t)
	ctx := context.Background()

	first, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256: storage.ContentHash("revived"), FileName: "r.txt", FileType: "file",
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}
	if err := files.DeleteFile(ctx, first.ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}

	revived, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256: storage.ContentHash("revived"), FileName: "r2.txt", FileType: "file",
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() after delete error = %v", err)
	}
	if revived.ID != first.ID {
		t.Fatalf("re-upload created new file %q, want restored %q", revived.ID, first.ID)
	}
	if _, err := files.GetFile(ctx, first.ID); err != nil {
		t.Fatalf("GetFile() after restore error = %v", err)
	}
}

func TestPurgeFileReleasesBlobs(t *testing.T) {
	files, blobs, _ := openVfsWithBlobs(t)
	ctx := context.Background()

	mainHash, _, err := blobs.Put(ctx, []byte("main"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	pageHash, _, err := blobs.Put(ctx, []byte("page"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	file, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256:      mainHash,
		FileName:    "doc.pdf",
		FileType:    "file",
		BlobHash:    mainHash,
		PreviewJSON: `{"pages":[{"page_index":0,"blob_hash":"` + pageHash + `"}]}`,
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}
	for _, hash := range []string{mainHash, pageHash} {
		count, err := blobs.RefCount(ctx, hash)
		if err != nil {
			t.Fatalf("RefCount(%s) error = %v", hash, err)
		}
		if count != 1 {
			t.Fatalf("RefCount(%s) = %d, want 1", hash, count)
		}
	}

	if err := files.PurgeFile(ctx, file.ID); err != nil {
		t.Fatalf("PurgeFile() error = %v", err)
	}
	for _, hash := range []string{mainHash, pageHash} {
		count, err := blobs.RefCount(ctx, hash)
		if err != nil {
			t.Fatalf("RefCount(%s) error = %v", hash, err)
		}
		if count != 0 {
			t.Fatalf("RefCount(%s) after purge = %d, want 0", hash, count)
		}
	}

	collected, err := blobs.GC(ctx)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if collected != 2 {
		t.Fatalf("GC() = %d, want 2", collected)
	}
	if _, err := files.GetFile(ctx, file.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetFile() after purge error = %v, want ErrNotFound", err)
	}
}

func TestPurgeDrainsRefcountWhenBlobSharedWithPreview(t *testing.T) {
	files, blobs, _ := openVfsWithBlobs(t)
	ctx := context.Background()

	// The main blob doubles as both preview pages.
	hash, _, err := blobs.Put(ctx, []byte("single page scan"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	file, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256:   hash,
		FileName: "scan.png",
		FileType: "image",
		BlobHash: hash,
		PreviewJSON: `{"pages":[{"page_index":0,"blob_hash":"` + hash +
			`"},{"page_index":1,"blob_hash":"` + hash + `"}]}`,
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}

	count, err := blobs.RefCount(ctx, hash)
	if err != nil {
		t.Fatalf("RefCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("RefCount() after create = %d, want 1 for the distinct hash", count)
	}

	if err := files.PurgeFile(ctx, file.ID); err != nil {
		t.Fatalf("PurgeFile() error = %v", err)
	}
	count, err = blobs.RefCount(ctx, hash)
	if err != nil {
		t.Fatalf("RefCount() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("RefCount() after purge = %d, want 0", count)
	}
	collected, err := blobs.GC(ctx)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if collected != 1 {
		t.Fatalf("GC() = %d, want the shared blob reclaimed", collected)
	}
}

func TestPurgeFileIdempotentWithOrphanLinks(t *testing.T) {
	files, _, folders := openVfsWithBlobs(t)
	ctx := context.Background()

	folder, err := folders.CreateFolder(ctx, "物理", nil)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	file, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256: storage.ContentHash("orphan link"), FileName: "o.txt", FileType: "file",
		FolderID: folder.ID,
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}

	if err := files.PurgeFile(ctx, file.ID); err != nil {
		t.Fatalf("PurgeFile() error = %v", err)
	}
	// A second purge finds no detail row and only cleans orphan links.
	if err := files.PurgeFile(ctx, file.ID); err != nil {
		t.Fatalf("PurgeFile() second call error = %v", err)
	}
	items, err := folders.ListItems(ctx, folder.ID)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("len(items) = %d, want 0", len(items))
	}
}

func TestDeleteFileHidesFolderLinks(t *testing.T) {
	files, _, folders := openVfsWithBlobs(t)
	ctx := context.Background()

	folder, err := folders.CreateFolder(ctx, "错题", nil)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	file, err := files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256: storage.ContentHash("linked"), FileName: "l.txt", FileType: "file",
		FolderID: folder.ID,
	})
	if err != nil {
		t.Fatalf("CreateFileInFolder() error = %v", err)
	}

	if err := files.DeleteFile(ctx, file.ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	items, err := folders.ListItems(ctx, folder.ID)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("len(items) after delete = %d, want 0", len(items))
	}

	if err := files.RestoreFile(ctx, file.ID); err != nil {
		t.Fatalf("RestoreFile() error = %v", err)
	}
	items, err = folders.ListItems(ctx, folder.ID)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != 1 || items[0].ItemID != file.ID {
		t.Fatalf("items after restore = %+v, want the file link", items)
	}
}

func TestFolderTreeOrdering(t *testing.T) {
	_, _, folders := openVfsWithBlobs(t)
	ctx := context.Background()

	rootA, err := folders.CreateFolder(ctx, "数学", nil)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	rootB, err := folders.CreateFolder(ctx, "英语", nil)
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if rootB.SortOrder <= rootA.SortOrder {
		t.Fatalf("sibling order = %d then %d, want increasing", rootA.SortOrder, rootB.SortOrder)
	}

	child, err := folders.CreateFolder(ctx, "代数", &rootA.ID)
	if err != nil {
		t.Fatalf("CreateFolder() child error = %v", err)
	}
	children, err := folders.ListChildren(ctx, &rootA.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 1 || children[0].ID != child.ID {
		t.Fatalf("children = %+v, want the one child", children)
	}
	roots, err := folders.ListChildren(ctx, nil)
	if err != nil {
		t.Fatalf("ListChildren(nil) error = %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("len(roots) = %d, want 2", len(roots))
	}

	if err := folders.SetExpanded(ctx, rootA.ID, false); err != nil {
		t.Fatalf("SetExpanded() error = %v", err)
	}
	got, err := folders.GetFolder(ctx, rootA.ID)
	if err != nil {
		t.Fatalf("GetFolder() error = %v", err)
	}
	if got.IsExpanded {
		t.Fatal("IsExpanded = true, want false")
	}
}
