package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_blob_refs.go -package=mocks github.com/000haoji/deep-student/internal/storage BlobRefs

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// FileRepo provides methods for file resources: the resources row, the files
// detail row, and the folder link, written atomically.
type FileRepo struct {
	db    *sql.DB
	blobs BlobRefs
}

// NewFileRepo creates a new FileRepo.
func NewFileRepo(db *sql.DB, blobs BlobRefs) *FileRepo {
	return &FileRepo{db: db, blobs: blobs}
}

// CreateFileParams carries the inputs of the file creation paths.
type CreateFileParams struct {
	SHA256       string
	FileName     string
	Size         int64
	FileType     string
	MimeType     string
	BlobHash     string
	OriginalPath string
	FolderID     string

	// Document-data extension used by CreateFileWithDocDataInFolder.
	PreviewJSON   string
	ExtractedText string
	PageCount     int
}

// CreateFileInFolder creates a file resource and links it into a folder.
// Creation first looks up by content SHA256: an active duplicate is returned
// as-is, a soft-deleted duplicate is restored instead of re-inserted. The
// resources row, files row, folder link, and blob acquisition all commit or
// roll back together.
func (r *FileRepo) CreateFileInFolder(ctx context.Context, p CreateFileParams) (*VfsFile, error) {
	if p.SHA256 == "" {
		return nil, fmt.Errorf("sha256: %w", ErrNotFound)
	}

	// Dedup by content hash.
	existing, err := r.findByHash(ctx, p.SHA256)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil {
		if existing.DeletedAt != nil {
			if err := r.RestoreFile(ctx, existing.ID); err != nil {
				return nil, err
			}
			existing.DeletedAt = nil
		}
		return existing, nil
	}

	resourceType := TypeFile
	if p.FileType == "image" {
		resourceType = TypeImage
	}
	storageMode := StorageInline
	if p.BlobHash != "" {
		storageMode = StorageBlob
	}

	file := &VfsFile{
		ID:               uuid.New().String(),
		FileName:         p.FileName,
		Size:             p.Size,
		FileType:         p.FileType,
		MimeType:         p.MimeType,
		BlobHash:         p.BlobHash,
		OriginalPath:     p.OriginalPath,
		PageCount:        p.PageCount,
		ExtractedText:    p.ExtractedText,
		PreviewJSON:      p.PreviewJSON,
		ProcessingStatus: "pending",
	}
	file.ResourceID = uuid.New().String()

	err = InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "create_file", func() error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO resources (id, type, hash, storage_mode, ref_count, status, source_id, source_table)
				 VALUES (?, ?, ?, ?, 0, 'active', ?, 'files')`,
				file.ResourceID, resourceType, p.SHA256, storageMode, file.ID)
			if err != nil {
				return fmt.Errorf("failed to insert resource: %w", err)
			}

			_, err = tx.ExecContext(ctx,
				`INSERT INTO files (id, resource_id, file_name, size, file_type, mime_type, blob_hash,
				                    original_path, page_count, extracted_text, preview_json, processing_status)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
				file.ID, file.ResourceID, file.FileName, file.Size, file.FileType, file.MimeType,
				file.BlobHash, file.OriginalPath, file.PageCount, file.ExtractedText, file.PreviewJSON)
			if err != nil {
				return fmt.Errorf("failed to insert file: %w", err)
			}

			// Same distinct-hash set as PurgeFile, so refcounts drain to
			// zero even when the main blob doubles as a preview page.
			for _, hash := range fileBlobHashes(file.BlobHash, "", file.PreviewJSON) {
				if err := r.blobs.Acquire(ctx, tx, hash); err != nil {
					return err
				}
			}

			if p.FolderID != "" {
				if err := LinkItem(ctx, tx, p.FolderID, "file", file.ID); err != nil {
					return err
				}
			}
			return logChange(ctx, tx, "files", file.ID, "insert")
		})
	})
	if err != nil {
		return nil, err
	}
	return r.GetFile(ctx, file.ID)
}

// CreateFileWithDocDataInFolder is CreateFileInFolder plus extracted document
// data (preview pages, extracted text, page count).
func (r *FileRepo) CreateFileWithDocDataInFolder(ctx context.Context, p CreateFileParams) (*VfsFile, error) {
	return r.CreateFileInFolder(ctx, p)
}

// findByHash finds a file by its resource content hash, including soft-deleted
// rows. Returns ErrNotFound when no duplicate exists.
func (r *FileRepo) findByHash(ctx context.Context, hash string) (*VfsFile, error) {
	var fileID string
	err := r.db.QueryRowContext(ctx,
		`SELECT f.id FROM resources res JOIN files f ON f.resource_id = res.id
		 WHERE res.hash = ? AND res.type IN ('file', 'image')`, hash).Scan(&fileID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up file by hash: %w", err)
	}
	return r.getFileAnyState(ctx, fileID)
}

const fileColumns = `id, resource_id, file_name, size, file_type, mime_type, blob_hash,
	compressed_blob_hash, original_path, page_count, extracted_text, preview_json,
	ocr_pages_json, processing_status, is_favorite, created_at, updated_at, deleted_at`

func scanFile(row interface{ Scan(...any) error }) (*VfsFile, error) {
	var f VfsFile
	var fav int
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&f.ID, &f.ResourceID, &f.FileName, &f.Size, &f.FileType, &f.MimeType,
		&f.BlobHash, &f.CompressedBlobHash, &f.OriginalPath, &f.PageCount, &f.ExtractedText,
		&f.PreviewJSON, &f.OCRPagesJSON, &f.ProcessingStatus, &fav, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	f.IsFavorite = fav != 0
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		f.DeletedAt = &t
	}
	return &f, nil
}

// GetFile gets an active file by id. Returns NotFoundError if absent or deleted.
func (r *FileRepo) GetFile(ctx context.Context, id string) (*VfsFile, error) {
	f, err := r.getFileAnyState(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.DeletedAt != nil {
		return nil, &NotFoundError{ResourceType: "file", ID: id}
	}
	return f, nil
}

func (r *FileRepo) getFileAnyState(ctx context.Context, id string) (*VfsFile, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", id)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "file", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query file: %w", err)
	}
	return f, nil
}

func (r *FileRepo) listFiles(ctx context.Context, where string, args ...any) ([]*VfsFile, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE "+where+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var files []*VfsFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListFiles returns all active files, newest first.
func (r *FileRepo) ListFiles(ctx context.Context) ([]*VfsFile, error) {
	return r.listFiles(ctx, "deleted_at IS NULL")
}

// ListDeletedFiles returns all soft-deleted files, newest first.
func (r *FileRepo) ListDeletedFiles(ctx context.Context) ([]*VfsFile, error) {
	return r.listFiles(ctx, "deleted_at IS NOT NULL")
}

// ListFilesByType returns active files of one file_type.
func (r *FileRepo) ListFilesByType(ctx context.Context, fileType string) ([]*VfsFile, error) {
	return r.listFiles(ctx, "deleted_at IS NULL AND file_type = ?", fileType)
}

// ListFilesByFolder returns the active files linked into a folder, in item order.
func (r *FileRepo) ListFilesByFolder(ctx context.Context, folderID string) ([]*VfsFile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+qualify(fileColumns, "f")+` FROM files f
		 JOIN folder_items fi ON fi.item_id = f.id AND fi.item_type = 'file'
		 WHERE fi.folder_id = ? AND fi.deleted_at IS NULL AND f.deleted_at IS NULL
		 ORDER BY fi.sort_order`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder files: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var files []*VfsFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateFileName renames a file.
func (r *FileRepo) UpdateFileName(ctx context.Context, id, name string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE files SET file_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL",
		name, id)
	if err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ResourceType: "file", ID: id}
	}
	return nil
}

// SetFavorite toggles the favorite flag of a file.
func (r *FileRepo) SetFavorite(ctx context.Context, id string, favorite bool) error {
	v := 0
	if favorite {
		v = 1
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE files SET is_favorite = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL",
		v, id)
	if err != nil {
		return fmt.Errorf("failed to set favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ResourceType: "file", ID: id}
	}
	return nil
}

// UpdateDocData stores extracted text, preview JSON, OCR pages, and page count
// after document processing, and refreshes the resource hash so the indexer
// notices the content change.
func (r *FileRepo) UpdateDocData(ctx context.Context, id, extractedText, previewJSON, ocrPagesJSON string, pageCount int, newHash string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE files SET extracted_text = ?, preview_json = ?, ocr_pages_json = ?,
			        page_count = ?, processing_status = 'done', updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND deleted_at IS NULL`,
			extractedText, previewJSON, ocrPagesJSON, pageCount, id)
		if err != nil {
			return fmt.Errorf("failed to update doc data: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{ResourceType: "file", ID: id}
		}
		if newHash != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE resources SET hash = ?, updated_at = CURRENT_TIMESTAMP
				 WHERE id = (SELECT resource_id FROM files WHERE id = ?)`, newHash, id); err != nil {
				return fmt.Errorf("failed to update resource hash: %w", err)
			}
		}
		return nil
	})
}

// DeleteFile soft-deletes a file. Every folder_items row referencing it is
// soft-deleted in the same transaction.
func (r *FileRepo) DeleteFile(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "delete_file", func() error {
			res, err := tx.ExecContext(ctx,
				"UPDATE files SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL", id)
			if err != nil {
				return fmt.Errorf("failed to soft delete file: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &NotFoundError{ResourceType: "file", ID: id}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE resources SET status = 'deleted', deleted_at = CURRENT_TIMESTAMP
				 WHERE id = (SELECT resource_id FROM files WHERE id = ?)`, id); err != nil {
				return fmt.Errorf("failed to soft delete resource: %w", err)
			}
			if err := SoftDeleteItemsFor(ctx, tx, "file", id); err != nil {
				return err
			}
			return logChange(ctx, tx, "files", id, "soft_delete")
		})
	})
}

// RestoreFile undoes a soft delete, restoring the folder links with it.
func (r *FileRepo) RestoreFile(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "restore_file", func() error {
			res, err := tx.ExecContext(ctx,
				"UPDATE files SET deleted_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
			if err != nil {
				return fmt.Errorf("failed to restore file: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &NotFoundError{ResourceType: "file", ID: id}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE resources SET status = 'active', deleted_at = NULL
				 WHERE id = (SELECT resource_id FROM files WHERE id = ?)`, id); err != nil {
				return fmt.Errorf("failed to restore resource: %w", err)
			}
			if err := RestoreItemsFor(ctx, tx, "file", id); err != nil {
				return err
			}
			return logChange(ctx, tx, "files", id, "restore")
		})
	})
}

// PurgeFile hard-deletes a file. Order inside the transaction: folder_items,
// blob refcount decrements (file blob, compressed blob, every preview page
// blob), files row, resources row. Purging a file whose detail row is already
// gone but which left orphan folder_items succeeds by removing the orphans.
func (r *FileRepo) PurgeFile(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "purge_file", func() error {
			if err := PurgeItemsFor(ctx, tx, "file", id); err != nil {
				return err
			}

			row := tx.QueryRowContext(ctx,
				"SELECT resource_id, blob_hash, compressed_blob_hash, preview_json FROM files WHERE id = ?", id)
			var resourceID, blobHash, compressedHash, previewJSON string
			err := row.Scan(&resourceID, &blobHash, &compressedHash, &previewJSON)
			if err == sql.ErrNoRows {
				// Orphan folder_items already removed above; purge is idempotent.
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load file for purge: %w", err)
			}

			for _, hash := range fileBlobHashes(blobHash, compressedHash, previewJSON) {
				if err := r.blobs.Release(ctx, tx, hash); err != nil {
					return err
				}
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id); err != nil {
				return fmt.Errorf("failed to delete file row: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM resources WHERE id = ?", resourceID); err != nil {
				return fmt.Errorf("failed to delete resource row: %w", err)
			}
			return logChange(ctx, tx, "files", id, "purge")
		})
	})
}

// fileBlobHashes collects every distinct blob hash a file references: the
// main blob, the compressed blob, and each preview page blob. Creation
// acquires and purge releases each hash exactly once.
func fileBlobHashes(blobHash, compressedHash, previewJSON string) []string {
	seen := make(map[string]bool)
	var hashes []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hashes = append(hashes, h)
		}
	}
	add(blobHash)
	add(compressedHash)
	for _, h := range previewPageHashes(previewJSON) {
		add(h)
	}
	return hashes
}

// previewPageHashes extracts pages[*].blob_hash from preview JSON,
// best-effort: malformed JSON yields nothing.
func previewPageHashes(previewJSON string) []string {
	if previewJSON == "" {
		return nil
	}
	var preview struct {
		Pages []struct {
			BlobHash string `json:"blob_hash"`
		} `json:"pages"`
	}
	if err := json.Unmarshal([]byte(previewJSON), &preview); err != nil {
		return nil
	}
	var hashes []string
	for _, p := range preview.Pages {
		if p.BlobHash != "" {
			hashes = append(hashes, p.BlobHash)
		}
	}
	return hashes
}

// BlobReader reads blob bytes by hash. Implemented by blobstore.Store.
type BlobReader interface {
	Read(hash string) ([]byte, error)
}

// GetContent returns the file's bytes base64-encoded. Precedence: compressed
// blob for images, inline resources.data, blob by blob_hash, then the original
// filesystem path.
func (r *FileRepo) GetContent(ctx context.Context, id string, blobs BlobReader) (string, error) {
	f, err := r.GetFile(ctx, id)
	if err != nil {
		return "", err
	}

	if f.FileType == "image" && f.CompressedBlobHash != "" {
		if data, err := blobs.Read(f.CompressedBlobHash); err == nil {
			return base64.StdEncoding.EncodeToString(data), nil
		}
	}

	var inline string
	err = r.db.QueryRowContext(ctx,
		"SELECT data FROM resources WHERE id = ? AND storage_mode = 'inline'", f.ResourceID).Scan(&inline)
	if err == nil && inline != "" {
		return base64.StdEncoding.EncodeToString([]byte(inline)), nil
	}
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query inline data: %w", err)
	}

	if f.BlobHash != "" {
		if data, err := blobs.Read(f.BlobHash); err == nil {
			return base64.StdEncoding.EncodeToString(data), nil
		}
	}

	if f.OriginalPath != "" {
		data, err := os.ReadFile(f.OriginalPath)
		if err != nil {
			return "", fmt.Errorf("failed to read original path: %w", err)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}

	return "", &NotFoundError{ResourceType: "file content", ID: id}
}

// qualify prefixes every column in a comma-separated list with an alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
