// Package approot owns the on-disk layout of the application data root:
//
//	databases/{vfs,chat_v2,mistakes,llm_usage,audit}.db
//	blobs/<xx>/<sha256>
//	images/exam_sheet_archive/{session_id}/...
//	images/exam_temp/...
package approot

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root resolves paths under the application data root.
type Root struct {
	base string
}

// New creates the data root directory tree if it does not exist.
func New(base string) (*Root, error) {
	if base == "" {
		return nil, fmt.Errorf("data root path is empty")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data root: %w", err)
	}
	r := &Root{base: abs}
	for _, dir := range []string{
		r.DatabasesDir(),
		r.BlobsDir(),
		r.ExamArchiveDir(),
		r.ExamTempDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return r, nil
}

// Base returns the absolute data root path.
func (r *Root) Base() string { return r.base }

// DatabasesDir returns the directory holding the SQLite database files.
func (r *Root) DatabasesDir() string { return filepath.Join(r.base, "databases") }

// DatabasePath returns the path of a named database file, e.g. "vfs" -> databases/vfs.db.
func (r *Root) DatabasePath(name string) string {
	return filepath.Join(r.DatabasesDir(), name+".db")
}

// BlobsDir returns the content-addressed blob directory.
func (r *Root) BlobsDir() string { return filepath.Join(r.base, "blobs") }

// BlobPath returns the storage path for a blob hash: blobs/<first-2-chars>/<hash>.
func (r *Root) BlobPath(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(r.BlobsDir(), prefix, hash)
}

// ExamArchiveDir returns the durable exam-sheet image archive directory.
func (r *Root) ExamArchiveDir() string {
	return filepath.Join(r.base, "images", "exam_sheet_archive")
}

// ExamSessionArchiveDir returns the archive directory for one exam-sheet session.
func (r *Root) ExamSessionArchiveDir(sessionID string) string {
	return filepath.Join(r.ExamArchiveDir(), sessionID)
}

// ExamTempDir returns the transient exam image directory.
func (r *Root) ExamTempDir() string { return filepath.Join(r.base, "images", "exam_temp") }
