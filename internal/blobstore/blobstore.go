// Package blobstore implements content-addressed byte storage with reference
// counting. Bytes live at blobs/<xx>/<sha256>; refcount rows live in the vfs
// database so acquisition and release can join the caller's transaction.
package blobstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/storage"
)

// Store is the content-addressed blob store.
type Store struct {
	db   *sql.DB
	root *approot.Root
}

// New creates a blob store over the vfs database and the data root.
func New(db *sql.DB, root *approot.Root) *Store {
	return &Store{db: db, root: root}
}

// Put computes the SHA256 of data, writes the bytes if absent, and upserts the
// (hash, size) row. The reference count is not modified by Put.
func (s *Store) Put(ctx context.Context, data []byte) (hash string, size int64, err error) {
	sum := sha256.Sum256(data)
	hash = fmt.Sprintf("%x", sum)
	size = int64(len(data))

	path := s.root.BlobPath(hash)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", 0, fmt.Errorf("failed to create blob directory: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", 0, fmt.Errorf("failed to write blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return "", 0, fmt.Errorf("failed to finalize blob: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs (hash, size, ref_count) VALUES (?, ?, 0)
		 ON CONFLICT (hash) DO UPDATE SET size = excluded.size`,
		hash, size,
	)
	if err != nil {
		return "", 0, fmt.Errorf("failed to upsert blob row: %w", err)
	}

	return hash, size, nil
}

// Acquire increments the reference count of hash inside the caller's transaction.
func (s *Store) Acquire(ctx context.Context, tx storage.Execer, hash string) error {
	res, err := tx.ExecContext(ctx, "UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("failed to acquire blob %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check blob acquire: %w", err)
	}
	if n == 0 {
		return &storage.NotFoundError{ResourceType: "blob", ID: hash}
	}
	return nil
}

// Release decrements the reference count of hash inside the caller's
// transaction. The count never goes below zero; at zero the bytes become GC
// candidates.
func (s *Store) Release(ctx context.Context, tx storage.Execer, hash string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE blobs SET ref_count = MAX(ref_count - 1, 0) WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("failed to release blob %s: %w", hash, err)
	}
	return nil
}

// Read returns the bytes of hash. Returns ErrBlobMissing when the file is absent.
func (s *Store) Read(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.root.BlobPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", hash, storage.ErrBlobMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return data, nil
}

// RefCount returns the current reference count of hash.
func (s *Store) RefCount(ctx context.Context, hash string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT ref_count FROM blobs WHERE hash = ?", hash).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, &storage.NotFoundError{ResourceType: "blob", ID: hash}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query blob refcount: %w", err)
	}
	return count, nil
}

// GC deletes the bytes and rows of every blob whose reference count is zero.
// Returns the number of blobs collected.
func (s *Store) GC(ctx context.Context) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	rows, err := s.db.QueryContext(ctx, "SELECT hash FROM blobs WHERE ref_count <= 0")
	if err != nil {
		return 0, fmt.Errorf("failed to query unreferenced blobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return 0, fmt.Errorf("failed to scan blob hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("row iteration error: %w", err)
	}

	collected := 0
	for _, hash := range hashes {
		path := s.root.BlobPath(hash)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WarnContext(ctx, "failed to remove blob file", "hash", hash, "error", err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE hash = ? AND ref_count <= 0", hash); err != nil {
			logger.WarnContext(ctx, "failed to delete blob row", "hash", hash, "error", err)
			continue
		}
		collected++
	}

	if collected > 0 {
		logger.InfoContext(ctx, "blob GC completed", "collected", collected)
	}
	return collected, nil
}
