package storage

import (
	"context"
	"fmt"
	"time"
)

// BlobRefs is the refcount surface of the blob store that repository
// transactions call. Implemented by blobstore.Store.
type BlobRefs interface {
	Acquire(ctx context.Context, tx Execer, hash string) error
	Release(ctx context.Context, tx Execer, hash string) error
}

// logChange appends a change_log row inside the caller's transaction. The
// table is sync scaffolding; rows are written, never consumed locally.
func logChange(ctx context.Context, tx Execer, table, rowID, op string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO change_log (table_name, row_id, op) VALUES (?, ?, ?)", table, rowID, op)
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}
	return nil
}

// parseTime parses SQLite DATETIME strings in either of the formats the
// driver produces.
func parseTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
