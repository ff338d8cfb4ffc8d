// Package audit implements the append-only operation journal used by the
// migration coordinator and the backup manager.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Operation types recorded in the journal.
const (
	OpMigration      = "migration"
	OpChecksumRepair = "checksum_repair"
	OpBackup         = "backup"
	OpRestore        = "restore"
)

// Statuses recorded in the journal.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DefaultMaxRows caps journal growth; Prune keeps the newest rows.
const DefaultMaxRows = 50000

// Entry is one audit journal row.
type Entry struct {
	ID            int64
	Timestamp     time.Time
	OperationType string
	Target        string
	Status        string
	DetailsJSON   string
	ErrorMessage  string
}

// Filter narrows a journal query.
type Filter struct {
	OperationType string
	Status        string
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Offset        int
}

// Log is the append-only audit journal backed by its own SQLite database.
type Log struct {
	db *sql.DB
}

// Init creates the journal table and its indexes, then returns the log.
func Init(db *sql.DB) (*Log, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			operation_type TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_op_ts ON audit_entries(operation_type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_status_ts ON audit_entries(status, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
	}
	return &Log{db: db}, nil
}

func (l *Log) append(ctx context.Context, opType, target, status string, details any, errMsg string) error {
	detailsJSON := ""
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		detailsJSON = string(raw)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (operation_type, target, status, details_json, error_message)
		 VALUES (?, ?, ?, ?, ?)`,
		opType, target, status, detailsJSON, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// LogMigrationComplete records a successful per-database migration pass.
func (l *Log) LogMigrationComplete(ctx context.Context, database string, from, to int, applied int, durationMS int64) error {
	return l.append(ctx, OpMigration, database, StatusSuccess, map[string]any{
		"from_version":  from,
		"to_version":    to,
		"applied_count": applied,
		"duration_ms":   durationMS,
	}, "")
}

// LogMigrationFailed records a failed per-database migration pass.
func (l *Log) LogMigrationFailed(ctx context.Context, database string, from, attemptedTo int, errMsg string) error {
	return l.append(ctx, OpMigration, database, StatusFailed, map[string]any{
		"from_version":      from,
		"attempted_version": attemptedTo,
	}, errMsg)
}

// LogChecksumRepair records a rewritten schema-history checksum. The repair is
// fail-open, so this record is the only trace that the history was touched.
func (l *Log) LogChecksumRepair(ctx context.Context, database string, version int, oldChecksumPrefix, newChecksumPrefix string) error {
	return l.append(ctx, OpChecksumRepair, database, StatusSuccess, map[string]any{
		"version":      version,
		"old_checksum": oldChecksumPrefix,
		"new_checksum": newChecksumPrefix,
		"action":       "checksum repair",
	}, "")
}

// LogBackup records a backup attempt.
func (l *Log) LogBackup(ctx context.Context, target string, ok bool, details any, errMsg string) error {
	status := StatusSuccess
	if !ok {
		status = StatusFailed
	}
	return l.append(ctx, OpBackup, target, status, details, errMsg)
}

// LogRestore records a restore attempt.
func (l *Log) LogRestore(ctx context.Context, target string, ok bool, details any, errMsg string) error {
	status := StatusSuccess
	if !ok {
		status = StatusFailed
	}
	return l.append(ctx, OpRestore, target, status, details, errMsg)
}

// Query returns journal entries matching the filter, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query := "SELECT id, timestamp, operation_type, target, status, details_json, error_message FROM audit_entries WHERE 1=1"
	var args []any
	if f.OperationType != "" {
		query += " AND operation_type = ?"
		args = append(args, f.OperationType)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format("2006-01-02 15:04:05"))
	}
	if f.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format("2006-01-02 15:04:05"))
	}
	query += " ORDER BY timestamp DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.OperationType, &e.Target, &e.Status, &e.DetailsJSON, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTimestamp(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

// CountByType returns the number of entries of one operation type.
func (l *Log) CountByType(ctx context.Context, opType string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_entries WHERE operation_type = ?", opType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return count, nil
}

// Prune deletes the oldest entries so at most maxRows remain. Zero or negative
// maxRows uses DefaultMaxRows.
func (l *Log) Prune(ctx context.Context, maxRows int) (int64, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE id NOT IN (
			SELECT id FROM audit_entries ORDER BY id DESC LIMIT ?
		)`, maxRows)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned entries: %w", err)
	}
	return n, nil
}

func parseTimestamp(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
