package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
)

const createFingerprintSQL = `CREATE TABLE IF NOT EXISTS schema_fingerprint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	fingerprint TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
)`

// bookkeeping tables excluded from the fingerprint so the fingerprint covers
// only the application schema.
var fingerprintExcluded = map[string]bool{
	historyTable:         true,
	"schema_fingerprint": true,
}

// ComputeFingerprint hashes a canonical dump of sqlite_master (tables and
// indexes). The SQL text is normalized before hashing so SQLite formatting
// differences across versions do not register as drift.
func ComputeFingerprint(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT type, name, tbl_name, COALESCE(sql, '')
		 FROM sqlite_master
		 WHERE type IN ('table', 'index') AND name NOT LIKE 'sqlite_%'
		 ORDER BY type, name`)
	if err != nil {
		return "", fmt.Errorf("failed to dump sqlite_master: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	h := sha256.New()
	for rows.Next() {
		var typ, name, tblName, sqlText string
		if err := rows.Scan(&typ, &name, &tblName, &sqlText); err != nil {
			return "", fmt.Errorf("failed to scan sqlite_master row: %w", err)
		}
		if fingerprintExcluded[name] || fingerprintExcluded[tblName] {
			continue
		}
		fmt.Fprintf(h, "%s|%s|%s|%s\n", typ, name, tblName, normalizeSQL(sqlText))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("row iteration error: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// normalizeSQL collapses whitespace and strips identifier quoting so the
// fingerprint is stable across SQLite's own reformatting.
func normalizeSQL(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("\"", "", "`", "", "[", "", "]", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func storedFingerprint(ctx context.Context, db *sql.DB) (string, bool, error) {
	ok, err := hasTable(ctx, db, "schema_fingerprint")
	if err != nil || !ok {
		return "", false, err
	}
	var fp string
	err = db.QueryRowContext(ctx, "SELECT fingerprint FROM schema_fingerprint WHERE id = 1").Scan(&fp)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read stored fingerprint: %w", err)
	}
	return fp, true, nil
}

func storeFingerprint(ctx context.Context, db *sql.DB, fp string) error {
	if _, err := db.ExecContext(ctx, createFingerprintSQL); err != nil {
		return fmt.Errorf("failed to create fingerprint table: %w", err)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO schema_fingerprint (id, fingerprint, updated_at) VALUES (1, ?, datetime('now'))
		 ON CONFLICT (id) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		fp)
	if err != nil {
		return fmt.Errorf("failed to store fingerprint: %w", err)
	}
	return nil
}

// RepairFingerprint re-baselines the stored fingerprint to the current schema.
// This is the explicit escape hatch for intentional out-of-band schema edits.
func RepairFingerprint(ctx context.Context, db *sql.DB) error {
	fp, err := ComputeFingerprint(ctx, db)
	if err != nil {
		return err
	}
	return storeFingerprint(ctx, db, fp)
}
