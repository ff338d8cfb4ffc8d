package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/000haoji/deep-student/internal/contextutil"
)

const historyTable = "refinery_schema_history"

const createHistorySQL = `CREATE TABLE IF NOT EXISTS refinery_schema_history (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_on TEXT NOT NULL,
	checksum TEXT NOT NULL
)`

type historyRow struct {
	Version  int
	Name     string
	Checksum string
}

func hasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe table %s: %w", name, err)
	}
	return n > 0, nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return false, fmt.Errorf("failed to read table_info for %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table_info row: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func readHistory(ctx context.Context, db *sql.DB) ([]historyRow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT version, name, checksum FROM refinery_schema_history ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []historyRow
	for rows.Next() {
		var r historyRow
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppliedVersion reports the newest migration version recorded in a
// database's schema history, or 0 when no history exists yet.
func AppliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	ok, err := hasTable(ctx, db, historyTable)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return maxHistoryVersion(ctx, db)
}

func maxHistoryVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM refinery_schema_history").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read max history version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func insertHistoryRow(ctx context.Context, ex interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, m Migration) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO refinery_schema_history (version, name, applied_on, checksum)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (version) DO UPDATE SET name = excluded.name, checksum = excluded.checksum`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339), m.Checksum())
	if err != nil {
		return fmt.Errorf("failed to insert history row %d: %w", m.Version, err)
	}
	return nil
}

// repairChecksums rewrites tampered (version, name) history rows to the
// canonical checksum and deletes malformed rows. The repair is fail-open, but
// every rewrite is journaled to the audit sink because refinery would
// otherwise fail-close on the divergent history.
func (c *Coordinator) repairChecksums(ctx context.Context, dbID DatabaseID, db *sql.DB) error {
	logger := contextutil.LoggerFromContext(ctx)

	ok, err := hasTable(ctx, db, historyTable)
	if err != nil || !ok {
		return err
	}

	rows, err := readHistory(ctx, db)
	if err != nil {
		return err
	}

	byVersion := make(map[int]Migration, len(Sets[dbID]))
	for _, m := range Sets[dbID] {
		byVersion[m.Version] = m
	}

	for _, row := range rows {
		if row.Version <= 0 {
			// Malformed row, e.g. version 0 written by a broken client.
			if _, err := db.ExecContext(ctx,
				"DELETE FROM refinery_schema_history WHERE version = ?", row.Version); err != nil {
				return fmt.Errorf("failed to delete malformed history row: %w", err)
			}
			logger.WarnContext(ctx, "deleted malformed schema history row",
				"database", dbID, "version", row.Version)
			continue
		}

		m, known := byVersion[row.Version]
		if !known || m.Name != row.Name {
			continue
		}
		canonical := m.Checksum()
		if row.Checksum == canonical {
			continue
		}

		if _, err := db.ExecContext(ctx,
			"UPDATE refinery_schema_history SET checksum = ? WHERE version = ?",
			canonical, row.Version); err != nil {
			return fmt.Errorf("failed to repair history checksum: %w", err)
		}
		logger.WarnContext(ctx, "repaired schema history checksum",
			"database", dbID, "version", row.Version)
		if c.audit != nil {
			if err := c.audit.LogChecksumRepair(ctx, string(dbID), row.Version,
				prefix8(row.Checksum), prefix8(canonical)); err != nil {
				return fmt.Errorf("failed to audit checksum repair: %w", err)
			}
		}
	}
	return nil
}

// recoverLegacy rebuilds refinery_schema_history from schema ground truth when
// the detail schema is sparse and the history is missing or inconsistent.
// Probes decide which migrations actually ran; history is rewritten to the
// minimal contiguous prefix that matches, and inflated future-looking rows are
// dropped. The rewrite converges whether run once or many times.
func (c *Coordinator) recoverLegacy(ctx context.Context, dbID DatabaseID, db *sql.DB) error {
	logger := contextutil.LoggerFromContext(ctx)
	set := Sets[dbID]

	// Contiguous prefix of migrations whose effects are present.
	applied := 0
	for _, m := range set {
		present, err := probePresent(ctx, db, m.probe)
		if err != nil {
			return err
		}
		if !present {
			break
		}
		applied++
	}

	hasHistory, err := hasTable(ctx, db, historyTable)
	if err != nil {
		return err
	}

	consistent := false
	if hasHistory {
		maxV, err := maxHistoryVersion(ctx, db)
		if err != nil {
			return err
		}
		wantMax := 0
		if applied > 0 {
			wantMax = set[applied-1].Version
		}
		count, err := historyCount(ctx, db)
		if err != nil {
			return err
		}
		consistent = maxV == wantMax && count == applied
	}
	if consistent {
		return nil
	}

	if _, err := db.ExecContext(ctx, createHistorySQL); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM refinery_schema_history"); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	for _, m := range set[:applied] {
		if err := insertHistoryRow(ctx, db, m); err != nil {
			return err
		}
	}
	logger.InfoContext(ctx, "rebuilt schema history from ground truth",
		"database", dbID, "applied", applied, "total", len(set))
	return nil
}

func historyCount(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM refinery_schema_history").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history rows: %w", err)
	}
	return n, nil
}

func probePresent(ctx context.Context, db *sql.DB, p probe) (bool, error) {
	if p.table == "" {
		return false, nil
	}
	ok, err := hasTable(ctx, db, p.table)
	if err != nil || !ok {
		return false, err
	}
	if p.column == "" {
		return true, nil
	}
	return hasColumn(ctx, db, p.table, p.column)
}

func prefix8(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
