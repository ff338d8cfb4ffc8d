package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/storage"
)

// AuditSink receives migration journal entries. Nil sinks are allowed; the
// checksum repair path still runs but leaves no journal trace, so production
// wiring always provides one.
type AuditSink interface {
	LogMigrationComplete(ctx context.Context, database string, from, to int, applied int, durationMS int64) error
	LogMigrationFailed(ctx context.Context, database string, from, attemptedTo int, errMsg string) error
	LogChecksumRepair(ctx context.Context, database string, version int, oldChecksumPrefix, newChecksumPrefix string) error
}

// Coordinator runs the per-database migration pipeline in dependency order.
// Cross-database atomicity is a non-goal: each database is its own
// transactional unit, and a later failure never rolls back an earlier commit.
type Coordinator struct {
	root  *approot.Root
	audit AuditSink

	// openDB is swappable for tests.
	openDB func(path string) (*sql.DB, error)
}

// NewCoordinator creates a coordinator over the data root. audit may be nil.
func NewCoordinator(root *approot.Root, audit AuditSink) *Coordinator {
	return &Coordinator{root: root, audit: audit, openDB: storage.Open}
}

// NeedsMigration reports whether db has pending migrations: the history table
// is absent or its max version is below the set's latest.
func (c *Coordinator) NeedsMigration(ctx context.Context, dbID DatabaseID) (bool, error) {
	db, err := c.openDB(c.root.DatabasePath(string(dbID)))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = db.Close()
	}()

	ok, err := hasTable(ctx, db, historyTable)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	maxV, err := maxHistoryVersion(ctx, db)
	if err != nil {
		return false, err
	}
	return maxV < LatestVersion(dbID), nil
}

// PendingCount returns the total number of pending migrations across all
// databases.
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	total := 0
	for _, dbID := range RunOrder {
		db, err := c.openDB(c.root.DatabasePath(string(dbID)))
		if err != nil {
			return 0, err
		}
		pending, err := c.pendingFor(ctx, dbID, db)
		_ = db.Close()
		if err != nil {
			return 0, err
		}
		total += len(pending)
	}
	return total, nil
}

func (c *Coordinator) pendingFor(ctx context.Context, dbID DatabaseID, db *sql.DB) ([]Migration, error) {
	ok, err := hasTable(ctx, db, historyTable)
	if err != nil {
		return nil, err
	}
	maxV := 0
	if ok {
		maxV, err = maxHistoryVersion(ctx, db)
		if err != nil {
			return nil, err
		}
	}
	var pending []Migration
	for _, m := range Sets[dbID] {
		if m.Version > maxV {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// MigrateSingle runs the full pipeline for one database: checksum repair,
// legacy recovery, pending apply, compat repair, verify, fingerprint.
// Dependency checking happens in RunAll; calling MigrateSingle directly skips it.
func (c *Coordinator) MigrateSingle(ctx context.Context, dbID DatabaseID) DatabaseReport {
	logger := contextutil.LoggerFromContext(ctx)
	start := time.Now()
	report := DatabaseReport{Database: dbID}

	set, ok := Sets[dbID]
	if !ok || len(set) == 0 {
		report.Error = fmt.Sprintf("unknown database %s", dbID)
		return report
	}
	if len(set) < minimumCounts[dbID] {
		report.Error = fmt.Sprintf("migration set regression: %s has %d migrations, baseline is %d",
			dbID, len(set), minimumCounts[dbID])
		return report
	}
	for i := 1; i < len(set); i++ {
		if set[i].Version <= set[i-1].Version {
			report.Error = fmt.Sprintf("migration versions not strictly increasing at %d", set[i].Version)
			return report
		}
	}

	db, err := c.openDB(c.root.DatabasePath(string(dbID)))
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer func() {
		_ = db.Close()
	}()

	finish := func(err error) DatabaseReport {
		report.DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			report.Error = classifyLockError(err).Error()
			report.Success = false
			if c.audit != nil {
				_ = c.audit.LogMigrationFailed(ctx, string(dbID), report.FromVersion, LatestVersion(dbID), report.Error)
			}
			logger.ErrorContext(ctx, "migration failed", "database", dbID, "error", err)
			return report
		}
		report.Success = true
		if c.audit != nil {
			_ = c.audit.LogMigrationComplete(ctx, string(dbID), report.FromVersion, report.ToVersion,
				report.Applied, report.DurationMS)
		}
		return report
	}

	// 1. Checksum repair (fail-open, audited).
	if err := c.repairChecksums(ctx, dbID, db); err != nil {
		return finish(err)
	}

	// 2. Legacy recovery for sparse schemas with missing/inconsistent history.
	if err := c.recoverLegacy(ctx, dbID, db); err != nil {
		return finish(err)
	}

	if _, err := db.ExecContext(ctx, createHistorySQL); err != nil {
		return finish(fmt.Errorf("failed to ensure history table: %w", err))
	}
	report.FromVersion, err = maxHistoryVersion(ctx, db)
	if err != nil {
		return finish(err)
	}
	report.ToVersion = report.FromVersion

	// 3. Apply pending scripts, each inside an IMMEDIATE transaction.
	pending, err := c.pendingFor(ctx, dbID, db)
	if err != nil {
		return finish(err)
	}
	for _, m := range pending {
		err := storage.InTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return &ApplyError{Version: m.Version, Cause: err}
			}
			return insertHistoryRow(ctx, tx, m)
		})
		if err != nil {
			return finish(err)
		}
		report.Applied++
		report.ToVersion = m.Version
		logger.InfoContext(ctx, "applied migration", "database", dbID, "version", m.Version, "name", m.Name)
	}

	// 4. Compat repair: re-create known-drift objects.
	for _, idx := range expectedIndexes[dbID] {
		if _, err := db.ExecContext(ctx, idx.SQL); err != nil {
			return finish(fmt.Errorf("compat repair of %s failed: %w", idx.Name, err))
		}
	}

	// 5. Verify expected tables, columns, and indexes.
	if err := Verify(ctx, dbID, db); err != nil {
		return finish(err)
	}

	// 6. Fingerprint: drift against the stored value is fail-close unless this
	// run changed the schema, in which case the fingerprint is re-baselined.
	actual, err := ComputeFingerprint(ctx, db)
	if err != nil {
		return finish(err)
	}
	if report.Applied == 0 {
		stored, haveStored, err := storedFingerprint(ctx, db)
		if err != nil {
			return finish(err)
		}
		if haveStored && stored != actual {
			return finish(&VerificationError{
				Version: report.ToVersion,
				Reason:  "Schema fingerprint drift detected",
			})
		}
	}
	if err := storeFingerprint(ctx, db, actual); err != nil {
		return finish(err)
	}

	return finish(nil)
}

// RunAll migrates every database in canonical order. A database whose declared
// dependency failed is reported as DependencyNotSatisfied and skipped; already
// migrated databases apply zero migrations, so retries after a partial failure
// converge.
func (c *Coordinator) RunAll(ctx context.Context) Report {
	report := Report{Success: true}
	results := make(map[DatabaseID]bool, len(RunOrder))

	for _, dbID := range RunOrder {
		blocked := false
		for _, dep := range Dependencies[dbID] {
			if !results[dep] {
				depErr := &DependencyError{Database: dbID, Dependency: dep}
				report.Databases = append(report.Databases, DatabaseReport{
					Database: dbID,
					Error:    depErr.Error(),
				})
				if c.audit != nil {
					_ = c.audit.LogMigrationFailed(ctx, string(dbID), 0, LatestVersion(dbID), depErr.Error())
				}
				report.Success = false
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		dbReport := c.MigrateSingle(ctx, dbID)
		report.Databases = append(report.Databases, dbReport)
		report.MigrationsApplied += dbReport.Applied
		results[dbID] = dbReport.Success
		if !dbReport.Success {
			report.Success = false
		}
	}
	return report
}

// InitializeWithReport validates the schema registry's dependency DAG and then
// migrates every database, returning the aggregate report. This is the single
// startup entry point; repositories must not touch a database before it runs.
func (c *Coordinator) InitializeWithReport(ctx context.Context) (Report, error) {
	if err := AggregateSchemaRegistry().CheckDependencies(); err != nil {
		return Report{}, fmt.Errorf("failed to validate schema registry: %w", err)
	}
	report := c.RunAll(ctx)
	if !report.Success {
		for _, db := range report.Databases {
			if db.Error != "" {
				return report, fmt.Errorf("failed to migrate %s: %s", db.Database, db.Error)
			}
		}
		return report, fmt.Errorf("migration failed")
	}
	return report, nil
}

// classifyLockError wraps SQLite busy/locked failures with ErrLocked so
// callers can decide to retry.
func classifyLockError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return err
}
