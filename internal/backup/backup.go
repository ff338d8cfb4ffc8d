// Package backup snapshots the application databases into a manifest-described
// directory and restores them with pre-restore rollback.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/storage"
)

// AppVersion is stamped into backup manifests.
const AppVersion = "1.4.0"

// Manager backs up and restores the raw database files.
type Manager struct {
	root  *approot.Root
	audit AuditSink
}

// AuditSink journals backup and restore attempts. May be nil.
type AuditSink interface {
	LogBackup(ctx context.Context, target string, ok bool, details any, errMsg string) error
	LogRestore(ctx context.Context, target string, ok bool, details any, errMsg string) error
}

// NewManager creates a backup manager over the data root. audit may be nil.
func NewManager(root *approot.Root, audit AuditSink) *Manager {
	return &Manager{root: root, audit: audit}
}

// BackupSingleDatabase snapshots one database into destDir and returns its
// manifest entry plus the schema version the database actually has applied.
// The copy is taken with VACUUM INTO after a WAL checkpoint; VACUUM INTO
// reads a single consistent snapshot, so writes racing the checkpoint are
// either fully captured or fully excluded.
func (m *Manager) BackupSingleDatabase(ctx context.Context, dbID migrate.DatabaseID, destDir string) (ManifestFile, int, error) {
	src := m.root.DatabasePath(string(dbID))
	db, err := storage.Open(src)
	if err != nil {
		return ManifestFile{}, 0, fmt.Errorf("failed to open %s for backup: %w", dbID, err)
	}
	defer func() {
		_ = db.Close()
	}()

	// The manifest must record what the file holds, not the newest version
	// this build knows about; a backup taken mid-upgrade keeps the older
	// applied version.
	version, err := migrate.AppliedVersion(ctx, db)
	if err != nil {
		return ManifestFile{}, 0, fmt.Errorf("failed to read schema version of %s: %w", dbID, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return ManifestFile{}, 0, fmt.Errorf("failed to checkpoint %s: %w", dbID, err)
	}

	destPath := filepath.Join(destDir, string(dbID)+".db")
	tmpPath := destPath + ".tmp"
	_ = os.Remove(tmpPath)
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmpPath); err != nil {
		return ManifestFile{}, 0, fmt.Errorf("failed to snapshot %s: %w", dbID, err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return ManifestFile{}, 0, fmt.Errorf("failed to finalize snapshot of %s: %w", dbID, err)
	}

	sum, size, err := hashFile(destPath)
	if err != nil {
		return ManifestFile{}, 0, err
	}
	return ManifestFile{
		Path:       string(dbID) + ".db",
		Size:       size,
		SHA256:     sum,
		DatabaseID: string(dbID),
	}, version, nil
}

// BackupFull snapshots every known database into destination and writes
// manifest.json alongside them.
func (m *Manager) BackupFull(ctx context.Context, destination string) (*Manifest, error) {
	logger := contextutil.LoggerFromContext(ctx)
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup destination: %w", err)
	}

	manifest := &Manifest{
		Version:        AppVersion,
		BackupID:       time.Now().UTC().Format("20060102T150405"),
		SchemaVersions: make(map[string]int, len(migrate.RunOrder)),
	}

	for _, dbID := range migrate.RunOrder {
		entry, version, err := m.BackupSingleDatabase(ctx, dbID, destination)
		if err != nil {
			if m.audit != nil {
				_ = m.audit.LogBackup(ctx, string(dbID), false, nil, err.Error())
			}
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
		manifest.SchemaVersions[string(dbID)] = version
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(destination, "manifest.json"), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	if m.audit != nil {
		_ = m.audit.LogBackup(ctx, "full", true, map[string]any{
			"backup_id": manifest.BackupID,
			"files":     len(manifest.Files),
		}, "")
	}
	logger.InfoContext(ctx, "backup completed", "backup_id", manifest.BackupID, "files", len(manifest.Files))
	return manifest, nil
}

// Restore replaces the live databases with the files a manifest describes.
// Incremental and future-version manifests are rejected; every file checksum
// is verified before any live file is touched; on a per-file failure every
// replaced file is rolled back from the pre-restore stash.
func (m *Manager) Restore(ctx context.Context, manifest *Manifest, sourceDir string) error {
	logger := contextutil.LoggerFromContext(ctx)

	fail := func(err error) error {
		if m.audit != nil {
			_ = m.audit.LogRestore(ctx, manifest.BackupID, false, nil, err.Error())
		}
		return err
	}

	if manifest.IsIncremental {
		return fail(fmt.Errorf("incremental restore not supported"))
	}
	for dbName, version := range manifest.SchemaVersions {
		latest := migrate.LatestVersion(migrate.DatabaseID(dbName))
		if latest > 0 && version > latest {
			return fail(fmt.Errorf("incompatible version: %s schema %d is newer than supported %d",
				dbName, version, latest))
		}
	}

	// Verify every checksum before touching the live files.
	for _, f := range manifest.Files {
		sum, size, err := hashFile(filepath.Join(sourceDir, f.Path))
		if err != nil {
			return fail(fmt.Errorf("failed to hash backup file %s: %w", f.Path, err))
		}
		if sum != f.SHA256 || size != f.Size {
			return fail(fmt.Errorf("backup file %s is corrupted: checksum mismatch", f.Path))
		}
	}

	// Stash current databases for rollback.
	stashDir := filepath.Join(m.root.DatabasesDir(), "pre_restore")
	if err := os.MkdirAll(stashDir, 0o755); err != nil {
		return fail(fmt.Errorf("failed to create pre-restore stash: %w", err))
	}
	stashed := make(map[string]string)
	for _, f := range manifest.Files {
		if !strings.HasSuffix(f.Path, ".db") {
			continue
		}
		live := filepath.Join(m.root.DatabasesDir(), f.Path)
		if _, err := os.Stat(live); err == nil {
			stash := filepath.Join(stashDir, f.Path)
			if err := copyFile(live, stash); err != nil {
				return fail(fmt.Errorf("failed to stash %s: %w", f.Path, err))
			}
			stashed[f.Path] = stash
		}
	}

	rollback := func() {
		for path, stash := range stashed {
			if err := copyFile(stash, filepath.Join(m.root.DatabasesDir(), path)); err != nil {
				logger.ErrorContext(ctx, "rollback of restore failed", "file", path, "error", err)
			}
		}
	}

	for _, f := range manifest.Files {
		if !strings.HasSuffix(f.Path, ".db") {
			continue
		}
		live := filepath.Join(m.root.DatabasesDir(), f.Path)
		// WAL sidecars of the replaced database are stale after the swap.
		_ = os.Remove(live + "-wal")
		_ = os.Remove(live + "-shm")
		if err := replaceFile(filepath.Join(sourceDir, f.Path), live); err != nil {
			rollback()
			return fail(fmt.Errorf("failed to restore %s: %w", f.Path, err))
		}
	}

	if m.audit != nil {
		_ = m.audit.LogRestore(ctx, manifest.BackupID, true, map[string]any{
			"files": len(manifest.Files),
		}, "")
	}
	logger.InfoContext(ctx, "restore completed", "backup_id", manifest.BackupID)
	return nil
}

// LoadManifest reads and parses manifest.json from a backup directory.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), size, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// replaceFile copies src next to dst and renames it into place so the swap is
// atomic on the same filesystem.
func replaceFile(src, dst string) error {
	tmp := dst + ".restore"
	if err := copyFile(src, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
