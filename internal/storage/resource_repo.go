package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ResourceRepo provides methods for inline-payload resources (notes,
// translations, essays, mindmaps) and the exam_sheets detail table.
type ResourceRepo struct {
	db *sql.DB
}

// NewResourceRepo creates a new ResourceRepo.
func NewResourceRepo(db *sql.DB) *ResourceRepo {
	return &ResourceRepo{db: db}
}

// detailTables maps resource types to the detail table that extends them.
// Types absent from the map keep everything on the resources row.
var detailTables = map[ResourceType]string{
	TypeNote:    "notes",
	TypeMindMap: "mindmaps",
	TypeExam:    "exam_sheets",
}

// ContentHash fingerprints an inline payload the same way the indexer compares
// hashes for reindex detection.
func ContentHash(data string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(data)))
}

// CreateInlineResource creates an inline resource, its detail row when the
// type has one, and the folder link, atomically under a savepoint.
func (r *ResourceRepo) CreateInlineResource(ctx context.Context, typ ResourceType, title, data, folderID string) (*Resource, error) {
	res := &Resource{
		ID:          uuid.New().String(),
		Type:        typ,
		Hash:        ContentHash(data),
		StorageMode: StorageInline,
		Data:        data,
		Status:      StatusActive,
	}

	err := InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "create_resource", func() error {
			detailID := ""
			if table, ok := detailTables[typ]; ok {
				detailID = uuid.New().String()
				res.SourceID = detailID
				res.SourceTable = table
			}

			_, err := tx.ExecContext(ctx,
				`INSERT INTO resources (id, type, hash, storage_mode, data, ref_count, status, source_id, source_table)
				 VALUES (?, ?, ?, 'inline', ?, 0, 'active', ?, ?)`,
				res.ID, typ, res.Hash, data, res.SourceID, res.SourceTable)
			if err != nil {
				return fmt.Errorf("failed to insert resource: %w", err)
			}

			switch res.SourceTable {
			case "notes":
				_, err = tx.ExecContext(ctx,
					"INSERT INTO notes (id, resource_id, title) VALUES (?, ?, ?)",
					detailID, res.ID, title)
			case "mindmaps":
				_, err = tx.ExecContext(ctx,
					"INSERT INTO mindmaps (id, resource_id, title) VALUES (?, ?, ?)",
					detailID, res.ID, title)
			case "exam_sheets":
				_, err = tx.ExecContext(ctx,
					"INSERT INTO exam_sheets (id, resource_id, exam_name) VALUES (?, ?, ?)",
					detailID, res.ID, title)
			}
			if err != nil {
				return fmt.Errorf("failed to insert detail row: %w", err)
			}

			if folderID != "" {
				if err := LinkItem(ctx, tx, folderID, string(typ), res.ID); err != nil {
					return err
				}
			}
			return logChange(ctx, tx, "resources", res.ID, "insert")
		})
	})
	if err != nil {
		return nil, err
	}
	return r.GetResource(ctx, res.ID)
}

const resourceColumns = `id, type, hash, storage_mode, data, ref_count, status,
	ocr_text, source_id, source_table, created_at, updated_at, deleted_at`

func scanResource(row interface{ Scan(...any) error }) (*Resource, error) {
	var res Resource
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&res.ID, &res.Type, &res.Hash, &res.StorageMode, &res.Data, &res.RefCount,
		&res.Status, &res.OCRText, &res.SourceID, &res.SourceTable, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	res.CreatedAt = parseTime(createdAt)
	res.UpdatedAt = parseTime(updatedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		res.DeletedAt = &t
	}
	return &res, nil
}

// GetResource gets a resource by id regardless of soft-delete state.
func (r *ResourceRepo) GetResource(ctx context.Context, id string) (*Resource, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+resourceColumns+" FROM resources WHERE id = ?", id)
	res, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "resource", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query resource: %w", err)
	}
	return res, nil
}

// ListResourcesByType returns active resources of one type, newest first.
func (r *ResourceRepo) ListResourcesByType(ctx context.Context, typ ResourceType) ([]*Resource, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+resourceColumns+" FROM resources WHERE type = ? AND status = 'active' ORDER BY created_at DESC",
		typ)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// UpdateInlineData replaces the inline payload and refreshes the content hash,
// so the indexer sees the change.
func (r *ResourceRepo) UpdateInlineData(ctx context.Context, id, data string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE resources SET data = ?, hash = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'active' AND storage_mode = 'inline'`,
		data, ContentHash(data), id)
	if err != nil {
		return fmt.Errorf("failed to update resource data: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{ResourceType: "resource", ID: id}
	}
	return nil
}

// SetOCRText caches OCR output on a resource.
func (r *ResourceRepo) SetOCRText(ctx context.Context, id, text string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE resources SET ocr_text = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", text, id)
	if err != nil {
		return fmt.Errorf("failed to set ocr text: %w", err)
	}
	return nil
}

// SoftDeleteResource soft-deletes a resource and its folder links.
func (r *ResourceRepo) SoftDeleteResource(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "delete_resource", func() error {
			res, err := tx.ExecContext(ctx,
				`UPDATE resources SET status = 'deleted', deleted_at = CURRENT_TIMESTAMP
				 WHERE id = ? AND status = 'active'`, id)
			if err != nil {
				return fmt.Errorf("failed to soft delete resource: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &NotFoundError{ResourceType: "resource", ID: id}
			}
			var typ string
			if err := tx.QueryRowContext(ctx, "SELECT type FROM resources WHERE id = ?", id).Scan(&typ); err != nil {
				return fmt.Errorf("failed to read resource type: %w", err)
			}
			if err := SoftDeleteItemsFor(ctx, tx, typ, id); err != nil {
				return err
			}
			return logChange(ctx, tx, "resources", id, "soft_delete")
		})
	})
}

// RestoreResource undoes a soft delete.
func (r *ResourceRepo) RestoreResource(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "restore_resource", func() error {
			res, err := tx.ExecContext(ctx,
				`UPDATE resources SET status = 'active', deleted_at = NULL WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("failed to restore resource: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return &NotFoundError{ResourceType: "resource", ID: id}
			}
			var typ string
			if err := tx.QueryRowContext(ctx, "SELECT type FROM resources WHERE id = ?", id).Scan(&typ); err != nil {
				return fmt.Errorf("failed to read resource type: %w", err)
			}
			if err := RestoreItemsFor(ctx, tx, typ, id); err != nil {
				return err
			}
			return logChange(ctx, tx, "resources", id, "restore")
		})
	})
}

// PurgeResource hard-deletes a resource and its detail row.
func (r *ResourceRepo) PurgeResource(ctx context.Context, id string) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		return WithSavepoint(ctx, tx, "purge_resource", func() error {
			var typ, sourceID, sourceTable string
			err := tx.QueryRowContext(ctx,
				"SELECT type, source_id, source_table FROM resources WHERE id = ?", id).
				Scan(&typ, &sourceID, &sourceTable)
			if err == sql.ErrNoRows {
				return &NotFoundError{ResourceType: "resource", ID: id}
			}
			if err != nil {
				return fmt.Errorf("failed to load resource for purge: %w", err)
			}
			if err := PurgeItemsFor(ctx, tx, typ, id); err != nil {
				return err
			}
			if sourceTable != "" && sourceID != "" {
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf("DELETE FROM %s WHERE id = ?", sourceTable), sourceID); err != nil {
					return fmt.Errorf("failed to delete detail row: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM resources WHERE id = ?", id); err != nil {
				return fmt.Errorf("failed to delete resource row: %w", err)
			}
			return logChange(ctx, tx, "resources", id, "purge")
		})
	})
}

// GetExamSheet loads the exam_sheets detail row by its id.
func (r *ResourceRepo) GetExamSheet(ctx context.Context, id string) (*ExamSheetRecord, error) {
	var rec ExamSheetRecord
	var createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, resource_id, exam_name, summary_json, preview_json, page_count, card_count,
		        created_at, updated_at
		 FROM exam_sheets WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ResourceID, &rec.ExamName, &rec.SummaryJSON, &rec.PreviewJSON,
			&rec.PageCount, &rec.CardCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "exam_sheet", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query exam sheet: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// SaveExamSheet writes back an exam sheet's name, summary, preview, and counts
// in one transaction, refreshing the resource hash so the indexer reindexes.
func (r *ResourceRepo) SaveExamSheet(ctx context.Context, rec *ExamSheetRecord) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE exam_sheets SET exam_name = ?, summary_json = ?, preview_json = ?,
			        page_count = ?, card_count = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			rec.ExamName, rec.SummaryJSON, rec.PreviewJSON, rec.PageCount, rec.CardCount, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to update exam sheet: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &NotFoundError{ResourceType: "exam_sheet", ID: rec.ID}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE resources SET hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			ContentHash(rec.PreviewJSON), rec.ResourceID); err != nil {
			return fmt.Errorf("failed to refresh resource hash: %w", err)
		}
		return logChange(ctx, tx, "exam_sheets", rec.ID, "update")
	})
}

// ListExamSheets returns all exam sheets, newest first.
func (r *ResourceRepo) ListExamSheets(ctx context.Context) ([]*ExamSheetRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, resource_id, exam_name, summary_json, preview_json, page_count, card_count,
		        created_at, updated_at
		 FROM exam_sheets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exam sheets: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []*ExamSheetRecord
	for rows.Next() {
		var rec ExamSheetRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.ResourceID, &rec.ExamName, &rec.SummaryJSON, &rec.PreviewJSON,
			&rec.PageCount, &rec.CardCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exam sheet: %w", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetSetting reads a persisted settings value, returning defaultValue when the
// key is absent.
func (r *ResourceRepo) GetSetting(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return defaultValue, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a persisted settings value.
func (r *ResourceRepo) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
