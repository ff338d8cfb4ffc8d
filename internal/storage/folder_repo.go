package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// FolderRepo provides methods for the folder tree and folder_items links.
type FolderRepo struct {
	db *sql.DB
}

// NewFolderRepo creates a new FolderRepo.
func NewFolderRepo(db *sql.DB) *FolderRepo {
	return &FolderRepo{db: db}
}

// CreateFolder inserts a folder under parentID (nil for a root folder),
// appending it after the current last sibling.
func (r *FolderRepo) CreateFolder(ctx context.Context, title string, parentID *string) (*Folder, error) {
	folder := &Folder{
		ID:         uuid.New().String(),
		Title:      title,
		ParentID:   parentID,
		IsExpanded: true,
	}
	err := InTx(ctx, r.db, func(tx *sql.Tx) error {
		var maxOrder sql.NullInt64
		var err error
		if parentID == nil {
			err = tx.QueryRowContext(ctx,
				"SELECT MAX(sort_order) FROM folders WHERE parent_id IS NULL").Scan(&maxOrder)
		} else {
			err = tx.QueryRowContext(ctx,
				"SELECT MAX(sort_order) FROM folders WHERE parent_id = ?", *parentID).Scan(&maxOrder)
		}
		if err != nil {
			return fmt.Errorf("failed to query sibling order: %w", err)
		}
		folder.SortOrder = int(maxOrder.Int64) + 1

		_, err = tx.ExecContext(ctx,
			`INSERT INTO folders (id, title, parent_id, sort_order, is_expanded) VALUES (?, ?, ?, ?, 1)`,
			folder.ID, folder.Title, folder.ParentID, folder.SortOrder)
		if err != nil {
			return fmt.Errorf("failed to insert folder: %w", err)
		}
		return logChange(ctx, tx, "folders", folder.ID, "insert")
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// GetFolder gets a folder by id. Returns NotFoundError if absent.
func (r *FolderRepo) GetFolder(ctx context.Context, id string) (*Folder, error) {
	var f Folder
	var parent sql.NullString
	var expanded int
	var createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, parent_id, sort_order, is_expanded, created_at, updated_at
		 FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.Title, &parent, &f.SortOrder, &expanded, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ResourceType: "folder", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query folder: %w", err)
	}
	if parent.Valid {
		f.ParentID = &parent.String
	}
	f.IsExpanded = expanded != 0
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

// ListChildren returns the child folders of parentID (nil for roots), ordered.
func (r *FolderRepo) ListChildren(ctx context.Context, parentID *string) ([]Folder, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, title, parent_id, sort_order, is_expanded, created_at, updated_at
			 FROM folders WHERE parent_id IS NULL ORDER BY sort_order`)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT id, title, parent_id, sort_order, is_expanded, created_at, updated_at
			 FROM folders WHERE parent_id = ? ORDER BY sort_order`, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var folders []Folder
	for rows.Next() {
		var f Folder
		var parent sql.NullString
		var expanded int
		var createdAt, updatedAt string
		if err := rows.Scan(&f.ID, &f.Title, &parent, &f.SortOrder, &expanded, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		if parent.Valid {
			f.ParentID = &parent.String
		}
		f.IsExpanded = expanded != 0
		f.CreatedAt = parseTime(createdAt)
		f.UpdatedAt = parseTime(updatedAt)
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// SetExpanded persists the expansion state of a folder.
func (r *FolderRepo) SetExpanded(ctx context.Context, id string, expanded bool) error {
	v := 0
	if expanded {
		v = 1
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE folders SET is_expanded = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", v, id)
	if err != nil {
		return fmt.Errorf("failed to update folder expansion: %w", err)
	}
	return nil
}

// LinkItem inserts a folder_items row inside the caller's transaction,
// appending after the folder's current last item.
func LinkItem(ctx context.Context, tx Execer, folderID, itemType, itemID string) error {
	var maxOrder sql.NullInt64
	err := tx.QueryRowContext(ctx,
		"SELECT MAX(sort_order) FROM folder_items WHERE folder_id = ? AND deleted_at IS NULL",
		folderID).Scan(&maxOrder)
	if err != nil {
		return fmt.Errorf("failed to query folder item order: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO folder_items (id, folder_id, item_type, item_id, sort_order)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), folderID, itemType, itemID, int(maxOrder.Int64)+1)
	if err != nil {
		return fmt.Errorf("failed to link folder item: %w", err)
	}
	return nil
}

// SoftDeleteItemsFor marks every folder_items row of an item as deleted,
// inside the caller's transaction.
func SoftDeleteItemsFor(ctx context.Context, tx Execer, itemType, itemID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE folder_items SET deleted_at = CURRENT_TIMESTAMP
		 WHERE item_type = ? AND item_id = ? AND deleted_at IS NULL`,
		itemType, itemID)
	if err != nil {
		return fmt.Errorf("failed to soft delete folder items: %w", err)
	}
	return nil
}

// RestoreItemsFor clears deleted_at on every folder_items row of an item,
// inside the caller's transaction.
func RestoreItemsFor(ctx context.Context, tx Execer, itemType, itemID string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE folder_items SET deleted_at = NULL WHERE item_type = ? AND item_id = ?",
		itemType, itemID)
	if err != nil {
		return fmt.Errorf("failed to restore folder items: %w", err)
	}
	return nil
}

// PurgeItemsFor hard-deletes every folder_items row of an item, inside the
// caller's transaction. Succeeds even when only orphan rows remain.
func PurgeItemsFor(ctx context.Context, tx Execer, itemType, itemID string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM folder_items WHERE item_type = ? AND item_id = ?", itemType, itemID)
	if err != nil {
		return fmt.Errorf("failed to purge folder items: %w", err)
	}
	return nil
}

// ListItems returns the live items of a folder in order.
func (r *FolderRepo) ListItems(ctx context.Context, folderID string) ([]FolderItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, folder_id, item_type, item_id, sort_order FROM folder_items
		 WHERE folder_id = ? AND deleted_at IS NULL ORDER BY sort_order`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder items: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var items []FolderItem
	for rows.Next() {
		var it FolderItem
		if err := rows.Scan(&it.ID, &it.FolderID, &it.ItemType, &it.ItemID, &it.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan folder item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
