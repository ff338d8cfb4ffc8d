package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// expectation lists the schema objects a fully migrated database must carry.
type expectation struct {
	Tables  []string
	Columns map[string][]string
	Indexes []string
}

var expectations = map[DatabaseID]expectation{
	DBVfs: {
		Tables: []string{
			"resources", "blobs", "folders", "folder_items", "settings", "change_log",
			"files", "notes", "textbooks", "mindmaps", "exam_sheets",
			"index_states", "index_units", "index_segments", "embedding_dims",
			"anki_cards", "document_tasks",
		},
		Columns: map[string][]string{
			"resources":      {"id", "type", "hash", "storage_mode", "data", "ref_count", "status", "ocr_text", "source_id", "source_table", "deleted_at"},
			"blobs":          {"hash", "size", "ref_count"},
			"files":          {"id", "resource_id", "file_name", "blob_hash", "preview_json", "ocr_pages_json", "is_favorite", "deleted_at"},
			"folder_items":   {"id", "folder_id", "item_type", "item_id", "sort_order", "deleted_at"},
			"index_segments": {"id", "unit_id", "segment_index", "modality", "embedding_dim", "vector_row_id", "content_text", "start_pos", "end_pos", "page_index", "source_id"},
		},
		Indexes: []string{"idx_folder_items_item", "idx_resources_status", "idx_segments_unit"},
	},
	DBLLMUsage: {
		Tables: []string{"llm_usage_logs"},
		Columns: map[string][]string{
			"llm_usage_logs": {"id", "caller_type", "model", "prompt_tokens", "completion_tokens", "total_tokens", "reasoning_tokens"},
		},
		Indexes: []string{"idx_usage_caller"},
	},
	DBChatV2: {
		Tables: []string{"chat_v2_sessions", "chat_v2_messages", "temp_sessions", "change_log"},
		Columns: map[string][]string{
			"chat_v2_messages": {"id", "session_id", "role", "content", "reasoning_content"},
		},
		Indexes: []string{"idx_chat_messages_session"},
	},
	DBMistakes: {
		Tables: []string{"mistakes", "subjects", "review_sessions", "change_log"},
		Columns: map[string][]string{
			"mistakes": {"id", "subject", "question", "answer", "analysis_json", "tags_json", "deleted_at"},
		},
		Indexes: []string{"idx_mistakes_subject"},
	},
}

// Verify checks that every expected table, column, and index exists. A missing
// object returns a VerificationError carrying the set's latest version.
func Verify(ctx context.Context, dbID DatabaseID, db *sql.DB) error {
	exp, ok := expectations[dbID]
	if !ok {
		return &VerificationError{Version: 0, Reason: fmt.Sprintf("unknown database %s", dbID)}
	}
	version := LatestVersion(dbID)

	for _, table := range exp.Tables {
		present, err := hasTable(ctx, db, table)
		if err != nil {
			return err
		}
		if !present {
			return &VerificationError{Version: version, Reason: fmt.Sprintf("missing table %s", table)}
		}
	}
	for table, columns := range exp.Columns {
		for _, column := range columns {
			present, err := hasColumn(ctx, db, table, column)
			if err != nil {
				return err
			}
			if !present {
				return &VerificationError{Version: version, Reason: fmt.Sprintf("missing column %s.%s", table, column)}
			}
		}
	}
	for _, index := range exp.Indexes {
		present, err := hasIndex(ctx, db, index)
		if err != nil {
			return err
		}
		if !present {
			return &VerificationError{Version: version, Reason: fmt.Sprintf("missing index %s", index)}
		}
	}
	return nil
}

func hasIndex(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe index %s: %w", name, err)
	}
	return n > 0, nil
}
