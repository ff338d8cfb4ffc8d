// Package migrate applies ordered schema migrations across the application's
// four SQLite databases, honoring their dependency DAG, verifying the
// resulting schema, and journaling every attempt to the audit log.
package migrate

import (
	"crypto/sha256"
	"fmt"
)

// DatabaseID names one of the logical databases.
type DatabaseID string

const (
	DBVfs      DatabaseID = "vfs"
	DBLLMUsage DatabaseID = "llm_usage"
	DBChatV2   DatabaseID = "chat_v2"
	DBMistakes DatabaseID = "mistakes"
)

// RunOrder is the canonical topological order of the dependency DAG.
var RunOrder = []DatabaseID{DBVfs, DBLLMUsage, DBChatV2, DBMistakes}

// Dependencies declares which databases must migrate successfully first.
var Dependencies = map[DatabaseID][]DatabaseID{
	DBVfs:      nil,
	DBLLMUsage: nil,
	DBChatV2:   {DBVfs},
	DBMistakes: {DBVfs},
}

// Migration is one schema step. Versions are yyyymmdd-style, strictly
// increasing within a set, and never removed.
type Migration struct {
	Version int
	Name    string
	SQL     string

	// probe checks whether the migration's effects are present in a database
	// whose history is missing or inconsistent. Used by legacy recovery to
	// rebuild refinery_schema_history from ground truth.
	probe probe
}

// probe locates a schema object that proves a migration ran.
type probe struct {
	table  string
	column string // optional; when set the column must exist on table
}

// Checksum returns the canonical checksum of a migration, matching what
// refinery_schema_history stores.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d\n%s\n%s", m.Version, m.Name, m.SQL)))
	return fmt.Sprintf("%x", sum)
}

// minimumCounts is the regression guard: the real migration count per database
// must never fall below these baselines.
var minimumCounts = map[DatabaseID]int{
	DBVfs:      5,
	DBLLMUsage: 2,
	DBChatV2:   2,
	DBMistakes: 2,
}

// Sets holds the static migration list per database.
var Sets = map[DatabaseID][]Migration{
	DBVfs:      vfsMigrations,
	DBLLMUsage: llmUsageMigrations,
	DBChatV2:   chatV2Migrations,
	DBMistakes: mistakesMigrations,
}

// LatestVersion returns the newest migration version of a database, or 0 for
// an unknown database.
func LatestVersion(db DatabaseID) int {
	set := Sets[db]
	if len(set) == 0 {
		return 0
	}
	return set[len(set)-1].Version
}

var vfsMigrations = []Migration{
	{
		Version: 20260101,
		Name:    "create_core_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	hash TEXT NOT NULL DEFAULT '',
	storage_mode TEXT NOT NULL DEFAULT 'inline',
	data TEXT NOT NULL DEFAULT '',
	ref_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	ocr_text TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	source_table TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME
);
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	size INTEGER NOT NULL DEFAULT 0,
	ref_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS folders (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	parent_id TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0,
	is_expanded INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS folder_items (
	id TEXT PRIMARY KEY,
	folder_id TEXT NOT NULL,
	item_type TEXT NOT NULL,
	item_id TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	deleted_at DATETIME
);
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	op TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		probe: probe{table: "resources"},
	},
	{
		Version: 20260115,
		Name:    "create_detail_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	file_type TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	blob_hash TEXT NOT NULL DEFAULT '',
	compressed_blob_hash TEXT NOT NULL DEFAULT '',
	original_path TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	extracted_text TEXT NOT NULL DEFAULT '',
	preview_json TEXT NOT NULL DEFAULT '',
	ocr_pages_json TEXT NOT NULL DEFAULT '',
	processing_status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME
);
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME
);
CREATE TABLE IF NOT EXISTS textbooks (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS mindmaps (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS exam_sheets (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	exam_name TEXT NOT NULL DEFAULT '',
	summary_json TEXT NOT NULL DEFAULT '',
	preview_json TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	card_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		probe: probe{table: "files"},
	},
	{
		Version: 20260125,
		Name:    "create_index_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS index_states (
	resource_id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'pending',
	indexed_hash TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS index_units (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	unit_index INTEGER NOT NULL,
	text_required INTEGER NOT NULL DEFAULT 1,
	text_ready INTEGER NOT NULL DEFAULT 0,
	multimodal_required INTEGER NOT NULL DEFAULT 0,
	multimodal_ready INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (resource_id, unit_index)
);
CREATE TABLE IF NOT EXISTS index_segments (
	id TEXT PRIMARY KEY,
	unit_id TEXT NOT NULL,
	segment_index INTEGER NOT NULL,
	modality TEXT NOT NULL DEFAULT 'text',
	embedding_dim INTEGER NOT NULL DEFAULT 0,
	vector_row_id TEXT NOT NULL DEFAULT '',
	content_text TEXT NOT NULL DEFAULT '',
	start_pos INTEGER NOT NULL DEFAULT 0,
	end_pos INTEGER NOT NULL DEFAULT 0,
	page_index INTEGER,
	source_id TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (unit_id) REFERENCES index_units(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS embedding_dims (
	dimension INTEGER NOT NULL,
	modality TEXT NOT NULL DEFAULT 'text',
	record_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (dimension, modality)
);
`,
		probe: probe{table: "index_segments"},
	},
	{
		Version: 20260201,
		Name:    "create_task_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS anki_cards (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL DEFAULT '',
	front TEXT NOT NULL DEFAULT '',
	back TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS document_tasks (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		probe: probe{table: "document_tasks"},
	},
	{
		Version: 20260207,
		Name:    "add_favorite_and_indexes",
		SQL: `
ALTER TABLE files ADD COLUMN is_favorite INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_folder_items_item ON folder_items(item_type, item_id);
CREATE INDEX IF NOT EXISTS idx_resources_status ON resources(status, type);
CREATE INDEX IF NOT EXISTS idx_segments_unit ON index_segments(unit_id, segment_index);
`,
		probe: probe{table: "files", column: "is_favorite"},
	},
}

var llmUsageMigrations = []Migration{
	{
		Version: 20260120,
		Name:    "create_usage_logs",
		SQL: `
CREATE TABLE IF NOT EXISTS llm_usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	caller_type TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		probe: probe{table: "llm_usage_logs"},
	},
	{
		Version: 20260201,
		Name:    "add_usage_index",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_usage_caller ON llm_usage_logs(caller_type, created_at);
`,
		probe: probe{table: "llm_usage_logs"},
	},
}

var chatV2Migrations = []Migration{
	{
		Version: 20260118,
		Name:    "create_chat_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS chat_v2_sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chat_v2_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	reasoning_content TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (session_id) REFERENCES chat_v2_sessions(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	op TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		probe: probe{table: "chat_v2_sessions"},
	},
	{
		Version: 20260203,
		Name:    "create_temp_sessions",
		SQL: `
CREATE TABLE IF NOT EXISTS temp_sessions (
	id TEXT PRIMARY KEY,
	payload_json TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_v2_messages(session_id, created_at);
`,
		probe: probe{table: "temp_sessions"},
	},
}

var mistakesMigrations = []Migration{
	{
		Version: 20260122,
		Name:    "create_mistakes_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS mistakes (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL DEFAULT '',
	question TEXT NOT NULL DEFAULT '',
	answer TEXT NOT NULL DEFAULT '',
	analysis_json TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME
);
CREATE TABLE IF NOT EXISTS subjects (
	name TEXT PRIMARY KEY,
	config_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	op TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		probe: probe{table: "mistakes"},
	},
	{
		Version: 20260207,
		Name:    "create_review_sessions",
		SQL: `
CREATE TABLE IF NOT EXISTS review_sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL DEFAULT '',
	mistake_ids_json TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mistakes_subject ON mistakes(subject, created_at);
`,
		probe: probe{table: "review_sessions"},
	},
}

// expectedIndexes lists indexes that known driver drifts can drop; compat
// repair re-creates them after the pending migrations run.
var expectedIndexes = map[DatabaseID][]struct {
	Name string
	SQL  string
}{
	DBVfs: {
		{"idx_folder_items_item", "CREATE INDEX IF NOT EXISTS idx_folder_items_item ON folder_items(item_type, item_id)"},
		{"idx_resources_status", "CREATE INDEX IF NOT EXISTS idx_resources_status ON resources(status, type)"},
		{"idx_segments_unit", "CREATE INDEX IF NOT EXISTS idx_segments_unit ON index_segments(unit_id, segment_index)"},
	},
	DBLLMUsage: {
		{"idx_usage_caller", "CREATE INDEX IF NOT EXISTS idx_usage_caller ON llm_usage_logs(caller_type, created_at)"},
	},
	DBChatV2: {
		{"idx_chat_messages_session", "CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_v2_messages(session_id, created_at)"},
	},
	DBMistakes: {
		{"idx_mistakes_subject", "CREATE INDEX IF NOT EXISTS idx_mistakes_subject ON mistakes(subject, created_at)"},
	},
}
