package storage

import "time"

// ResourceType identifies the detail table backing a resource.
type ResourceType string

const (
	TypeNote        ResourceType = "note"
	TypeTranslation ResourceType = "translation"
	TypeExam        ResourceType = "exam"
	TypeTextbook    ResourceType = "textbook"
	TypeEssay       ResourceType = "essay"
	TypeFile        ResourceType = "file"
	TypeImage       ResourceType = "image"
	TypeMindMap     ResourceType = "mindmap"
	TypeRetrieval   ResourceType = "retrieval"
)

// StorageMode says where a resource's payload lives.
type StorageMode string

const (
	StorageInline StorageMode = "inline"
	StorageBlob   StorageMode = "blob"
)

// Resource statuses.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Resource is the unified metadata row for a unit of user-visible content.
type Resource struct {
	ID          string
	Type        ResourceType
	Hash        string // content fingerprint used to detect reindex need
	StorageMode StorageMode
	Data        string // text payload when storage_mode = inline
	RefCount    int
	Status      string
	OCRText     string
	SourceID    string // back-reference into the detail table
	SourceTable string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// VfsFile is the files detail row extending a file/image resource.
type VfsFile struct {
	ID                 string
	ResourceID         string
	FileName           string
	Size               int64
	FileType           string
	MimeType           string
	BlobHash           string
	CompressedBlobHash string
	OriginalPath       string
	PageCount          int
	ExtractedText      string
	PreviewJSON        string
	OCRPagesJSON       string
	ProcessingStatus   string
	IsFavorite         bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// Folder is a node in the ordered folder tree.
type Folder struct {
	ID         string
	Title      string
	ParentID   *string
	SortOrder  int
	IsExpanded bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FolderItem links an item into a folder with its own ordering and soft delete.
type FolderItem struct {
	ID        string
	FolderID  string
	ItemType  string
	ItemID    string
	SortOrder int
	DeletedAt *time.Time
}

// IndexState tracks the per-resource indexing state machine.
type IndexState struct {
	ResourceID  string
	State       string // pending | indexing | indexed | failed | disabled
	IndexedHash string // resource hash at last successful index
	Error       string
	UpdatedAt   time.Time
}

// IndexUnit is a logical chunking target within a resource.
type IndexUnit struct {
	ID                 string
	ResourceID         string
	UnitIndex          int
	TextRequired       bool
	TextReady          bool
	MultimodalRequired bool
	MultimodalReady    bool
	State              string
}

// IndexSegment is one chunk within a unit, mirrored into the vector store.
type IndexSegment struct {
	ID           string
	UnitID       string
	SegmentIndex int
	Modality     string
	EmbeddingDim int
	VectorRowID  string // vector-store point id; PlaceholderRowID marks metadata-only rows
	ContentText  string
	StartPos     int
	EndPos       int
	PageIndex    *int
	SourceID     string
}

// PlaceholderRowID marks a segment with no backing vector-store row. Segments
// carrying it must never surface in search results.
const PlaceholderRowID = "00000000-0000-0000-0000-000000000000"

// ExamSheetRecord is the exam_sheets detail row.
type ExamSheetRecord struct {
	ID          string
	ResourceID  string
	ExamName    string
	SummaryJSON string
	PreviewJSON string
	PageCount   int
	CardCount   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NoteRecord is the notes detail row.
type NoteRecord struct {
	ID         string
	ResourceID string
	Title      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
