package indexer

// Chunk is a slice of indexable text. Positions are rune offsets into the
// source text (or the source page for paged resources).
type Chunk struct {
	Index     int
	Text      string
	StartPos  int
	EndPos    int
	PageIndex *int
	SourceID  string
}

// Index states of a resource.
const (
	StatePending  = "pending"
	StateIndexing = "indexing"
	StateIndexed  = "indexed"
	StateFailed   = "failed"
	StateDisabled = "disabled"
)
