// Package indexer turns resources into embedded, searchable segments and
// tracks per-resource index state.
package indexer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/storage"
	"github.com/000haoji/deep-student/internal/vectorstore"
)

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_embedder.go -package=mocks github.com/000haoji/deep-student/internal/indexer Embedder

// Embedder produces one vector per input text.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	VectorSize() int
}

// Pipeline indexes resources into SQLite segment rows and the vector store.
// embedder and vectors may be nil; segments are then written with the
// placeholder row id and stay out of vector search.
type Pipeline struct {
	db         *sql.DB
	resources  *storage.ResourceRepo
	resolver   *storage.ContentResolver
	configs    *ConfigStore
	embedder   Embedder
	vectors    vectorstore.VectorStore
	collection string
}

// NewPipeline creates an indexing pipeline over the vfs database.
func NewPipeline(db *sql.DB, embedder Embedder, vectors vectorstore.VectorStore, collection string) *Pipeline {
	return &Pipeline{
		db:         db,
		resources:  storage.NewResourceRepo(db),
		resolver:   storage.NewContentResolver(db),
		configs:    NewConfigStore(db),
		embedder:   embedder,
		vectors:    vectors,
		collection: collection,
	}
}

// Configs exposes the persisted indexer configuration store.
func (p *Pipeline) Configs() *ConfigStore {
	return p.configs
}

// State returns the index state row of a resource, defaulting to pending.
func (p *Pipeline) State(ctx context.Context, resourceID string) (*storage.IndexState, error) {
	var st storage.IndexState
	var updatedAt string
	err := p.db.QueryRowContext(ctx,
		"SELECT resource_id, state, indexed_hash, error, updated_at FROM index_states WHERE resource_id = ?",
		resourceID).Scan(&st.ResourceID, &st.State, &st.IndexedHash, &st.Error, &updatedAt)
	if err == sql.ErrNoRows {
		return &storage.IndexState{ResourceID: resourceID, State: StatePending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query index state: %w", err)
	}
	return &st, nil
}

// NeedsReindex is true unless the resource is indexed at its current hash.
func (p *Pipeline) NeedsReindex(ctx context.Context, res *storage.Resource) (bool, error) {
	st, err := p.State(ctx, res.ID)
	if err != nil {
		return false, err
	}
	if st.State == StateDisabled {
		return false, nil
	}
	return st.State != StateIndexed || st.IndexedHash != res.Hash, nil
}

func setState(ctx context.Context, ex storage.Execer, resourceID, state, hash, errMsg string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO index_states (resource_id, state, indexed_hash, error, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (resource_id) DO UPDATE SET
		   state = excluded.state, indexed_hash = excluded.indexed_hash,
		   error = excluded.error, updated_at = CURRENT_TIMESTAMP`,
		resourceID, state, hash, errMsg)
	if err != nil {
		return fmt.Errorf("failed to set index state: %w", err)
	}
	return nil
}

// IndexResource indexes one resource end to end: resolve, chunk, embed,
// mirror into the vector store, and record segments transactionally. On
// failure the state is marked failed with the error message.
func (p *Pipeline) IndexResource(ctx context.Context, resourceID string) error {
	logger := contextutil.LoggerFromContext(ctx)

	res, err := p.resources.GetResource(ctx, resourceID)
	if err != nil {
		return err
	}
	if res.Type == storage.TypeRetrieval || res.Status != storage.StatusActive {
		return setState(ctx, p.db, resourceID, StateDisabled, "", "")
	}

	needs, err := p.NeedsReindex(ctx, res)
	if err != nil {
		return err
	}
	if !needs {
		logger.DebugContext(ctx, "skipping unchanged resource", "resource_id", resourceID, "hash", res.Hash)
		return nil
	}

	text, pages, err := p.resolver.Resolve(ctx, res)
	if err != nil {
		_ = setState(ctx, p.db, resourceID, StateFailed, "", err.Error())
		return err
	}
	if text == "" {
		return setState(ctx, p.db, resourceID, StateIndexed, res.Hash, "")
	}

	cfg, err := p.configs.ChunkingConfig(ctx)
	if err != nil {
		return err
	}
	var chunks []Chunk
	if len(pages) > 0 {
		chunks = ChunkTextWithPages(pages, cfg)
	} else {
		chunks = ChunkText(text, cfg)
	}
	if len(chunks) == 0 {
		return setState(ctx, p.db, resourceID, StateIndexed, res.Hash, "")
	}

	if err := setState(ctx, p.db, resourceID, StateIndexing, "", ""); err != nil {
		return err
	}

	segmentIDs := make([]string, len(chunks))
	for i := range chunks {
		segmentIDs[i] = uuid.New().String()
	}

	dim := 0
	rowIDs := make([]string, len(chunks))
	for i := range rowIDs {
		rowIDs[i] = storage.PlaceholderRowID
	}
	if p.embedder != nil && p.vectors != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := p.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			_ = setState(ctx, p.db, resourceID, StateFailed, "", err.Error())
			return fmt.Errorf("failed to embed chunks: %w", err)
		}
		dim = p.embedder.VectorSize()

		points := make([]vectorstore.Point, len(chunks))
		for i, c := range chunks {
			meta := map[string]any{
				"resource_id":   resourceID,
				"resource_type": string(res.Type),
				"segment_index": c.Index,
				"modality":      "text",
				"content":       c.Text,
			}
			if c.PageIndex != nil {
				meta["page_index"] = *c.PageIndex
			}
			if c.SourceID != "" {
				meta["source_id"] = c.SourceID
			}
			points[i] = vectorstore.Point{ID: segmentIDs[i], Vec: vectors[i], Meta: meta}
			rowIDs[i] = segmentIDs[i]
		}
		if err := p.vectors.Upsert(ctx, p.collection, points); err != nil {
			_ = setState(ctx, p.db, resourceID, StateFailed, "", err.Error())
			return err
		}
	}

	err = storage.InTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.deleteUnitsTx(ctx, tx, resourceID); err != nil {
			return err
		}

		unitID := uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_units (id, resource_id, unit_index, text_required, text_ready, state)
			 VALUES (?, ?, 0, 1, 1, 'indexed')`, unitID, resourceID); err != nil {
			return fmt.Errorf("failed to insert index unit: %w", err)
		}

		for i, c := range chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO index_segments (id, unit_id, segment_index, modality, embedding_dim,
				        vector_row_id, content_text, start_pos, end_pos, page_index, source_id)
				 VALUES (?, ?, ?, 'text', ?, ?, ?, ?, ?, ?, ?)`,
				segmentIDs[i], unitID, c.Index, dim, rowIDs[i], c.Text, c.StartPos, c.EndPos,
				c.PageIndex, c.SourceID); err != nil {
				return fmt.Errorf("failed to insert index segment: %w", err)
			}
		}

		if dim > 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO embedding_dims (dimension, modality, record_count) VALUES (?, 'text', ?)
				 ON CONFLICT (dimension, modality) DO UPDATE SET record_count = record_count + excluded.record_count`,
				dim, len(chunks)); err != nil {
				return fmt.Errorf("failed to update embedding dims: %w", err)
			}
		}

		return setState(ctx, tx, resourceID, StateIndexed, res.Hash, "")
	})
	if err != nil {
		_ = setState(ctx, p.db, resourceID, StateFailed, "", err.Error())
		if p.vectors != nil && dim > 0 {
			if derr := p.vectors.Delete(ctx, p.collection, segmentIDs); derr != nil {
				logger.WarnContext(ctx, "failed to clean up vector rows after index failure",
					"resource_id", resourceID, "error", derr)
			}
		}
		return err
	}

	logger.InfoContext(ctx, "indexed resource", "resource_id", resourceID,
		"chunks", len(chunks), "pages", len(pages))
	return nil
}

func (p *Pipeline) deleteUnitsTx(ctx context.Context, tx *sql.Tx, resourceID string) error {
	// Segments cascade via the unit foreign key.
	if _, err := tx.ExecContext(ctx, "DELETE FROM index_units WHERE resource_id = ?", resourceID); err != nil {
		return fmt.Errorf("failed to delete index units: %w", err)
	}
	return nil
}

// DeleteResourceIndex drops vector rows, segment rows, and index state for a
// resource.
func (p *Pipeline) DeleteResourceIndex(ctx context.Context, resourceID string) error {
	if p.vectors != nil {
		if err := p.vectors.DeleteByResource(ctx, p.collection, resourceID); err != nil {
			return err
		}
	}
	return storage.InTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.deleteUnitsTx(ctx, tx, resourceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM index_states WHERE resource_id = ?", resourceID); err != nil {
			return fmt.Errorf("failed to delete index state: %w", err)
		}
		return nil
	})
}

// DeleteFileWithIndexCleanup deletes a file's vector rows, then soft-deletes
// the file. Vector cleanup is best-effort; its failure is logged and the soft
// delete proceeds.
func (p *Pipeline) DeleteFileWithIndexCleanup(ctx context.Context, files *storage.FileRepo, fileID string) error {
	logger := contextutil.LoggerFromContext(ctx)

	file, err := files.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if p.vectors != nil {
		if err := p.vectors.DeleteByResource(ctx, p.collection, file.ResourceID); err != nil {
			logger.WarnContext(ctx, "failed to delete vector rows before soft delete",
				"file_id", fileID, "resource_id", file.ResourceID, "error", err)
		}
	}
	return files.DeleteFile(ctx, fileID)
}

// ListSegments returns the stored segments of a resource in order.
func (p *Pipeline) ListSegments(ctx context.Context, resourceID string) ([]storage.IndexSegment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT s.id, s.unit_id, s.segment_index, s.modality, s.embedding_dim, s.vector_row_id,
		        s.content_text, s.start_pos, s.end_pos, s.page_index, s.source_id
		 FROM index_segments s JOIN index_units u ON u.id = s.unit_id
		 WHERE u.resource_id = ? ORDER BY u.unit_index, s.segment_index`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var segments []storage.IndexSegment
	for rows.Next() {
		var s storage.IndexSegment
		var pageIndex sql.NullInt64
		if err := rows.Scan(&s.ID, &s.UnitID, &s.SegmentIndex, &s.Modality, &s.EmbeddingDim,
			&s.VectorRowID, &s.ContentText, &s.StartPos, &s.EndPos, &pageIndex, &s.SourceID); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		if pageIndex.Valid {
			v := int(pageIndex.Int64)
			s.PageIndex = &v
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}
