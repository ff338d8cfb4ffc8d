// Package search retrieves indexed segments by combining lexical and vector
// similarity.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/storage"
	"github.com/000haoji/deep-student/internal/vectorstore"
)

// Result is one ranked search hit.
type Result struct {
	SegmentID  string  `json:"segment_id"`
	ResourceID string  `json:"resource_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	PageIndex  *int    `json:"page_index,omitempty"`
}

// Engine runs hybrid search over the segment table and the vector store.
// embedder and vectors may be nil; search then degrades to lexical only.
type Engine struct {
	db         *sql.DB
	embedder   indexer.Embedder
	vectors    vectorstore.VectorStore
	collection string
	configs    *indexer.ConfigStore
}

// NewEngine creates a search engine over the vfs database.
func NewEngine(db *sql.DB, embedder indexer.Embedder, vectors vectorstore.VectorStore, collection string) *Engine {
	return &Engine{
		db:         db,
		embedder:   embedder,
		vectors:    vectors,
		collection: collection,
		configs:    indexer.NewConfigStore(db),
	}
}

// Search returns up to topK segments ranked by the weighted sum of the
// lexical and vector scores. topK <= 0 uses the configured default.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	logger := contextutil.LoggerFromContext(ctx)

	cfg, err := e.configs.SearchConfig(ctx)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = cfg.DefaultTopK
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	type scored struct {
		result  Result
		lexical float64
		vector  float64
	}
	merged := make(map[string]*scored)

	lexical, err := e.lexicalSearch(ctx, query, topK*4)
	if err != nil {
		return nil, err
	}
	for _, hit := range lexical {
		merged[hit.result.SegmentID] = &scored{result: hit.result, lexical: hit.score}
	}

	if cfg.EnableHybrid && e.embedder != nil && e.vectors != nil {
		vecHits, err := e.vectorSearch(ctx, query, topK*2)
		if err != nil {
			// Vector search is the optional leg; degrade to lexical.
			logger.WarnContext(ctx, "vector search failed, using lexical results only", "error", err)
		} else {
			for _, hit := range vecHits {
				if existing, ok := merged[hit.result.SegmentID]; ok {
					existing.vector = hit.score
				} else {
					merged[hit.result.SegmentID] = &scored{result: hit.result, vector: hit.score}
				}
			}
		}
	}

	results := make([]Result, 0, len(merged))
	for _, s := range merged {
		s.result.Score = cfg.FTSWeight*s.lexical + cfg.VectorWeight*s.vector
		results = append(results, s.result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}

	logger.InfoContext(ctx, "search completed", "query_len", len(query), "results", len(results))
	return results, nil
}

type scoredHit struct {
	result Result
	score  float64
}

// lexicalSearch scores segments by the fraction of query terms they contain.
// Metadata-only segments never surface.
func (e *Engine) lexicalSearch(ctx context.Context, query string, limit int) ([]scoredHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		terms = []string{strings.ToLower(query)}
	}

	conditions := make([]string, len(terms))
	args := make([]any, 0, len(terms)+1)
	for i, term := range terms {
		conditions[i] = "LOWER(s.content_text) LIKE ?"
		args = append(args, "%"+term+"%")
	}
	args = append(args, storage.PlaceholderRowID, limit)

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT s.id, u.resource_id, s.content_text, s.page_index
		 FROM index_segments s
		 JOIN index_units u ON u.id = s.unit_id
		 JOIN resources r ON r.id = u.resource_id
		 WHERE (%s) AND r.status = 'active' AND s.vector_row_id != ?
		 LIMIT ?`, strings.Join(conditions, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run lexical search: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var hits []scoredHit
	for rows.Next() {
		var r Result
		var pageIndex sql.NullInt64
		if err := rows.Scan(&r.SegmentID, &r.ResourceID, &r.Content, &pageIndex); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		if pageIndex.Valid {
			v := int(pageIndex.Int64)
			r.PageIndex = &v
		}
		matched := 0
		lower := strings.ToLower(r.Content)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		hits = append(hits, scoredHit{result: r, score: float64(matched) / float64(len(terms))})
	}
	return hits, rows.Err()
}

func (e *Engine) vectorSearch(ctx context.Context, query string, limit int) ([]scoredHit, error) {
	embeddings, err := e.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned for query")
	}

	searchResults, err := e.vectors.Search(ctx, e.collection, embeddings[0], limit, nil)
	if err != nil {
		return nil, err
	}

	var hits []scoredHit
	for _, sr := range searchResults {
		if sr.PointID == "" || sr.PointID == storage.PlaceholderRowID {
			continue
		}
		r := Result{
			SegmentID:  sr.PointID,
			ResourceID: asMetaString(sr.Meta, "resource_id"),
			Content:    asMetaString(sr.Meta, "content"),
		}
		if v, ok := sr.Meta["page_index"]; ok {
			if f, ok := v.(float64); ok {
				idx := int(f)
				r.PageIndex = &idx
			} else if n, ok := v.(int64); ok {
				idx := int(n)
				r.PageIndex = &idx
			}
		}
		hits = append(hits, scoredHit{result: r, score: float64(sr.Score)})
	}
	return hits, nil
}

func asMetaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
