package indexer_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/indexer"
	indexer_mocks "github.com/000haoji/deep-student/internal/indexer/mocks"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/storage"
	vectorstore_mocks "github.com/000haoji/deep-student/internal/vectorstore/mocks"
)

func newPipeline(t *testing.T) (*indexer.Pipeline, *storage.ResourceRepo, *sql.DB) {
	t.Helper()
	root, err := approot.New(t.TempDir())
	if err != nil {
		t.Fatalf("approot.New() error = %v", err)
	}
	coord := migrate.NewCoordinator(root, nil)
	if report := coord.RunAll(context.Background()); !report.Success {
		t.Fatalf("RunAll() failed: %+v", report)
	}
	db, err := storage.Open(root.DatabasePath(string(migrate.DBVfs)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return indexer.NewPipeline(db, nil, nil, "resources"), storage.NewResourceRepo(db), db
}

func TestIndexResourceWithoutEmbedder(t *testing.T) {
	pipeline, repo, _ := newPipeline(t)
	ctx := context.Background()

	res, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "essay",
		strings.Repeat("A paragraph of essay text. ", 40), "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}

	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() error = %v", err)
	}

	st, err := pipeline.State(ctx, res.ID)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.State != indexer.StateIndexed || st.IndexedHash != res.Hash {
		t.Fatalf("state = %+v, want indexed at %s", st, res.Hash)
	}

	segments, err := pipeline.ListSegments(ctx, res.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(segments) == 0 {
		t.Fatal("no segments written")
	}
	for _, s := range segments {
		if s.VectorRowID != storage.PlaceholderRowID {
			t.Fatalf("segment %s has vector row %q, want placeholder", s.ID, s.VectorRowID)
		}
		if s.EmbeddingDim != 0 {
			t.Fatalf("segment %s has dim %d, want 0", s.ID, s.EmbeddingDim)
		}
	}
}

func TestNeedsReindexTracksHash(t *testing.T) {
	pipeline, repo, _ := newPipeline(t)
	ctx := context.Background()

	res, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "e", "original body of the essay", "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}

	needs, err := pipeline.NeedsReindex(ctx, res)
	if err != nil {
		t.Fatalf("NeedsReindex() error = %v", err)
	}
	if !needs {
		t.Fatal("fresh resource should need indexing")
	}

	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() error = %v", err)
	}
	res, err = repo.GetResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetResource() error = %v", err)
	}
	needs, err = pipeline.NeedsReindex(ctx, res)
	if err != nil {
		t.Fatalf("NeedsReindex() error = %v", err)
	}
	if needs {
		t.Fatal("indexed resource at current hash should not need reindex")
	}

	if err := repo.UpdateInlineData(ctx, res.ID, "rewritten body of the essay"); err != nil {
		t.Fatalf("UpdateInlineData() error = %v", err)
	}
	res, err = repo.GetResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetResource() error = %v", err)
	}
	needs, err = pipeline.NeedsReindex(ctx, res)
	if err != nil {
		t.Fatalf("NeedsReindex() error = %v", err)
	}
	if !needs {
		t.Fatal("hash change should trigger reindex")
	}
}

func TestReindexReplacesSegments(t *testing.T) {
	pipeline, repo, _ := newPipeline(t)
	ctx := context.Background()

	res, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "e",
		strings.Repeat("first version. ", 50), "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() error = %v", err)
	}
	first, err := pipeline.ListSegments(ctx, res.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}

	if err := repo.UpdateInlineData(ctx, res.ID, "short second version of the text"); err != nil {
		t.Fatalf("UpdateInlineData() error = %v", err)
	}
	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() reindex error = %v", err)
	}
	second, err := pipeline.ListSegments(ctx, res.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(second) == 0 || len(second) >= len(first) {
		t.Fatalf("segments = %d then %d, want old rows replaced by fewer", len(first), len(second))
	}
	if !strings.Contains(second[0].ContentText, "second version") {
		t.Fatalf("segment text = %q, want new content", second[0].ContentText)
	}
}

func TestRetrievalResourcesAreDisabled(t *testing.T) {
	pipeline, repo, _ := newPipeline(t)
	ctx := context.Background()

	res, err := repo.CreateInlineResource(ctx, storage.TypeRetrieval, "r", "opaque payload", "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() error = %v", err)
	}
	st, err := pipeline.State(ctx, res.ID)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.State != indexer.StateDisabled {
		t.Fatalf("state = %q, want disabled", st.State)
	}

	needs, err := pipeline.NeedsReindex(ctx, res)
	if err != nil {
		t.Fatalf("NeedsReindex() error = %v", err)
	}
	if needs {
		t.Fatal("disabled resource must not be rescheduled")
	}
}

func TestDeleteResourceIndex(t *testing.T) {
	pipeline, repo, _ := newPipeline(t)
	ctx := context.Background()

	res, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "e", "body to index and drop", "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() error = %v", err)
	}

	if err := pipeline.DeleteResourceIndex(ctx, res.ID); err != nil {
		t.Fatalf("DeleteResourceIndex() error = %v", err)
	}
	segments, err := pipeline.ListSegments(ctx, res.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(segments) != 0 {
		t.Fatalf("len(segments) = %d after delete, want 0", len(segments))
	}
	st, err := pipeline.State(ctx, res.ID)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.State != indexer.StatePending {
		t.Fatalf("state = %q after delete, want pending default", st.State)
	}
}

func TestSchedulerRunBatch(t *testing.T) {
	pipeline, repo, _ := newPipeline(t)
	scheduler := indexer.NewScheduler(pipeline)
	ctx := context.Background()

	for _, body := range []string{
		"first essay body with enough text to index",
		"second essay body with enough text to index",
	} {
		if _, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "e", body, ""); err != nil {
			t.Fatalf("CreateInlineResource() error = %v", err)
		}
	}

	succeeded, err := scheduler.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if succeeded != 2 {
		t.Fatalf("RunBatch() = %d, want 2", succeeded)
	}

	// A second batch finds nothing pending.
	succeeded, err = scheduler.RunBatch(ctx)
	if err != nil {
		t.Fatalf("RunBatch() second call error = %v", err)
	}
	if succeeded != 0 {
		t.Fatalf("RunBatch() second call = %d, want 0", succeeded)
	}
}

func TestConfigStoreValidatesOnLoad(t *testing.T) {
	pipeline, _, _ := newPipeline(t)
	configs := pipeline.Configs()
	ctx := context.Background()

	if err := configs.SetChunkingConfig(ctx, indexer.ChunkingConfig{
		Strategy: "fixed_size", ChunkSize: 0, ChunkOverlap: -1, MinChunkSize: -5,
	}); err != nil {
		t.Fatalf("SetChunkingConfig() error = %v", err)
	}
	cfg, err := configs.ChunkingConfig(ctx)
	if err != nil {
		t.Fatalf("ChunkingConfig() error = %v", err)
	}
	if cfg.ChunkSize != indexer.DefaultChunkingConfig().ChunkSize {
		t.Fatalf("ChunkSize = %d, want default", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap != indexer.DefaultChunkingConfig().ChunkOverlap {
		t.Fatalf("ChunkOverlap = %d, want default", cfg.ChunkOverlap)
	}
	if cfg.MinChunkSize != 0 {
		t.Fatalf("MinChunkSize = %d, want 0", cfg.MinChunkSize)
	}

	if err := configs.SetIndexingConfig(ctx, indexer.IndexingConfig{BatchSize: -1}); err != nil {
		t.Fatalf("SetIndexingConfig() error = %v", err)
	}
	icfg, err := configs.IndexingConfig(ctx)
	if err != nil {
		t.Fatalf("IndexingConfig() error = %v", err)
	}
	if icfg.BatchSize != indexer.DefaultIndexingConfig().BatchSize || icfg.MaxConcurrent != 1 {
		t.Fatalf("IndexingConfig() = %+v, want clamped", icfg)
	}
}

func TestIndexResourceUpsertsVectors(t *testing.T) {
	_, repo, db := newPipeline(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	embedder := indexer_mocks.NewMockEmbedder(ctrl)
	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{0.1, 0.2, 0.3}
			}
			return out, nil
		})
	embedder.EXPECT().VectorSize().Return(3).AnyTimes()
	vectors := vectorstore_mocks.NewMockVectorStore(ctrl)
	vectors.EXPECT().Upsert(gomock.Any(), "resources", gomock.Any()).Return(nil)

	pipeline := indexer.NewPipeline(db, embedder, vectors, "resources")
	res, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "essay",
		"A short essay about convergence of sequences and series.", "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}
	if err := pipeline.IndexResource(ctx, res.ID); err != nil {
		t.Fatalf("IndexResource() error = %v", err)
	}

	segments, err := pipeline.ListSegments(ctx, res.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(segments) == 0 {
		t.Fatal("no segments written")
	}
	for _, s := range segments {
		if s.VectorRowID == storage.PlaceholderRowID || s.VectorRowID != s.ID {
			t.Fatalf("segment %s has vector row %q, want its own id", s.ID, s.VectorRowID)
		}
		if s.EmbeddingDim != 3 {
			t.Fatalf("segment %s has dim %d, want 3", s.ID, s.EmbeddingDim)
		}
	}
}

func TestIndexResourceMarksFailedOnEmbedError(t *testing.T) {
	_, repo, db := newPipeline(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	embedder := indexer_mocks.NewMockEmbedder(ctrl)
	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("embedding service down"))
	// The vector store must never be touched when embedding fails.
	vectors := vectorstore_mocks.NewMockVectorStore(ctrl)

	pipeline := indexer.NewPipeline(db, embedder, vectors, "resources")
	res, err := repo.CreateInlineResource(ctx, storage.TypeEssay, "essay",
		"Another essay long enough to produce at least one chunk.", "")
	if err != nil {
		t.Fatalf("CreateInlineResource() error = %v", err)
	}

	if err := pipeline.IndexResource(ctx, res.ID); err == nil {
		t.Fatal("IndexResource() succeeded despite embed failure")
	}
	st, err := pipeline.State(ctx, res.ID)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if st.State != indexer.StateFailed || !strings.Contains(st.Error, "embedding service down") {
		t.Fatalf("state = %+v, want failed with embed error", st)
	}
}
