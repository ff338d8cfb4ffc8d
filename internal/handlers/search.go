package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/search"
	"github.com/000haoji/deep-student/internal/service"
)

// SearchHandler serves hybrid search and indexing commands.
type SearchHandler struct {
	engine    *search.Engine
	pipeline  *indexer.Pipeline
	scheduler *indexer.Scheduler
}

// NewSearchHandler creates a new SearchHandler.
func NewSearchHandler(engine *search.Engine, pipeline *indexer.Pipeline, scheduler *indexer.Scheduler) *SearchHandler {
	return &SearchHandler{engine: engine, pipeline: pipeline, scheduler: scheduler}
}

// Search runs a hybrid query over indexed segments.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.Query == "" {
		writeError(w, ctx, service.Validation("query", "must not be empty"))
		return
	}
	results, err := h.engine.Search(ctx, req.Query, req.TopK)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

// Reindex forces a single resource through the indexing pipeline.
func (h *SearchHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.pipeline.IndexResource(ctx, id); err != nil {
		writeError(w, ctx, err)
		return
	}
	state, err := h.pipeline.State(ctx, id)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// IndexState returns a resource's index state and segment count.
func (h *SearchHandler) IndexState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	state, err := h.pipeline.State(ctx, id)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	segments, err := h.pipeline.ListSegments(ctx, id)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    state,
		"segments": len(segments),
	})
}

// RunBatch kicks one scheduler batch immediately.
func (h *SearchHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexed, err := h.scheduler.RunBatch(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": indexed})
}
