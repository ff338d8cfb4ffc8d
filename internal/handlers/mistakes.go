package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

// MistakeHandler serves the mistake CRUD commands.
type MistakeHandler struct {
	mistakes *storage.MistakeRepo
}

// NewMistakeHandler creates a new MistakeHandler.
func NewMistakeHandler(mistakes *storage.MistakeRepo) *MistakeHandler {
	return &MistakeHandler{mistakes: mistakes}
}

// List returns live mistakes, optionally filtered by ?subject=.
func (h *MistakeHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mistakes, err := h.mistakes.ListMistakes(ctx, r.URL.Query().Get("subject"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if mistakes == nil {
		mistakes = []*storage.Mistake{}
	}
	writeJSON(w, http.StatusOK, mistakes)
}

// Get returns one mistake with its full analysis.
func (h *MistakeHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := h.mistakes.GetMistake(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Update rewrites a mistake's editable fields.
func (h *MistakeHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var m storage.Mistake
	if err := decodeBody(r, &m); err != nil {
		writeError(w, ctx, err)
		return
	}
	m.ID = chi.URLParam(r, "id")
	if m.Subject == "" {
		writeError(w, ctx, service.Validation("subject", "must not be empty"))
		return
	}
	if err := h.mistakes.UpdateMistake(ctx, &m); err != nil {
		writeError(w, ctx, err)
		return
	}
	updated, err := h.mistakes.GetMistake(ctx, m.ID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete soft-deletes a mistake.
func (h *MistakeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.mistakes.DeleteMistake(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Statistics returns live mistake counts per subject.
func (h *MistakeHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.mistakes.Statistics(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      total,
		"by_subject": stats,
	})
}
