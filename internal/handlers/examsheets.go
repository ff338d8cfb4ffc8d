package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/000haoji/deep-student/internal/examsheet"
	"github.com/000haoji/deep-student/internal/service"
)

// ExamSheetHandler serves the exam-sheet session commands.
type ExamSheetHandler struct {
	engine *examsheet.Engine
}

// NewExamSheetHandler creates a new ExamSheetHandler.
func NewExamSheetHandler(engine *examsheet.Engine) *ExamSheetHandler {
	return &ExamSheetHandler{engine: engine}
}

// List returns every exam-sheet session.
func (h *ExamSheetHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := h.engine.ListSessions(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if sessions == nil {
		sessions = []*examsheet.SessionDetail{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Get returns one session, archiving any temp assets on first read.
func (h *ExamSheetHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	detail, err := h.engine.GetSession(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Create opens a new exam-sheet session from uploaded page images.
func (h *ExamSheetHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		ExamName string                 `json:"exam_name"`
		Pages    []examsheet.PreviewPage `json:"pages"`
		FolderID string                 `json:"folder_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if len(req.Pages) == 0 {
		writeError(w, ctx, service.Validation("pages", "must not be empty"))
		return
	}
	detail, err := h.engine.CreateSession(ctx, req.ExamName, req.Pages, req.FolderID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdateCards applies card edits to a session.
func (h *ExamSheetHandler) UpdateCards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var params examsheet.UpdateCardsParams
	if err := decodeBody(r, &params); err != nil {
		writeError(w, ctx, err)
		return
	}
	params.SessionID = chi.URLParam(r, "id")
	detail, err := h.engine.UpdateCards(ctx, params)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Parse runs OCR and card grouping over a session's pages.
func (h *ExamSheetHandler) Parse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Mode       string   `json:"mode"`
		FocusHints []string `json:"focus_hints"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	detail, err := h.engine.ParseSheet(ctx, chi.URLParam(r, "id"), req.Mode, req.FocusHints)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
