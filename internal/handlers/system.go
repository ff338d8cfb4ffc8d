package handlers

import (
	"net/http"
	"strconv"

	"github.com/000haoji/deep-student/internal/audit"
	"github.com/000haoji/deep-student/internal/backup"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/service"
)

// SystemHandler serves health, backup, and audit commands.
type SystemHandler struct {
	backups *backup.Manager
	audits  *audit.Log
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(backups *backup.Manager, audits *audit.Log) *SystemHandler {
	return &SystemHandler{backups: backups, audits: audits}
}

// Health reports liveness and the schema registry version.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	registry := migrate.AggregateSchemaRegistry()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"schema_version": registry.GlobalVersion,
	})
}

// CreateBackup snapshots every database into the given destination directory.
func (h *SystemHandler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Destination string `json:"destination"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.Destination == "" {
		writeError(w, ctx, service.Validation("destination", "must not be empty"))
		return
	}
	manifest, err := h.backups.BackupFull(ctx, req.Destination)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

// RestoreBackup replaces the live databases from a backup directory.
func (h *SystemHandler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Source string `json:"source"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.Source == "" {
		writeError(w, ctx, service.Validation("source", "must not be empty"))
		return
	}
	manifest, err := backup.LoadManifest(req.Source)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.backups.Restore(ctx, manifest, req.Source); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
}

// QueryAudit lists audit entries filtered by ?type=, ?status=, ?limit=,
// ?offset=.
func (h *SystemHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := audit.Filter{
		OperationType: q.Get("type"),
		Status:        q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	entries, err := h.audits.Query(ctx, filter)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
