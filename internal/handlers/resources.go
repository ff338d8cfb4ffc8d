package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/000haoji/deep-student/internal/blobstore"
	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

// ResourceHandler serves the virtual-filesystem commands: folders, files, and
// inline resources.
type ResourceHandler struct {
	resources *storage.ResourceRepo
	files     *storage.FileRepo
	folders   *storage.FolderRepo
	blobs     *blobstore.Store
	pipeline  *indexer.Pipeline
}

// NewResourceHandler creates a new ResourceHandler.
func NewResourceHandler(resources *storage.ResourceRepo, files *storage.FileRepo, folders *storage.FolderRepo, blobs *blobstore.Store, pipeline *indexer.Pipeline) *ResourceHandler {
	return &ResourceHandler{resources: resources, files: files, folders: folders, blobs: blobs, pipeline: pipeline}
}

// UploadFile stores file bytes in the blob store and creates the file
// resource. Duplicate content dedupes by hash inside the repo.
func (h *ResourceHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		FileName   string `json:"file_name"`
		FileType   string `json:"file_type"`
		MimeType   string `json:"mime_type"`
		DataBase64 string `json:"data_base64"`
		FolderID   string `json:"folder_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.FileName == "" {
		writeError(w, ctx, service.Validation("file_name", "must not be empty"))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.DataBase64)
	if err != nil {
		writeError(w, ctx, service.Validation("data_base64", "invalid base64 payload"))
		return
	}
	if len(data) == 0 {
		writeError(w, ctx, service.Validation("data_base64", "must not be empty"))
		return
	}

	hash, size, err := h.blobs.Put(ctx, data)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	file, err := h.files.CreateFileInFolder(ctx, storage.CreateFileParams{
		SHA256:   hash,
		FileName: req.FileName,
		Size:     size,
		FileType: req.FileType,
		MimeType: req.MimeType,
		BlobHash: hash,
		FolderID: req.FolderID,
	})
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// GetFile returns file metadata.
func (h *ResourceHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	file, err := h.files.GetFile(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// GetFileContent returns the file bytes base64-encoded.
func (h *ResourceHandler) GetFileContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	content, err := h.files.GetContent(ctx, chi.URLParam(r, "id"), h.blobs)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content_base64": content})
}

// ListFiles lists active files, filtered by ?type= or ?folder=.
func (h *ResourceHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var (
		files []*storage.VfsFile
		err   error
	)
	switch {
	case q.Get("folder") != "":
		files, err = h.files.ListFilesByFolder(ctx, q.Get("folder"))
	case q.Get("type") != "":
		files, err = h.files.ListFilesByType(ctx, q.Get("type"))
	default:
		files, err = h.files.ListFiles(ctx)
	}
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if files == nil {
		files = []*storage.VfsFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

// DeleteFile soft-deletes a file and removes its vectors from the index.
func (h *ResourceHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.pipeline.DeleteFileWithIndexCleanup(ctx, h.files, chi.URLParam(r, "id")); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// RestoreFile brings a soft-deleted file back.
func (h *ResourceHandler) RestoreFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.files.RestoreFile(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
}

// PurgeFile permanently removes a soft-deleted file and releases its blobs.
func (h *ResourceHandler) PurgeFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.files.PurgeFile(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}

// CreateFolder creates a folder under an optional parent.
func (h *ResourceHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Title    string  `json:"title"`
		ParentID *string `json:"parent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.Title == "" {
		writeError(w, ctx, service.Validation("title", "must not be empty"))
		return
	}
	folder, err := h.folders.CreateFolder(ctx, req.Title, req.ParentID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// ListFolders lists children of ?parent= (root when absent).
func (h *ResourceHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var parentID *string
	if v := r.URL.Query().Get("parent"); v != "" {
		parentID = &v
	}
	folders, err := h.folders.ListChildren(ctx, parentID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if folders == nil {
		folders = []storage.Folder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

// ListFolderItems lists the ordered items linked into a folder.
func (h *ResourceHandler) ListFolderItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items, err := h.folders.ListItems(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if items == nil {
		items = []storage.FolderItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// SetFolderExpanded persists the folder's expanded/collapsed UI state.
func (h *ResourceHandler) SetFolderExpanded(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Expanded bool `json:"expanded"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.folders.SetExpanded(ctx, chi.URLParam(r, "id"), req.Expanded); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// CreateResource creates an inline resource (note, mind map, translation...).
func (h *ResourceHandler) CreateResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Type     string `json:"type"`
		Title    string `json:"title"`
		Data     string `json:"data"`
		FolderID string `json:"folder_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.Type == "" {
		writeError(w, ctx, service.Validation("type", "must not be empty"))
		return
	}
	res, err := h.resources.CreateInlineResource(ctx, storage.ResourceType(req.Type), req.Title, req.Data, req.FolderID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetResource returns resource metadata and inline data.
func (h *ResourceHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.resources.GetResource(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListResources lists active resources of ?type=.
func (h *ResourceHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typ := r.URL.Query().Get("type")
	if typ == "" {
		writeError(w, ctx, service.Validation("type", "must not be empty"))
		return
	}
	resources, err := h.resources.ListResourcesByType(ctx, storage.ResourceType(typ))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if resources == nil {
		resources = []*storage.Resource{}
	}
	writeJSON(w, http.StatusOK, resources)
}

// UpdateResource rewrites a resource's inline data and refreshes its hash.
func (h *ResourceHandler) UpdateResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Data string `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.resources.UpdateInlineData(ctx, id, req.Data); err != nil {
		writeError(w, ctx, err)
		return
	}
	res, err := h.resources.GetResource(ctx, id)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteResource soft-deletes a resource and drops its index.
func (h *ResourceHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.resources.SoftDeleteResource(ctx, id); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.pipeline.DeleteResourceIndex(ctx, id); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// RestoreResource brings a soft-deleted resource back.
func (h *ResourceHandler) RestoreResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.resources.RestoreResource(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
}

// PurgeResource permanently removes a soft-deleted resource.
func (h *ResourceHandler) PurgeResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.resources.PurgeResource(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}

// GCBlobs removes zero-reference blobs from disk.
func (h *ResourceHandler) GCBlobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	removed, err := h.blobs.GC(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
