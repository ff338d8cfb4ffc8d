package handlers

import (
	"net/http"
	"sort"

	"github.com/000haoji/deep-student/internal/indexer"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

// defaultSubjects are always offered even before the user configures any.
var defaultSubjects = []string{"数学", "物理", "化学", "生物", "语文", "英语", "历史", "地理", "政治"}

// SettingsHandler serves model configuration, adapter options, subjects, and
// indexing configuration commands.
type SettingsHandler struct {
	models   *llm.ModelConfigStore
	mistakes *storage.MistakeRepo
	configs  *indexer.ConfigStore
	orch     *llm.Orchestrator
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(models *llm.ModelConfigStore, mistakes *storage.MistakeRepo, configs *indexer.ConfigStore, orch *llm.Orchestrator) *SettingsHandler {
	return &SettingsHandler{models: models, mistakes: mistakes, configs: configs, orch: orch}
}

// GetAPIConfigurations returns the stored model endpoint list.
func (h *SettingsHandler) GetAPIConfigurations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	configs, err := h.models.APIConfigurations(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if configs == nil {
		configs = []llm.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

// SaveAPIConfigurations replaces the stored model endpoint list.
func (h *SettingsHandler) SaveAPIConfigurations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var configs []llm.ModelConfig
	if err := decodeBody(r, &configs); err != nil {
		writeError(w, ctx, err)
		return
	}
	for _, cfg := range configs {
		if cfg.ID == "" {
			writeError(w, ctx, service.Validation("id", "every configuration needs an id"))
			return
		}
	}
	if err := h.models.SaveAPIConfigurations(ctx, configs); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// GetModelAssignments returns the purpose-to-configuration mapping.
func (h *SettingsHandler) GetModelAssignments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assignments, err := h.models.ModelAssignments(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, assignments)
}

// SaveModelAssignments replaces the purpose-to-configuration mapping.
func (h *SettingsHandler) SaveModelAssignments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var assignments map[string]string
	if err := decodeBody(r, &assignments); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.models.SaveModelAssignments(ctx, assignments); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// GetAdapterOptions returns the selectable adapter list, auto-adding the
// Google adapter when a saved list predates it.
func (h *SettingsHandler) GetAdapterOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	options, err := h.models.AdapterOptions(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// SaveAdapterOptions replaces the selectable adapter list.
func (h *SettingsHandler) SaveAdapterOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var options []llm.AdapterOption
	if err := decodeBody(r, &options); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.models.SaveAdapterOptions(ctx, options); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// ResetAdapterOptions restores the built-in adapter list.
func (h *SettingsHandler) ResetAdapterOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.models.ResetAdapterOptions(ctx); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// TestAPIConnection sends a tiny completion through the given configuration
// and reports reachability. Provider failures are a negative result, not an
// error response.
func (h *SettingsHandler) TestAPIConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var cfg llm.ModelConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, ctx, err)
		return
	}
	if cfg.BaseURL == "" || cfg.Model == "" {
		writeError(w, ctx, service.Validation("base_url", "base_url and model are required"))
		return
	}

	body := map[string]any{
		"model":      cfg.Model,
		"messages":   []map[string]any{{"role": "user", "content": "ping"}},
		"max_tokens": 8,
	}
	if _, err := h.orch.Complete(ctx, cfg, body, "connection_test"); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GetSupportedSubjects returns the default subjects merged with any the user
// configured.
func (h *SettingsHandler) GetSupportedSubjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	configured, err := h.mistakes.Subjects(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	seen := make(map[string]bool, len(defaultSubjects)+len(configured))
	subjects := make([]string, 0, len(defaultSubjects)+len(configured))
	for _, s := range defaultSubjects {
		seen[s] = true
		subjects = append(subjects, s)
	}
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !seen[name] {
			subjects = append(subjects, name)
		}
	}
	writeJSON(w, http.StatusOK, subjects)
}

// SetSubject upserts a subject configuration.
func (h *SettingsHandler) SetSubject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Name       string `json:"name"`
		ConfigJSON string `json:"config_json"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if req.Name == "" {
		writeError(w, ctx, service.Validation("name", "must not be empty"))
		return
	}
	if err := h.mistakes.SetSubject(ctx, req.Name, req.ConfigJSON); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// indexerConfigs bundles the three runtime-tunable indexing configs.
type indexerConfigs struct {
	Chunking indexer.ChunkingConfig `json:"chunking"`
	Indexing indexer.IndexingConfig `json:"indexing"`
	Search   indexer.SearchConfig   `json:"search"`
}

// GetIndexerConfig returns the persisted chunking, indexing, and search
// configuration.
func (h *SettingsHandler) GetIndexerConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chunking, err := h.configs.ChunkingConfig(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	indexing, err := h.configs.IndexingConfig(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	search, err := h.configs.SearchConfig(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, indexerConfigs{Chunking: chunking, Indexing: indexing, Search: search})
}

// SaveIndexerConfig persists the chunking, indexing, and search configuration.
func (h *SettingsHandler) SaveIndexerConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var cfg indexerConfigs
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.configs.SetChunkingConfig(ctx, cfg.Chunking); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.configs.SetIndexingConfig(ctx, cfg.Indexing); err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.configs.SetSearchConfig(ctx, cfg.Search); err != nil {
		writeError(w, ctx, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}
