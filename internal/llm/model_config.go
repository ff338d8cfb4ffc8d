package llm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/000haoji/deep-student/internal/provider"
)

// Settings keys in the vfs settings table.
const (
	apiConfigurationsKey = "llm.api_configurations"
	modelAssignmentsKey  = "llm.model_assignments"
	adapterOptionsKey    = "model_adapter_options"
)

// ModelConfigStore persists API configurations, model assignments, and
// per-model adapter options in the vfs settings table.
type ModelConfigStore struct {
	db *sql.DB
}

// NewModelConfigStore creates a store over the vfs database.
func NewModelConfigStore(db *sql.DB) *ModelConfigStore {
	return &ModelConfigStore{db: db}
}

func (s *ModelConfigStore) read(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to parse setting %s: %w", key, err)
	}
	return true, nil
}

func (s *ModelConfigStore) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// APIConfigurations returns every saved model endpoint.
func (s *ModelConfigStore) APIConfigurations(ctx context.Context) ([]ModelConfig, error) {
	var configs []ModelConfig
	if _, err := s.read(ctx, apiConfigurationsKey, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// SaveAPIConfigurations replaces the saved model endpoints.
func (s *ModelConfigStore) SaveAPIConfigurations(ctx context.Context, configs []ModelConfig) error {
	return s.write(ctx, apiConfigurationsKey, configs)
}

// ModelAssignments maps purposes (chat, ocr, embedding, ...) to config ids.
func (s *ModelConfigStore) ModelAssignments(ctx context.Context) (map[string]string, error) {
	assignments := make(map[string]string)
	if _, err := s.read(ctx, modelAssignmentsKey, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// SaveModelAssignments replaces the purpose-to-config mapping.
func (s *ModelConfigStore) SaveModelAssignments(ctx context.Context, assignments map[string]string) error {
	return s.write(ctx, modelAssignmentsKey, assignments)
}

// ConfigForPurpose resolves the assigned model config for a purpose.
func (s *ModelConfigStore) ConfigForPurpose(ctx context.Context, purpose string) (*ModelConfig, error) {
	assignments, err := s.ModelAssignments(ctx)
	if err != nil {
		return nil, err
	}
	id, ok := assignments[purpose]
	if !ok {
		return nil, fmt.Errorf("no model assigned for %s", purpose)
	}
	configs, err := s.APIConfigurations(ctx)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].ID == id {
			return &configs[i], nil
		}
	}
	return nil, fmt.Errorf("assigned model config %s not found", id)
}

// AdapterOption is one selectable adapter in model settings, in the
// {value, label} wire shape the desktop shell renders as a dropdown entry.
type AdapterOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

func defaultAdapterOptions() []AdapterOption {
	return []AdapterOption{
		{Value: provider.AdapterOpenAIChat, Label: "OpenAI Chat Completions"},
		{Value: provider.AdapterOpenAIResponses, Label: "OpenAI Responses"},
		{Value: provider.AdapterAnthropic, Label: "Anthropic Messages"},
		{Value: provider.AdapterGemini, Label: "Google Gemini"},
	}
}

// AdapterOptions returns the selectable adapter list. Saved lists predating
// Gemini support get the Google adapter appended and written back.
func (s *ModelConfigStore) AdapterOptions(ctx context.Context) ([]AdapterOption, error) {
	var options []AdapterOption
	found, err := s.read(ctx, adapterOptionsKey, &options)
	if err != nil {
		return nil, err
	}
	if !found || len(options) == 0 {
		return defaultAdapterOptions(), nil
	}

	for _, opt := range options {
		if opt.Value == provider.AdapterGemini {
			return options, nil
		}
	}
	options = append(options, AdapterOption{Value: provider.AdapterGemini, Label: "Google Gemini"})
	if err := s.write(ctx, adapterOptionsKey, options); err != nil {
		return nil, err
	}
	return options, nil
}

// SaveAdapterOptions replaces the selectable adapter list.
func (s *ModelConfigStore) SaveAdapterOptions(ctx context.Context, options []AdapterOption) error {
	return s.write(ctx, adapterOptionsKey, options)
}

// ResetAdapterOptions restores the built-in adapter list.
func (s *ModelConfigStore) ResetAdapterOptions(ctx context.Context) error {
	return s.write(ctx, adapterOptionsKey, defaultAdapterOptions())
}
