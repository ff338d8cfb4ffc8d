package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ChunkingConfig controls how resolved text is split into segments.
type ChunkingConfig struct {
	Strategy     string `json:"strategy"` // fixed_size | semantic
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
	MinChunkSize int    `json:"min_chunk_size"`
}

// IndexingConfig controls the background indexing scheduler.
type IndexingConfig struct {
	Enabled        bool `json:"enabled"`
	BatchSize      int  `json:"batch_size"`
	IntervalSecs   int  `json:"interval_secs"`
	MaxConcurrent  int  `json:"max_concurrent"`
	RetryDelaySecs int  `json:"retry_delay_secs"`
	MaxRetries     int  `json:"max_retries"`
}

// SearchConfig controls retrieval defaults.
type SearchConfig struct {
	DefaultTopK     int     `json:"default_top_k"`
	EnableHybrid    bool    `json:"enable_hybrid"`
	EnableReranking bool    `json:"enable_reranking"`
	FTSWeight       float64 `json:"fts_weight"`
	VectorWeight    float64 `json:"vector_weight"`
}

// DefaultChunkingConfig returns the stock chunking configuration.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Strategy:     "fixed_size",
		ChunkSize:    512,
		ChunkOverlap: 50,
		MinChunkSize: 20,
	}
}

// DefaultIndexingConfig returns the stock scheduler configuration.
func DefaultIndexingConfig() IndexingConfig {
	return IndexingConfig{
		Enabled:        true,
		BatchSize:      16,
		IntervalSecs:   30,
		MaxConcurrent:  2,
		RetryDelaySecs: 60,
		MaxRetries:     3,
	}
}

// DefaultSearchConfig returns the stock search configuration.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		DefaultTopK:     10,
		EnableHybrid:    true,
		EnableReranking: false,
		FTSWeight:       0.3,
		VectorWeight:    0.7,
	}
}

// Settings keys in the vfs settings table.
const (
	chunkingConfigKey = "indexer.chunking"
	indexingConfigKey = "indexer.indexing"
	searchConfigKey   = "indexer.search"
)

// ConfigStore persists indexer configuration in the vfs settings table.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a config store over the vfs database.
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

func (s *ConfigStore) load(ctx context.Context, key string, out any) (bool, error) {
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

func (s *ConfigStore) save(ctx context.Context, key string, v any) error {
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

// ChunkingConfig returns the persisted chunking config, or defaults.
func (s *ConfigStore) ChunkingConfig(ctx context.Context) (ChunkingConfig, error) {
	cfg := DefaultChunkingConfig()
	if _, err := s.load(ctx, chunkingConfigKey, &cfg); err != nil {
		return cfg, err
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkingConfig().ChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkingConfig().ChunkOverlap
	}
	if cfg.MinChunkSize < 0 {
		cfg.MinChunkSize = 0
	}
	return cfg, nil
}

// SetChunkingConfig persists the chunking config.
func (s *ConfigStore) SetChunkingConfig(ctx context.Context, cfg ChunkingConfig) error {
	return s.save(ctx, chunkingConfigKey, cfg)
}

// IndexingConfig returns the persisted scheduler config, or defaults.
func (s *ConfigStore) IndexingConfig(ctx context.Context) (IndexingConfig, error) {
	cfg := DefaultIndexingConfig()
	if _, err := s.load(ctx, indexingConfigKey, &cfg); err != nil {
		return cfg, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultIndexingConfig().BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return cfg, nil
}

// SetIndexingConfig persists the scheduler config.
func (s *ConfigStore) SetIndexingConfig(ctx context.Context, cfg IndexingConfig) error {
	return s.save(ctx, indexingConfigKey, cfg)
}

// SearchConfig returns the persisted search config, or defaults.
func (s *ConfigStore) SearchConfig(ctx context.Context) (SearchConfig, error) {
	cfg := DefaultSearchConfig()
	if _, err := s.load(ctx, searchConfigKey, &cfg); err != nil {
		return cfg, err
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultSearchConfig().DefaultTopK
	}
	return cfg, nil
}

// SetSearchConfig persists the search config.
func (s *ConfigStore) SetSearchConfig(ctx context.Context, cfg SearchConfig) error {
	return s.save(ctx, searchConfigKey, cfg)
}
