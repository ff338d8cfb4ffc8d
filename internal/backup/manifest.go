package backup

// ManifestFile describes one file captured in a backup.
type ManifestFile struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	DatabaseID string `json:"database_id,omitempty"`
}

// Manifest is the JSON sidecar describing a backup's contents, schema
// versions, and file checksums.
type Manifest struct {
	Version         string         `json:"version"`
	BackupID        string         `json:"backup_id"`
	IsIncremental   bool           `json:"is_incremental"`
	IncrementalBase *string        `json:"incremental_base"`
	Files           []ManifestFile `json:"files"`
	SchemaVersions  map[string]int `json:"schema_versions"`
}
