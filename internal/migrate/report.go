package migrate

// DatabaseReport is the outcome of one per-database migration attempt.
type DatabaseReport struct {
	Database    DatabaseID `json:"database"`
	FromVersion int        `json:"from_version"`
	ToVersion   int        `json:"to_version"`
	Applied     int        `json:"applied"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// Report aggregates per-database results; success is conjunctive.
type Report struct {
	Databases         []DatabaseReport `json:"databases"`
	MigrationsApplied int              `json:"migrations_applied"`
	Success           bool             `json:"success"`
}

// DatabaseSchema describes one database in the schema registry.
type DatabaseSchema struct {
	Version      int          `json:"version"`
	Dependencies []DatabaseID `json:"dependencies,omitempty"`
}

// SchemaRegistry aggregates the static schema knowledge of every database.
type SchemaRegistry struct {
	Databases     map[DatabaseID]DatabaseSchema `json:"databases"`
	GlobalVersion int                           `json:"global_version"`
}

// AggregateSchemaRegistry builds the registry from the static migration sets.
func AggregateSchemaRegistry() SchemaRegistry {
	reg := SchemaRegistry{Databases: make(map[DatabaseID]DatabaseSchema, len(Sets))}
	for id := range Sets {
		v := LatestVersion(id)
		reg.Databases[id] = DatabaseSchema{Version: v, Dependencies: Dependencies[id]}
		if v > reg.GlobalVersion {
			reg.GlobalVersion = v
		}
	}
	return reg
}

// CheckDependencies verifies every declared dependency refers to a known
// database and that the DAG is acyclic.
func (r SchemaRegistry) CheckDependencies() error {
	for id, schema := range r.Databases {
		for _, dep := range schema.Dependencies {
			if _, ok := r.Databases[dep]; !ok {
				return &DependencyError{Database: id, Dependency: dep}
			}
		}
	}
	// Walk the DAG; a cycle would keep some node permanently unresolvable.
	resolved := make(map[DatabaseID]bool, len(r.Databases))
	for len(resolved) < len(r.Databases) {
		progressed := false
		for id, schema := range r.Databases {
			if resolved[id] {
				continue
			}
			ready := true
			for _, dep := range schema.Dependencies {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				resolved[id] = true
				progressed = true
			}
		}
		if !progressed {
			for id, schema := range r.Databases {
				if !resolved[id] && len(schema.Dependencies) > 0 {
					return &DependencyError{Database: id, Dependency: schema.Dependencies[0]}
				}
			}
			break
		}
	}
	return nil
}
