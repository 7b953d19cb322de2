package store

import (
	"fmt"
)

// Config selects and configures a storage backend.
type Config struct {
	Type     string          `yaml:"type"` // memory, sqlite or postgres
	Path     string          `yaml:"path"` // sqlite database file
	Postgres *PostgresConfig `yaml:"postgres"`
}

// Open constructs the backend named by cfg.Type.
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "relay.db"
		}
		return NewSQLiteStore(path)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("storage type postgres requires a postgres section")
		}
		return NewPostgresStore(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
