package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "switchyard.db"

type Config struct {
	// Path is the database file. Empty means <Workspace>/.switchyard/switchyard.db.
	Path      string
	Workspace string
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".switchyard", defaultDBName)
}

// EnsureDir creates the directory holding the database file if missing.
func EnsureDir(cfg Config) error {
	return os.MkdirAll(filepath.Dir(cfg.path()), 0o755)
}

// Open opens the SQLite database. The pool is pinned to a single connection so
// every transaction is serialized; atomic sections rely on this.
func Open(cfg Config) (*sql.DB, error) {
	if err := EnsureDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.path())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the resolved db path.
func Path(cfg Config) string {
	return cfg.path()
}
