// Package db is the SQLite store for the pipeline event log and the
// fallback queue.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lucasnoah/autodev/internal/db/migrations"
	"github.com/lucasnoah/autodev/internal/log"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger log.Logger
}

// DefaultDBPath returns ~/.autodev/autodev.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".autodev")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "autodev.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string, logger log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.Noop
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &DB{
		conn:   conn,
		path:   path,
		logger: logger.WithValues(log.Kv{"svc": "db.SQLite"}),
	}, nil
}

// OpenMigrated opens the database at path and applies pending migrations.
func OpenMigrated(ctx context.Context, path string, logger log.Logger) (*DB, error) {
	d, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	m, err := migrations.NewMigrator(d.conn, d.logger)
	if err != nil {
		return err
	}
	return m.Up(ctx)
}

// SchemaVersion returns the applied migration version.
func (d *DB) SchemaVersion(ctx context.Context) (uint, bool, error) {
	m, err := migrations.NewMigrator(d.conn, d.logger)
	if err != nil {
		return 0, false, err
	}
	return m.Version(ctx)
}

// Reset reverts every migration and re-applies the schema, dropping all data.
func (d *DB) Reset(ctx context.Context) error {
	m, err := migrations.NewMigrator(d.conn, d.logger)
	if err != nil {
		return err
	}
	if err := m.Down(ctx); err != nil {
		return err
	}
	return m.Up(ctx)
}
