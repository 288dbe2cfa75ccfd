// Package database opens the repository backing store. A DATABASE_URL
// selects PostgreSQL via pgx; otherwise a local SQLite file is used.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/agentmesh/internal/common/config"
)

// Driver names as understood by database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB bundles the connection with its driver name so repositories can pick
// dialect-specific SQL fragments.
type DB struct {
	*sqlx.DB
	Driver string
}

// IsPostgres reports whether the backing store is PostgreSQL.
func (d *DB) IsPostgres() bool { return d.Driver == DriverPostgres }

// Open connects according to the configuration.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	if cfg.URL != "" {
		return openPostgres(cfg)
	}
	return openSQLite(cfg)
}

func openPostgres(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sqlx.Open(DriverPostgres, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &DB{DB: db, Driver: DriverPostgres}, nil
}

func openSQLite(cfg config.DatabaseConfig) (*DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./data/agentmesh.db"
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_mode=rwc", path)
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return &DB{DB: db, Driver: DriverSQLite}, nil
}

// OpenMemory returns an in-memory SQLite database for tests.
func OpenMemory() (*DB, error) {
	db, err := sqlx.Open(DriverSQLite, "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &DB{DB: db, Driver: DriverSQLite}, nil
}

// Upsert returns the dialect-appropriate ON CONFLICT clause for the given
// key columns and update assignments. Both SQLite and PostgreSQL accept the
// same syntax here, so this exists mainly to keep call sites readable.
func Upsert(keyCols string, assignments string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", keyCols, assignments)
}

// Placeholders builds "?, ?, ?" for n values; Rebind converts as needed.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
