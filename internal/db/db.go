// Package db provides the SQLite-backed persistence layer of the queue.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the storage location.
const FileName = "queue.db"

// Migrations holds the bundled schema migrations.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// DB wraps the sql.DB with queue-specific configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the queue database inside dataDir.
// The database is opened with:
// - WAL mode so readers never observe a half-written transaction
// - a single connection, which serializes every store operation
// - a busy timeout for the occasional external reader (CLI inspection)
func Open(dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// OpenMigrated opens the database and applies all bundled migrations.
func OpenMigrated(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}

	m, err := BundledMigrator(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	if err := m.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		database.Close()
		return nil, err
	}

	return database, nil
}

// BundledMigrator returns a Migrator over the migrations compiled into
// the binary.
func BundledMigrator(database *DB) (*Migrator, error) {
	sub, err := fs.Sub(Migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return NewMigrator(database.DB, sub), nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
