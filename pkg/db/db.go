// Package db owns the SQLite file backing the trader's balance
// history. Snapshots are written every polling cycle, so the handle is
// tuned for one long-lived writer rather than request concurrency.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database is the shared handle the history store writes through.
type Database struct {
	DB *sql.DB
}

// New opens the balance-history database at path, creating the file
// and any missing parent directories on first run. WAL mode keeps the
// periodic snapshot writes from blocking concurrent reads.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	// One writer at a time; the snapshot loop is the only producer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Close releases the underlying handle. Safe on a nil receiver so
// shutdown paths can defer it unconditionally.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
