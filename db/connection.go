// Package db manages the SQLite connection and schema migrations for the
// job archive.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fetchkit/fetchd/errors"
)

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create database directory for %s", path)
	}

	// WAL keeps readers from blocking the archive writer; the busy timeout
	// covers brief contention between the sweep and CLI queries
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to connect to database at %s", path)
	}

	if err := RunMigrations(database); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return database, nil
}
