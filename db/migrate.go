package db

import (
	"database/sql"
	"embed"
	"sort"
	"strconv"
	"strings"

	"github.com/fetchkit/fetchd/errors"
	"github.com/fetchkit/fetchd/logger"
)

//go:embed sqlite/migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies pending schema migrations in filename order. Each
// migration runs in its own transaction and is recorded in
// schema_migrations so it never reapplies.
func RunMigrations(database *sql.DB) error {
	if _, err := database.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return errors.Wrap(err, "failed to create schema_migrations table")
	}

	applied := make(map[int]bool)
	rows, err := database.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return errors.Wrap(err, "failed to query applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return errors.Wrap(err, "failed to scan migration version")
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to read applied migrations")
	}

	entries, err := migrationFiles.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "failed to read embedded migrations")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return err
		}
		if applied[version] {
			continue
		}

		content, err := migrationFiles.ReadFile("sqlite/migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}

		tx, err := database.Begin()
		if err != nil {
			return errors.Wrapf(err, "failed to begin transaction for %s", name)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "failed to commit migration %s", name)
		}

		logger.Infow("Applied migration", "migration", name)
	}

	return nil
}

// migrationVersion extracts the numeric prefix from a migration filename
// like 001_archived_jobs.sql
func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, errors.Newf("migration %s has no numeric prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, errors.Wrapf(err, "migration %s has invalid version prefix", name)
	}
	return v, nil
}
