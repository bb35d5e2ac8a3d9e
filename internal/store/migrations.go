package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// schemaMigrations is the ordered, append-only migration list. Versions
// already recorded in schema_version are never re-applied.
var schemaMigrations = []struct {
	version int
	name    string
	script  string
}{
	{1, "initial_schema", initialSchema},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range schemaMigrations {
		if m.version <= applied {
			continue
		}
		if err := applyMigration(ctx, db, m.version, m.name, m.script); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one script and records its version, atomically.
func applyMigration(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}

// statements splits a script on semicolons, discarding fragments that hold
// nothing but whitespace and -- comments.
func statements(script string) []string {
	var out []string
	for _, fragment := range strings.Split(script, ";") {
		fragment = strings.TrimSpace(fragment)
		if hasSQL(fragment) {
			out = append(out, fragment)
		}
	}
	return out
}

func hasSQL(fragment string) bool {
	for _, line := range strings.Split(fragment, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
