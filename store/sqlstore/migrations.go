package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type migration struct {
	version     int
	description string
	up          string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		up: `
		CREATE TABLE device (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL
		);
		CREATE TABLE prekeys (
			id       INTEGER PRIMARY KEY,
			key      BLOB NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE sessions (
			address TEXT PRIMARY KEY,
			data    BLOB NOT NULL
		);
		CREATE TABLE sender_keys (
			group_id TEXT NOT NULL,
			sender   TEXT NOT NULL,
			data     BLOB NOT NULL,
			PRIMARY KEY (group_id, sender)
		);
		CREATE TABLE identities (
			address TEXT PRIMARY KEY,
			key     BLOB NOT NULL
		);`,
	},
	{
		version:     2,
		description: "meta table for the sealing salt",
		up: `
		CREATE TABLE meta (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`,
	},
}

// schemaVersion returns the last applied migration, or 0 for a new database.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, description TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}
	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, description) VALUES (?, ?)`, m.version, m.description); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: record version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}
