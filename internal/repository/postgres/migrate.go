package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type migration struct {
	version int
	name    string
	sql     string
}

// Applied in order; never edit a released entry, append a new one.
var migrations = []migration{
	{1, "policies", `
		CREATE TABLE IF NOT EXISTS policies (
			principal   TEXT        NOT NULL,
			strategy_id BIGINT      NOT NULL,
			document    JSONB       NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (principal, strategy_id)
		)`},
	{2, "authorizations", `
		CREATE TABLE IF NOT EXISTS authorizations (
			principal   TEXT        NOT NULL,
			strategy_id BIGINT      NOT NULL,
			granted_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (principal, strategy_id)
		)`},
	{3, "events", `
		CREATE TABLE IF NOT EXISTS events (
			id          UUID        PRIMARY KEY,
			trace_id    TEXT,
			type        TEXT        NOT NULL,
			principal   TEXT        NOT NULL,
			strategy_id BIGINT      NOT NULL,
			payload     JSONB       NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_principal_idx ON events (principal, strategy_id, created_at)`},
}

// Migrate applies pending migrations, each in its own transaction. Running it
// twice is a no-op.
func Migrate(ctx context.Context, db DB) (int, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT         PRIMARY KEY,
			name       TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return 0, fmt.Errorf("postgres: read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("postgres: migration %d (%s): %w", m.version, m.name, err)
		}
		applied++
	}
	return applied, nil
}
