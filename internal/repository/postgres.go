package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// DB is the part of *pgxpool.Pool the Postgres repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS creators (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_processed_at TIMESTAMPTZ,
		last_stats JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS creator_sources (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL REFERENCES creators(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		platform TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS creator_sources_creator_idx ON creator_sources (creator_id)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		source_urls JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		result_count INT NOT NULL DEFAULT 0,
		created_count INT NOT NULL DEFAULT 0,
		updated_count INT NOT NULL DEFAULT 0,
		skipped_count INT NOT NULL DEFAULT 0,
		error_count INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_status_idx ON snapshots (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS content_items (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		platform_content_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMPTZ,
		media JSONB NOT NULL DEFAULT '[]',
		engagement JSONB NOT NULL DEFAULT '{}',
		referenced JSONB,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (creator_id, platform, platform_content_id)
	)`,
}

// EnsureSchema creates the tables the pipeline reads and writes.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, statement := range schemaStatements {
		if _, err := db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
