package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS securities (
        code              TEXT PRIMARY KEY,
        name              TEXT NOT NULL DEFAULT '',
        industry          TEXT NOT NULL DEFAULT '',
        market            TEXT NOT NULL,
        latest_close      NUMERIC,
        latest_close_date DATE,
        updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,

	`CREATE TABLE IF NOT EXISTS observations (
        code       TEXT NOT NULL,
        year       INT  NOT NULL,
        quarter    INT  NOT NULL,
        kind       TEXT NOT NULL,
        fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
        fetched_at TIMESTAMPTZ NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (code, year, quarter, kind)
    );`,

	`CREATE INDEX IF NOT EXISTS idx_observations_code ON observations (code);`,

	`CREATE TABLE IF NOT EXISTS fetch_failures (
        code       TEXT NOT NULL,
        year       INT  NOT NULL,
        quarter    INT  NOT NULL,
        kind       TEXT NOT NULL,
        retryable  BOOLEAN NOT NULL,
        attempts   INT NOT NULL DEFAULT 1,
        last_error TEXT NOT NULL DEFAULT '',
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (code, year, quarter, kind)
    );`,

	`CREATE TABLE IF NOT EXISTS restatement_log (
        id         BIGSERIAL PRIMARY KEY,
        code       TEXT NOT NULL,
        year       INT  NOT NULL,
        quarter    INT  NOT NULL,
        kind       TEXT NOT NULL,
        field      TEXT NOT NULL,
        old_value  TEXT,
        new_value  TEXT,
        fetched_at TIMESTAMPTZ NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
}

// EnsureSchema creates the required tables when absent. The job is the single
// writer, so DDL at startup is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}
