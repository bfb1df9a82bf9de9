package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL,
    started_at TEXT,
    ended_at TEXT,
    replicates INTEGER NOT NULL,
    failed INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    metadata TEXT,  -- JSON object
    param_index INTEGER NOT NULL DEFAULT 0,
    beta REAL NOT NULL,
    timesteps INTEGER NOT NULL,
    population_size INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

-- One row per recorded timestep, aggregated over completed replicates
CREATE TABLE IF NOT EXISTS run_summaries (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    timestep INTEGER NOT NULL,
    replicates INTEGER NOT NULL,
    prevalence_mean REAL NOT NULL,
    prevalence_p5 REAL NOT NULL,
    prevalence_p95 REAL NOT NULL,
    infected_mean REAL NOT NULL,
    child_prevalence_mean REAL NOT NULL,
    treated_mean REAL NOT NULL,
    PRIMARY KEY (run_id, timestep)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`

// InitSchema creates the archive tables if they do not exist
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var version int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("archive schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}
