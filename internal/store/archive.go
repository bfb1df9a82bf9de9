// Package store archives finished runs and their summaries in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// ErrNotFound is returned when no run is archived under the requested ID
var ErrNotFound = errors.New("run not found in archive")

// Archive is a SQLite-backed run archive. It is safe for concurrent use.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the archive at path. ":memory:" gives a private
// in-memory archive.
func Open(ctx context.Context, path string) (*Archive, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

// Close closes the database
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveRun writes info and replaces any summary stored for the same run ID
func (a *Archive) SaveRun(ctx context.Context, info models.RunInfo, summary []models.SeriesSummary) error {
	if info.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	meta, err := json.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, status, created_at, started_at, ended_at, replicates, failed,
			error, metadata, param_index, beta, timesteps, population_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, string(info.Status), formatTime(info.CreatedAt), formatTime(info.StartedAt),
		formatTime(info.EndedAt), info.Replicates, info.Failed, info.Error, string(meta),
		info.ParamIndex, info.Beta, info.Timesteps, info.PopulationSize)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", info.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_summaries WHERE run_id = ?`, info.ID); err != nil {
		return fmt.Errorf("failed to clear summary of %s: %w", info.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_summaries (
			run_id, timestep, replicates, prevalence_mean, prevalence_p5,
			prevalence_p95, infected_mean, child_prevalence_mean, treated_mean
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare summary insert: %w", err)
	}
	defer stmt.Close()
	for _, s := range summary {
		if _, err := stmt.ExecContext(ctx, info.ID, s.Timestep, s.Replicates, s.PrevalenceMean,
			s.PrevalenceP5, s.PrevalenceP95, s.InfectedMean, s.ChildPrevalence, s.TreatedMean); err != nil {
			return fmt.Errorf("failed to save summary of %s at timestep %d: %w", info.ID, s.Timestep, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", info.ID, err)
	}
	return nil
}

const runColumns = `id, status, created_at, started_at, ended_at, replicates, failed,
	error, metadata, param_index, beta, timesteps, population_size`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.RunInfo, error) {
	var (
		info                    models.RunInfo
		status                  string
		created, started, ended sql.NullString
		errText, meta           sql.NullString
	)
	if err := row.Scan(&info.ID, &status, &created, &started, &ended, &info.Replicates, &info.Failed,
		&errText, &meta, &info.ParamIndex, &info.Beta, &info.Timesteps, &info.PopulationSize); err != nil {
		return models.RunInfo{}, err
	}
	info.Status = models.RunStatus(status)
	info.CreatedAt = parseTime(created.String)
	info.StartedAt = parseTime(started.String)
	info.EndedAt = parseTime(ended.String)
	info.Error = errText.String
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &info.Metadata); err != nil {
			return models.RunInfo{}, fmt.Errorf("failed to decode metadata of %s: %w", info.ID, err)
		}
	}
	return info, nil
}

// GetRun returns the archived run with the given ID
func (a *Archive) GetRun(ctx context.Context, id string) (models.RunInfo, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RunInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.RunInfo{}, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	return info, nil
}

// ListRuns returns archived runs, newest first. limit <= 0 returns all.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]models.RunInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// Summary returns the archived summary of a run ordered by timestep
func (a *Archive) Summary(ctx context.Context, id string) ([]models.SeriesSummary, error) {
	if _, err := a.GetRun(ctx, id); err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT timestep, replicates, prevalence_mean, prevalence_p5, prevalence_p95,
		       infected_mean, child_prevalence_mean, treated_mean
		FROM run_summaries WHERE run_id = ? ORDER BY timestep`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read summary of %s: %w", id, err)
	}
	defer rows.Close()

	var out []models.SeriesSummary
	for rows.Next() {
		var s models.SeriesSummary
		if err := rows.Scan(&s.Timestep, &s.Replicates, &s.PrevalenceMean, &s.PrevalenceP5,
			&s.PrevalenceP95, &s.InfectedMean, &s.ChildPrevalence, &s.TreatedMean); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its summary
func (a *Archive) DeleteRun(ctx context.Context, id string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// :memory: archives are opened without the foreign_keys pragma
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_summaries WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete summary of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
