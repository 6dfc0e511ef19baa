// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/store"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// NewPool builds a pgx pool from config; shared by RunStore and ConceptStore.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool dbPool
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool dbPool) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity for readiness probes.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// UpsertRunStart inserts or idempotently refreshes a run's start row.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO calc_runs (id, started_at, status, phase)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning, string(orphan.PhaseIdle)); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// UpdateRunProgress records the latest phase and counters for a run.
func (s *RunStore) UpdateRunProgress(ctx context.Context, runID uuid.UUID, phase string, total, remaining int) error {
	query := `
		UPDATE calc_runs
		SET phase = $1, total_concepts = $2, remaining_candidates = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, phase, total, remaining, runID); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE calc_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// SetReportURI stores the archived report location for a run.
func (s *RunStore) SetReportURI(ctx context.Context, runID uuid.UUID, uri string) error {
	query := `UPDATE calc_runs SET report_uri = $1 WHERE id = $2;`
	if _, err := s.pool.Exec(ctx, query, uri, runID); err != nil {
		return fmt.Errorf("set report uri: %w", err)
	}
	return nil
}

// RecordQueryResult persists one completed exclusion query.
func (s *RunStore) RecordQueryResult(
	ctx context.Context,
	runID uuid.UUID,
	position int,
	result orphan.QueryResult,
	at time.Time,
) error {
	query := `
		INSERT INTO query_stats
			(run_id, position, name, skipped, excluded_count, cumulative_excluded, remaining_after, duration_ms, recorded_at)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, position) DO NOTHING;
	`
	if _, err := s.pool.Exec(
		ctx,
		query,
		runID,
		position,
		result.Name,
		result.ExcludedCount,
		result.CumulativeExcluded,
		result.RemainingAfter,
		result.Duration.Milliseconds(),
		at,
	); err != nil {
		return fmt.Errorf("record query result: %w", err)
	}
	return nil
}

// RecordSkippedQuery persists one skipped exclusion query.
func (s *RunStore) RecordSkippedQuery(
	ctx context.Context,
	runID uuid.UUID,
	position int,
	name string,
	at time.Time,
) error {
	query := `
		INSERT INTO query_stats
			(run_id, position, name, skipped, excluded_count, cumulative_excluded, remaining_after, duration_ms, recorded_at)
		VALUES ($1, $2, $3, TRUE, 0, 0, 0, 0, $4)
		ON CONFLICT (run_id, position) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, position, name, at); err != nil {
		return fmt.Errorf("record skipped query: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.CalcRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message, phase,
		       total_concepts, remaining_candidates, report_uri
		FROM calc_runs
		WHERE id = $1;
	`
	var run store.CalcRun
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Phase,
		&run.TotalConcepts,
		&run.RemainingCandidates,
		&run.ReportURI,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CalcRun{}, store.ErrNotFound
		}
		return store.CalcRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest-first with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.CalcRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message, phase,
		       total_concepts, remaining_candidates, report_uri
		FROM calc_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.CalcRun
	for rows.Next() {
		var run store.CalcRun
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.Phase,
			&run.TotalConcepts,
			&run.RemainingCandidates,
			&run.ReportURI,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// ListQueryStats retrieves the persisted query rows for a run in order.
func (s *RunStore) ListQueryStats(ctx context.Context, runID uuid.UUID) ([]store.QueryStats, error) {
	query := `
		SELECT run_id, position, name, skipped, excluded_count, cumulative_excluded,
		       remaining_after, duration_ms, recorded_at
		FROM query_stats
		WHERE run_id = $1
		ORDER BY position ASC;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list query stats: %w", err)
	}
	defer rows.Close()

	var stats []store.QueryStats
	for rows.Next() {
		var stat store.QueryStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Position,
			&stat.Name,
			&stat.Skipped,
			&stat.ExcludedCount,
			&stat.CumulativeExcluded,
			&stat.RemainingAfter,
			&stat.DurationMs,
			&stat.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query stats rows: %w", err)
	}
	return stats, nil
}
