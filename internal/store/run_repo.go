// Package store declares interfaces for persisting calculation runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pmcateer/orphancalc/internal/orphan"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the calc_runs status column.
type RunStatus string

// Run statuses persisted in calc_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// CalcRun models the calc_runs table for API responses.
type CalcRun struct {
	// ID is the run identifier shared with the progress stream.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/success/error/canceled.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Phase is the last observed calculation phase.
	Phase string
	// TotalConcepts is the concept population size once known.
	TotalConcepts int
	// RemainingCandidates is the last observed candidate count.
	RemainingCandidates int
	// ReportURI points at the archived orphan report once stored.
	ReportURI *string
}

// QueryStats captures one persisted exclusion query outcome within a run.
type QueryStats struct {
	// RunID is the owning run.
	RunID uuid.UUID
	// Position is the zero-based execution order of the query.
	Position int
	// Name is the query label.
	Name string
	// Skipped marks queries the engine chose not to run; the count columns
	// are zero for skipped rows.
	Skipped bool
	// ExcludedCount, CumulativeExcluded, RemainingAfter mirror the snapshot
	// QueryResult fields.
	ExcludedCount      int
	CumulativeExcluded int
	RemainingAfter     int
	// DurationMs is the query wall time in milliseconds.
	DurationMs int64
	// RecordedAt is when the row was written.
	RecordedAt time.Time
}

// RunRepository persists incremental calculation run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// UpdateRunProgress records the latest phase and counter values.
	UpdateRunProgress(ctx context.Context, runID uuid.UUID, phase string, total, remaining int) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// SetReportURI stores the archived report location.
	SetReportURI(ctx context.Context, runID uuid.UUID, uri string) error
	// RecordQueryResult persists one completed exclusion query.
	RecordQueryResult(ctx context.Context, runID uuid.UUID, position int, result orphan.QueryResult, at time.Time) error
	// RecordSkippedQuery persists one skipped exclusion query.
	RecordSkippedQuery(ctx context.Context, runID uuid.UUID, position int, name string, at time.Time) error
	// GetRun fetches a single run or ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (CalcRun, error)
	// ListRuns pages runs newest-first with an optional status filter.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]CalcRun, error)
	// ListQueryStats returns the persisted query rows for a run in order.
	ListQueryStats(ctx context.Context, runID uuid.UUID) ([]QueryStats, error)
}
