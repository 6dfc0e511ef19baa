// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/store"
)

// RunStore implements store.RunRepository without external dependencies.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.CalcRun
	stats map[uuid.UUID]map[int]store.QueryStats
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]store.CalcRun),
		stats: make(map[uuid.UUID]map[int]store.QueryStats),
	}
}

// UpsertRunStart records a run's start row; a repeat call is a no-op.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[runID]; exists {
		return nil
	}
	s.runs[runID] = store.CalcRun{
		ID:        runID,
		StartedAt: startedAt,
		Status:    store.RunRunning,
		Phase:     string(orphan.PhaseIdle),
	}
	return nil
}

// UpdateRunProgress replaces the run's latest phase and counters.
func (s *RunStore) UpdateRunProgress(_ context.Context, runID uuid.UUID, phase string, total, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Phase = phase
	run.TotalConcepts = total
	run.RemainingCandidates = remaining
	s.runs[runID] = run
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	ts := finishedAt
	run.FinishedAt = &ts
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// SetReportURI stores the archived report location.
func (s *RunStore) SetReportURI(_ context.Context, runID uuid.UUID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.ReportURI = &uri
	s.runs[runID] = run
	return nil
}

// RecordQueryResult stores one completed exclusion query; repeats at the
// same position are ignored.
func (s *RunStore) RecordQueryResult(
	_ context.Context,
	runID uuid.UUID,
	position int,
	result orphan.QueryResult,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStat(runID, store.QueryStats{
		RunID:              runID,
		Position:           position,
		Name:               result.Name,
		ExcludedCount:      result.ExcludedCount,
		CumulativeExcluded: result.CumulativeExcluded,
		RemainingAfter:     result.RemainingAfter,
		DurationMs:         result.Duration.Milliseconds(),
		RecordedAt:         at,
	})
	return nil
}

// RecordSkippedQuery stores one skipped exclusion query.
func (s *RunStore) RecordSkippedQuery(
	_ context.Context,
	runID uuid.UUID,
	position int,
	name string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStat(runID, store.QueryStats{
		RunID:      runID,
		Position:   position,
		Name:       name,
		Skipped:    true,
		RecordedAt: at,
	})
	return nil
}

func (s *RunStore) putStat(runID uuid.UUID, stat store.QueryStats) {
	byPos, ok := s.stats[runID]
	if !ok {
		byPos = make(map[int]store.QueryStats)
		s.stats[runID] = byPos
	}
	if _, exists := byPos[stat.Position]; exists {
		return
	}
	byPos[stat.Position] = stat
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.CalcRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.CalcRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest-first with optional status filtering.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.CalcRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]store.CalcRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	out := make([]store.CalcRun, len(runs))
	copy(out, runs)
	return out, nil
}

// ListQueryStats returns the persisted query rows for a run in order.
func (s *RunStore) ListQueryStats(_ context.Context, runID uuid.UUID) ([]store.QueryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPos := s.stats[runID]
	stats := make([]store.QueryStats, 0, len(byPos))
	for _, stat := range byPos {
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Position < stats[j].Position
	})
	return stats, nil
}
