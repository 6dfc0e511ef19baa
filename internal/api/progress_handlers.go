package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	repoTimeout     = 3 * time.Second
)

// listRuns handles GET /v1/calculations?status=&limit=&offset=. It returns a
// JSON object {"runs": [...]} on success, 400 for invalid filters, or 500 if
// the repository call fails.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statusParam := strings.TrimSpace(r.URL.Query().Get("status"))
	var status *store.RunStatus
	if statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	runs, err := s.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// getRun handles GET /v1/calculations/{run_id}. It returns {"run": {...}} on
// success, 400 for malformed IDs, 404 for unknown runs, or 500 otherwise.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// getProgress handles GET /v1/calculations/{run_id}/progress. The latest
// in-memory snapshot wins; runs that predate the process fall back to the
// persisted run row.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.latest != nil {
		if update, ok := s.latest.Latest(runID); ok {
			writeJSON(w, http.StatusOK, progressDTO{
				RunID:    runID.String(),
				TS:       update.TS,
				Snapshot: update.Snapshot,
			})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	snap, ts := snapshotFromRun(run)
	writeJSON(w, http.StatusOK, progressDTO{
		RunID:    runID.String(),
		TS:       ts,
		Snapshot: snap,
	})
}

// storedSnapshot loads the persisted snapshot for a run the live caches no
// longer (or do not yet) hold. The second result reports whether the run
// already finished, the third whether such a run exists at all.
func (s *Server) storedSnapshot(ctx context.Context, runID uuid.UUID) (orphan.Progress, bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return orphan.Progress{}, false, false
	}
	snap, _ := snapshotFromRun(run)
	return snap, run.Status != store.RunRunning, true
}

// snapshotFromRun reconstructs the best-effort snapshot for runs whose live
// state has been evicted, from the persisted row.
func snapshotFromRun(run store.CalcRun) (orphan.Progress, time.Time) {
	snap := orphan.NewInitialProgress()
	if phase := orphan.Phase(run.Phase); phase.Valid() {
		snap.Phase = phase
	}
	snap.TotalConcepts = run.TotalConcepts
	snap.RemainingCandidates = run.RemainingCandidates
	ts := run.StartedAt
	if run.FinishedAt != nil {
		ts = *run.FinishedAt
	}
	return snap, ts
}

// listQueries handles GET /v1/calculations/{run_id}/queries, returning the
// persisted per-query rows in execution order.
func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	if _, err := s.repo.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	stats, err := s.repo.ListQueryStats(ctx, runID)
	if err != nil {
		s.logger.Error("list query stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list queries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": toQueryDTOs(stats)})
}

// streamEvents handles GET /v1/calculations/{run_id}/events as a server-sent
// event stream of progress snapshots. The stream opens with the latest known
// snapshot, then forwards live snapshots until the run reaches a terminal
// phase or the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := s.hub.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send the status line and headers before the first snapshot, so a
	// client watching a queued run sees an open stream immediately instead
	// of blocking on a response that has not started.
	flusher.Flush()

	if s.latest != nil {
		if update, ok := s.latest.Latest(runID); ok {
			if err := writeSSE(w, update.Snapshot); err != nil {
				return
			}
			flusher.Flush()
			if update.Snapshot.Phase == orphan.PhaseComplete {
				return
			}
		} else if snap, terminal, ok := s.storedSnapshot(r.Context(), runID); ok {
			// Live state is evicted once a run finishes; replay the
			// persisted outcome instead of waiting on a dead stream. A run
			// the caches do not know yet opens with its persisted state and
			// stays subscribed for live updates.
			if err := writeSSE(w, snap); err != nil {
				return
			}
			flusher.Flush()
			if terminal {
				return
			}
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-updates:
			if !open {
				return
			}
			if err := writeSSE(w, update.Snapshot); err != nil {
				return
			}
			flusher.Flush()
			if update.Snapshot.Phase == orphan.PhaseComplete {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, snap orphan.Progress) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	runIDStr := chi.URLParam(r, "run_id")
	if runIDStr == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	case "canceled", "cancelled":
		return store.RunCanceled, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.CalcRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.CalcRun) runDTO {
	return runDTO{
		ID:                  run.ID.String(),
		StartedAt:           run.StartedAt,
		FinishedAt:          run.FinishedAt,
		Status:              string(run.Status),
		Error:               run.ErrorMessage,
		Phase:               run.Phase,
		TotalConcepts:       run.TotalConcepts,
		RemainingCandidates: run.RemainingCandidates,
		ReportURI:           run.ReportURI,
	}
}

func toQueryDTOs(in []store.QueryStats) []queryDTO {
	out := make([]queryDTO, 0, len(in))
	for _, stat := range in {
		out = append(out, queryDTO{
			Position:           stat.Position,
			Name:               stat.Name,
			Skipped:            stat.Skipped,
			ExcludedCount:      stat.ExcludedCount,
			CumulativeExcluded: stat.CumulativeExcluded,
			RemainingAfter:     stat.RemainingAfter,
			DurationMs:         stat.DurationMs,
			RecordedAt:         stat.RecordedAt,
		})
	}
	return out
}

type runDTO struct {
	ID                  string     `json:"id"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	Status              string     `json:"status"`
	Error               *string    `json:"error,omitempty"`
	Phase               string     `json:"phase"`
	TotalConcepts       int        `json:"total_concepts"`
	RemainingCandidates int        `json:"remaining_candidates"`
	ReportURI           *string    `json:"report_uri,omitempty"`
}

type queryDTO struct {
	Position           int       `json:"position"`
	Name               string    `json:"name"`
	Skipped            bool      `json:"skipped"`
	ExcludedCount      int       `json:"excluded_count"`
	CumulativeExcluded int       `json:"cumulative_excluded"`
	RemainingAfter     int       `json:"remaining_after"`
	DurationMs         int64     `json:"duration_ms"`
	RecordedAt         time.Time `json:"recorded_at"`
}

type progressDTO struct {
	RunID    string          `json:"run_id"`
	TS       time.Time       `json:"ts"`
	Snapshot orphan.Progress `json:"snapshot"`
}
