// Package orphan defines the orphan-concept calculation engine and the
// progress snapshot contract it reports through.
package orphan

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase denotes the stage of the calculation represented by a Progress
// snapshot.
type Phase string

// Supported calculation phases, in execution order.
const (
	PhaseIdle              Phase = "idle"
	PhaseFetchingAll       Phase = "fetching-all"
	PhaseRunningExclusions Phase = "running-exclusions"
	PhaseCalculating       Phase = "calculating"
	PhaseComplete          Phase = "complete"
)

// Valid reports whether p is one of the supported phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseFetchingAll, PhaseRunningExclusions, PhaseCalculating, PhaseComplete:
		return true
	default:
		return false
	}
}

// QueryResult records the outcome of one completed exclusion query. Values
// are written once when the query finishes and never mutated afterwards.
type QueryResult struct {
	// Name is the query label as configured (e.g. "exclude-deprecated").
	Name string `json:"name"`
	// ExcludedCount is the number of candidates this query removed.
	ExcludedCount int `json:"excludedCount"`
	// CumulativeExcluded is the running exclusion total including this query.
	CumulativeExcluded int `json:"cumulativeExcluded"`
	// RemainingAfter is the candidate count after this query ran.
	RemainingAfter int `json:"remainingAfter"`
	// Duration is the wall-clock execution time of the query.
	Duration time.Duration `json:"-"`
}

// MarshalJSON emits Duration as integer milliseconds under durationMs, the
// form the web UI consumes.
func (q QueryResult) MarshalJSON() ([]byte, error) {
	type alias QueryResult
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"durationMs"`
	}{alias(q), q.Duration.Milliseconds()})
}

// UnmarshalJSON accepts the durationMs wire form.
func (q *QueryResult) UnmarshalJSON(data []byte) error {
	type alias QueryResult
	aux := struct {
		*alias
		DurationMs int64 `json:"durationMs"`
	}{alias: (*alias)(q)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshal query result: %w", err)
	}
	q.Duration = time.Duration(aux.DurationMs) * time.Millisecond
	return nil
}

// Progress is a point-in-time snapshot of a calculation run. Snapshots are
// value types: the engine constructs a fresh one for every observable change
// and hands callbacks a deep copy, so receivers own what they get.
type Progress struct {
	// Phase is the stage currently executing.
	Phase Phase `json:"phase"`
	// TotalConcepts is the number of concepts in scope, known once
	// fetching-all finishes.
	TotalConcepts int `json:"totalConcepts"`
	// FetchedConcepts counts concepts fetched so far during fetching-all.
	FetchedConcepts int `json:"fetchedConcepts"`
	// RemainingCandidates counts concepts not yet excluded.
	RemainingCandidates int `json:"remainingCandidates"`
	// CompletedQueries lists finished exclusion queries in execution order.
	CompletedQueries []QueryResult `json:"completedQueries"`
	// SkippedQueries lists the names of queries the engine chose not to run.
	SkippedQueries []string `json:"skippedQueries"`
	// CurrentQueryName is the query executing right now, nil when none is.
	CurrentQueryName *string `json:"currentQueryName"`
}

// Callback receives Progress snapshots from the engine. Invocations are
// fire-and-forget; implementations should be cheap and must not retain
// references into the snapshot beyond the call (Clone if they do).
type Callback func(Progress)

// NewInitialProgress returns the canonical idle snapshot: idle phase, zero
// counters, empty query lists, no current query. Every call allocates fresh
// slices so callers can mutate the result independently.
func NewInitialProgress() Progress {
	return Progress{
		Phase:            PhaseIdle,
		CompletedQueries: []QueryResult{},
		SkippedQueries:   []string{},
	}
}

// Clone returns a deep copy of the snapshot.
func (p Progress) Clone() Progress {
	out := p
	out.CompletedQueries = append([]QueryResult(nil), p.CompletedQueries...)
	out.SkippedQueries = append([]string(nil), p.SkippedQueries...)
	if p.CurrentQueryName != nil {
		name := *p.CurrentQueryName
		out.CurrentQueryName = &name
	}
	return out
}

// Validate performs coarse consistency checks on a snapshot. The producer is
// trusted to keep cross-field identities; this only rejects snapshots that
// are structurally impossible.
func (p Progress) Validate() error {
	if !p.Phase.Valid() {
		return fmt.Errorf("unknown phase %q", p.Phase)
	}
	if p.TotalConcepts < 0 || p.FetchedConcepts < 0 || p.RemainingCandidates < 0 {
		return errors.New("counters must be >= 0")
	}
	if p.TotalConcepts > 0 && p.FetchedConcepts > p.TotalConcepts {
		return errors.New("fetched concepts exceed total")
	}
	seen := make(map[string]struct{}, len(p.CompletedQueries))
	cumulative := 0
	for _, q := range p.CompletedQueries {
		if q.Name == "" {
			return errors.New("completed query requires a name")
		}
		if q.ExcludedCount < 0 || q.CumulativeExcluded < 0 || q.RemainingAfter < 0 {
			return fmt.Errorf("query %q has negative counts", q.Name)
		}
		if q.CumulativeExcluded < cumulative {
			return fmt.Errorf("query %q breaks cumulative monotonicity", q.Name)
		}
		if q.Duration < 0 {
			return fmt.Errorf("query %q has negative duration", q.Name)
		}
		cumulative = q.CumulativeExcluded
		seen[q.Name] = struct{}{}
	}
	for _, name := range p.SkippedQueries {
		if name == "" {
			return errors.New("skipped query requires a name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("query %q appears as both completed and skipped", name)
		}
	}
	return nil
}
