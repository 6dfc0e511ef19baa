package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/progress"
)

// PrometheusSink exports calculation metrics derived from snapshot streams.
// It owns all collectors for runs started/completed/running and per-query
// exclusion counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram

	queryExcluded *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	querySkipped  *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orphancalc_runs_started_total",
			Help: "Total calculation runs observed starting.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orphancalc_runs_completed_total",
			Help: "Total calculation runs that reached the complete phase.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orphancalc_runs_running",
			Help: "Current number of in-flight calculation runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orphancalc_run_runtime_seconds",
			Help:    "Wall time per completed calculation run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		queryExcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orphancalc_concepts_excluded_total",
			Help: "Concepts excluded, partitioned by exclusion query.",
		}, []string{"query"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orphancalc_query_duration_seconds",
			Help:    "Exclusion query wall time, partitioned by query.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"query"}),
		querySkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orphancalc_queries_skipped_total",
			Help: "Exclusion queries skipped, partitioned by query.",
		}, []string{"query"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.queryExcluded,
		s.queryDuration,
		s.querySkipped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register snapshot collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the coalesced batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Update) error {
	for _, u := range batch {
		s.consumeUpdate(u)
	}
	return nil
}

func (s *PrometheusSink) consumeUpdate(u progress.Update) {
	state, started := s.tracker.observe(u.RunID, u.TS)
	if started {
		s.runsStarted.Inc()
		s.runsRunning.Inc()
	}

	// Coalescing can hide intermediate snapshots, so replay every query
	// result past the high-water mark rather than just the newest one.
	for _, q := range tail(u.Snapshot.CompletedQueries, state.queriesSeen) {
		s.queryExcluded.WithLabelValues(q.Name).Add(float64(q.ExcludedCount))
		s.queryDuration.WithLabelValues(q.Name).Observe(q.Duration.Seconds())
	}
	for _, name := range tail(u.Snapshot.SkippedQueries, state.skipsSeen) {
		s.querySkipped.WithLabelValues(name).Inc()
	}
	s.tracker.advance(u.RunID, len(u.Snapshot.CompletedQueries), len(u.Snapshot.SkippedQueries))

	if u.Snapshot.Phase == orphan.PhaseComplete && s.tracker.complete(u.RunID) {
		s.runsCompleted.Inc()
		s.runsRunning.Dec()
		if runtime := u.TS.Sub(state.firstTS); runtime > 0 {
			s.runRuntime.Observe(runtime.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func tail[T any](items []T, seen int) []T {
	if seen >= len(items) {
		return nil
	}
	return items[seen:]
}

type runState struct {
	firstTS     time.Time
	queriesSeen int
	skipsSeen   int
	done        bool
}

type runTracker struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*runState
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[uuid.UUID]*runState)}
}

// observe returns the current state and whether this is the first snapshot
// seen for the run.
func (t *runTracker) observe(id uuid.UUID, ts time.Time) (runState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.runs[id]; ok {
		return *state, false
	}
	state := &runState{firstTS: ts}
	t.runs[id] = state
	return *state, true
}

func (t *runTracker) advance(id uuid.UUID, queries, skips int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.runs[id]; ok {
		if queries > state.queriesSeen {
			state.queriesSeen = queries
		}
		if skips > state.skipsSeen {
			state.skipsSeen = skips
		}
	}
}

func (t *runTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.runs[id]
	if !ok || state.done {
		return false
	}
	state.done = true
	return true
}

// Forget drops the per-run tracker state once a run is terminal. Runs that
// never reached a complete snapshot (failed or canceled) still settle the
// running gauge here.
func (s *PrometheusSink) Forget(runID uuid.UUID) {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	state, ok := s.tracker.runs[runID]
	if !ok {
		return
	}
	if !state.done {
		s.runsRunning.Dec()
	}
	delete(s.tracker.runs, runID)
}
