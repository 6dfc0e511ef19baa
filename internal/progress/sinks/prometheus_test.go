package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/progress"
)

// TestPrometheusSinkTracksRunLifecycle checks started/running/completed
// counters across one run.
func TestPrometheusSinkTracksRunLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	ts := time.Unix(1700000000, 0).UTC()

	snap := orphan.NewInitialProgress()
	snap.Phase = orphan.PhaseRunningExclusions
	snap.CompletedQueries = []orphan.QueryResult{
		{Name: "exclude-deprecated", ExcludedCount: 12, CumulativeExcluded: 12, RemainingAfter: 88, Duration: 340 * time.Millisecond},
	}
	snap.SkippedQueries = []string{"exclude-pinned"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{RunID: runID, TS: ts, Snapshot: snap},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 12.0, testutil.ToFloat64(sink.queryExcluded.WithLabelValues("exclude-deprecated")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.querySkipped.WithLabelValues("exclude-pinned")))

	done := snap.Clone()
	done.Phase = orphan.PhaseComplete
	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{RunID: runID, TS: ts.Add(30 * time.Second), Snapshot: done},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))

	// An update replaying the same queries must not double-count.
	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{RunID: runID, TS: ts.Add(31 * time.Second), Snapshot: done},
	}))
	require.Equal(t, 12.0, testutil.ToFloat64(sink.queryExcluded.WithLabelValues("exclude-deprecated")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
}

// TestPrometheusSinkRegisterConflict surfaces duplicate registration.
func TestPrometheusSinkRegisterConflict(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

// TestPrometheusSinkForgetSettlesRunningGauge evicts tracker state; a run
// that never completed (failed or canceled) still releases the gauge.
func TestPrometheusSinkForgetSettlesRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := uuid.New()
	snap := orphan.NewInitialProgress()
	snap.Phase = orphan.PhaseFetchingAll
	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{RunID: runID, TS: time.Unix(1700000000, 0).UTC(), Snapshot: snap},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	sink.Forget(runID)
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))

	sink.tracker.mu.Lock()
	_, tracked := sink.tracker.runs[runID]
	sink.tracker.mu.Unlock()
	require.False(t, tracked)

	// Forgetting twice, or after a completed run, must not go negative.
	sink.Forget(runID)
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
}
