package memory

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	runID := uuid.New()
	startedAt := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.UpsertRunStart(ctx, runID, startedAt))
	require.NoError(t, s.UpsertRunStart(ctx, runID, startedAt.Add(time.Hour)))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, startedAt, run.StartedAt)
	require.Equal(t, store.RunRunning, run.Status)

	require.NoError(t, s.UpdateRunProgress(ctx, runID, string(orphan.PhaseCalculating), 100, 88))
	require.NoError(t, s.RecordQueryResult(ctx, runID, 0, orphan.QueryResult{
		Name:               "exclude-deprecated",
		ExcludedCount:      12,
		CumulativeExcluded: 12,
		RemainingAfter:     88,
		Duration:           340 * time.Millisecond,
	}, startedAt))
	require.NoError(t, s.RecordSkippedQuery(ctx, runID, 1, "exclude-pinned", startedAt))

	finishedAt := startedAt.Add(time.Second)
	require.NoError(t, s.CompleteRun(ctx, runID, finishedAt, store.RunSuccess, nil))
	require.NoError(t, s.SetReportURI(ctx, runID, "memory://reports/x.json"))

	run, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, 100, run.TotalConcepts)
	require.NotNil(t, run.ReportURI)

	stats, err := s.ListQueryStats(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "exclude-deprecated", stats[0].Name)
	require.Equal(t, int64(340), stats[0].DurationMs)
	require.True(t, stats[1].Skipped)
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()

	_, err := s.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateRunProgress(ctx, uuid.New(), "idle", 0, 0), store.ErrNotFound)
	require.ErrorIs(t, s.SetReportURI(ctx, uuid.New(), "x"), store.ErrNotFound)
}

func TestRunStoreListRunsFilterAndPaging(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, s.UpsertRunStart(ctx, ids[i], base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.CompleteRun(ctx, ids[0], base.Add(time.Hour), store.RunError, nil))

	runs, err := s.ListRuns(ctx, nil, 2, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, ids[2], runs[0].ID)

	running := store.RunRunning
	runs, err = s.ListRuns(ctx, &running, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestConceptStorePagingAndQueries(t *testing.T) {
	t.Parallel()

	s := NewConceptStore(
		[]string{"c3", "c1", "c2"},
		map[string][]string{"exclude-deprecated": {"c2"}},
	)
	ctx := context.Background()

	total, err := s.CountConcepts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, total)

	page, err := s.FetchConceptIDs(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, page)

	page, err = s.FetchConceptIDs(ctx, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c3"}, page)

	page, err = s.FetchConceptIDs(ctx, 10, 2)
	require.NoError(t, err)
	require.Empty(t, page)

	ids, err := s.ReferencedConceptIDs(ctx, "exclude-deprecated")
	require.NoError(t, err)
	require.Equal(t, []string{"c2"}, ids)

	_, err = s.ReferencedConceptIDs(ctx, "exclude-unknown")
	require.Error(t, err)
}

func TestBlobStorePutAndGet(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	uri, err := s.PutObject(context.Background(), "reports/run/abc.json", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/run/abc.json", uri)

	data, ok := s.GetObject("reports/run/abc.json")
	require.True(t, ok)
	require.Equal(t, []byte(`{}`), data)

	_, ok = s.GetObject("missing")
	require.False(t, ok)
}
