package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/hash/sha256"
	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/progress"
	pubmem "github.com/pmcateer/orphancalc/internal/publisher/memory"
	"github.com/pmcateer/orphancalc/internal/queue"
	queuemem "github.com/pmcateer/orphancalc/internal/queue/memory"
	storagemem "github.com/pmcateer/orphancalc/internal/storage/memory"
	"github.com/pmcateer/orphancalc/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type captureEmitter struct {
	mu        sync.Mutex
	updates   []progress.Update
	forgotten []uuid.UUID
}

func (e *captureEmitter) Emit(u progress.Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, u)
}

func (e *captureEmitter) Forget(runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forgotten = append(e.forgotten, runID)
}

func (e *captureEmitter) forgotRuns() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uuid.UUID, len(e.forgotten))
	copy(out, e.forgotten)
	return out
}

func (e *captureEmitter) all() []progress.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Update, len(e.updates))
	copy(out, e.updates)
	return out
}

type stubSource struct {
	concepts   []string
	referenced map[string][]string
	failWith   error
	countDelay time.Duration
	onQuery    func(name string)
}

func (s *stubSource) CountConcepts(context.Context) (int, error) {
	if s.countDelay > 0 {
		time.Sleep(s.countDelay)
	}
	if s.failWith != nil {
		return 0, s.failWith
	}
	return len(s.concepts), nil
}

func (s *stubSource) FetchConceptIDs(_ context.Context, offset, limit int) ([]string, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	if offset >= len(s.concepts) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.concepts) {
		end = len(s.concepts)
	}
	return s.concepts[offset:end], nil
}

func (s *stubSource) ReferencedConceptIDs(_ context.Context, name string) ([]string, error) {
	if s.onQuery != nil {
		s.onQuery(name)
	}
	return s.referenced[name], nil
}

type captureRepo struct {
	*storagemem.RunStore
	mu              sync.Mutex
	completes       []store.RunStatus
	completeCtxErrs []error
	reportURIs      []string
}

func newCaptureRepo() *captureRepo {
	return &captureRepo{RunStore: storagemem.NewRunStore()}
}

func (r *captureRepo) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	r.mu.Lock()
	r.completes = append(r.completes, status)
	r.completeCtxErrs = append(r.completeCtxErrs, ctx.Err())
	r.mu.Unlock()
	return r.RunStore.CompleteRun(ctx, runID, finishedAt, status, errMsg)
}

func (r *captureRepo) SetReportURI(ctx context.Context, runID uuid.UUID, uri string) error {
	r.mu.Lock()
	r.reportURIs = append(r.reportURIs, uri)
	r.mu.Unlock()
	return r.RunStore.SetReportURI(ctx, runID, uri)
}

func newTestRunner(t *testing.T, source orphan.ConceptSource, repo store.RunRepository, cfg Config) (*Runner, *queuemem.Queue, *captureEmitter, *pubmem.Publisher, *storagemem.BlobStore) {
	t.Helper()

	q := queuemem.NewQueue(4)
	emitter := &captureEmitter{}
	pub := pubmem.New()
	blobs := storagemem.NewBlobStore()

	r, err := New(
		q,
		repo,
		blobs,
		pub,
		sha256.New(),
		fixedClock{now: time.Unix(1700000000, 0).UTC()},
		source,
		nil,
		nil,
		emitter,
		NewCancelRegistry(),
		cfg,
		zap.NewNop(),
	)
	require.NoError(t, err)
	return r, q, emitter, pub, blobs
}

func TestRunnerProcessRunSuccess(t *testing.T) {
	t.Parallel()

	source := &stubSource{
		concepts: []string{"c1", "c2", "c3"},
		referenced: map[string][]string{
			"exclude-deprecated": {"c2"},
		},
	}
	repo := newCaptureRepo()
	cfg := Config{
		BlobPrefix: "reports",
		Queries:    []orphan.QuerySpec{{Name: "exclude-deprecated", Enabled: true}},
	}
	r, _, emitter, pub, blobs := newTestRunner(t, source, repo, cfg)

	ctx := context.Background()
	runID := uuid.New()
	require.NoError(t, repo.UpsertRunStart(ctx, runID, time.Unix(1700000000, 0).UTC()))

	r.processRun(ctx, queue.RunRequest{RunID: runID})

	updates := emitter.all()
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1].Snapshot
	require.Equal(t, orphan.PhaseComplete, final.Phase)
	require.Equal(t, 3, final.TotalConcepts)

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventRunCompleted, events[0].EventType)

	repo.mu.Lock()
	uris := append([]string(nil), repo.reportURIs...)
	repo.mu.Unlock()
	require.Len(t, uris, 1)
	require.True(t, strings.HasPrefix(uris[0], "memory://reports/"+runID.String()+"/"))

	path := strings.TrimPrefix(uris[0], "memory://")
	data, ok := blobs.GetObject(path)
	require.True(t, ok)
	require.Contains(t, string(data), `"orphanConceptIds"`)
	require.Contains(t, string(data), `"c1"`)
	require.Contains(t, string(data), `"c3"`)
	require.NotContains(t, string(data), `"c2"`)

	// Sink state for the finished run is released.
	require.Equal(t, []uuid.UUID{runID}, emitter.forgotRuns())
}

// TestRunnerRecordsFailureDuringShutdown drives a run under an already
// canceled parent context; the terminal status must still be persisted and
// published via a live detached context.
func TestRunnerRecordsFailureDuringShutdown(t *testing.T) {
	t.Parallel()

	source := &stubSource{failWith: errors.New("concept store down")}
	repo := newCaptureRepo()
	r, _, emitter, pub, _ := newTestRunner(t, source, repo, Config{})

	runID := uuid.New()
	require.NoError(t, repo.UpsertRunStart(context.Background(), runID, time.Unix(1700000000, 0).UTC()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.processRun(ctx, queue.RunRequest{RunID: runID})

	repo.mu.Lock()
	completes := append([]store.RunStatus(nil), repo.completes...)
	ctxErrs := append([]error(nil), repo.completeCtxErrs...)
	repo.mu.Unlock()
	require.Equal(t, []store.RunStatus{store.RunError}, completes)
	require.Len(t, ctxErrs, 1)
	require.NoError(t, ctxErrs[0])

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventRunFailed, events[0].EventType)
	require.Equal(t, []uuid.UUID{runID}, emitter.forgotRuns())
}

// TestRunnerFinalizesRunOutlastingFinalizeTimeout drives a calculation that
// takes longer than the finalize timeout. The bookkeeping context must be
// minted when the run ends, not when it starts, so the terminal status row
// and failure event still land.
func TestRunnerFinalizesRunOutlastingFinalizeTimeout(t *testing.T) {
	t.Parallel()

	source := &stubSource{
		failWith:   errors.New("concept store down"),
		countDelay: 120 * time.Millisecond,
	}
	repo := newCaptureRepo()
	r, _, _, pub, _ := newTestRunner(t, source, repo, Config{FinalizeTimeout: 20 * time.Millisecond})

	ctx := context.Background()
	runID := uuid.New()
	require.NoError(t, repo.UpsertRunStart(ctx, runID, time.Unix(1700000000, 0).UTC()))

	r.processRun(ctx, queue.RunRequest{RunID: runID})

	repo.mu.Lock()
	completes := append([]store.RunStatus(nil), repo.completes...)
	ctxErrs := append([]error(nil), repo.completeCtxErrs...)
	repo.mu.Unlock()
	require.Equal(t, []store.RunStatus{store.RunError}, completes)
	require.Len(t, ctxErrs, 1)
	require.NoError(t, ctxErrs[0])

	run, err := repo.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventRunFailed, events[0].EventType)
}

func TestRunnerProcessRunFailure(t *testing.T) {
	t.Parallel()

	source := &stubSource{failWith: errors.New("concept store down")}
	repo := newCaptureRepo()
	r, _, _, pub, _ := newTestRunner(t, source, repo, Config{})

	ctx := context.Background()
	runID := uuid.New()
	require.NoError(t, repo.UpsertRunStart(ctx, runID, time.Unix(1700000000, 0).UTC()))

	r.processRun(ctx, queue.RunRequest{RunID: runID})

	repo.mu.Lock()
	completes := append([]store.RunStatus(nil), repo.completes...)
	repo.mu.Unlock()
	require.Equal(t, []store.RunStatus{store.RunError}, completes)

	run, err := repo.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.ErrorMessage)
	require.Contains(t, *run.ErrorMessage, "concept store down")

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventRunFailed, events[0].EventType)
}

func TestRunnerCancelViaRegistry(t *testing.T) {
	t.Parallel()

	repo := newCaptureRepo()
	runID := uuid.New()

	var r *Runner
	source := &stubSource{
		concepts: []string{"c1", "c2"},
		referenced: map[string][]string{
			"exclude-deprecated": nil,
		},
		onQuery: func(string) {
			require.True(t, r.cancels.Cancel(runID))
		},
	}
	cfg := Config{Queries: []orphan.QuerySpec{{Name: "exclude-deprecated", Enabled: true}}}
	rr, _, _, pub, _ := newTestRunner(t, source, repo, cfg)
	r = rr

	ctx := context.Background()
	require.NoError(t, repo.UpsertRunStart(ctx, runID, time.Unix(1700000000, 0).UTC()))

	r.processRun(ctx, queue.RunRequest{RunID: runID})

	run, err := repo.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunCanceled, run.Status)

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, EventRunCanceled, events[0].EventType)

	require.False(t, r.cancels.Cancel(runID))
}

func TestRunnerRunReturnsOnQueueClose(t *testing.T) {
	t.Parallel()

	source := &stubSource{concepts: []string{"c1"}}
	r, q, _, _, _ := newTestRunner(t, source, newCaptureRepo(), Config{})

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	q.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after queue close")
	}
}

func TestRunnerSelectQueries(t *testing.T) {
	t.Parallel()

	source := &stubSource{concepts: []string{"c1"}}
	cfg := Config{Queries: []orphan.QuerySpec{
		{Name: "exclude-deprecated", Enabled: true},
		{Name: "exclude-referenced", Enabled: true},
		{Name: "exclude-pinned", Enabled: true},
	}}
	r, _, _, _, _ := newTestRunner(t, source, newCaptureRepo(), cfg)

	specs := r.selectQueries(nil)
	require.Len(t, specs, 3)

	specs = r.selectQueries([]string{"exclude-pinned", "exclude-deprecated", "exclude-unknown"})
	require.Equal(t, []orphan.QuerySpec{
		{Name: "exclude-deprecated", Enabled: true},
		{Name: "exclude-pinned", Enabled: true},
	}, specs)
}
