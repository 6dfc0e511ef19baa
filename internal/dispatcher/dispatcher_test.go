package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/hash/sha256"
	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/progress"
	"github.com/pmcateer/orphancalc/internal/queue"
	queuemem "github.com/pmcateer/orphancalc/internal/queue/memory"
	"github.com/pmcateer/orphancalc/internal/runner"
	storagemem "github.com/pmcateer/orphancalc/internal/storage/memory"
)

type signalEmitter struct {
	complete chan uuid.UUID
}

func (e *signalEmitter) Emit(u progress.Update) {
	if u.Snapshot.Phase == orphan.PhaseComplete {
		select {
		case e.complete <- u.RunID:
		default:
		}
	}
}

func (e *signalEmitter) Forget(uuid.UUID) {}

func TestDispatcherRunsQueuedRequests(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(4)
	emitter := &signalEmitter{complete: make(chan uuid.UUID, 4)}
	repo := storagemem.NewRunStore()
	source := storagemem.NewConceptStore(
		[]string{"c1", "c2"},
		map[string][]string{"exclude-deprecated": {"c1"}},
	)

	r, err := runner.New(
		q,
		repo,
		storagemem.NewBlobStore(),
		nil,
		sha256.New(),
		systemClock{},
		source,
		nil,
		nil,
		emitter,
		runner.NewCancelRegistry(),
		runner.Config{Queries: []orphan.QuerySpec{{Name: "exclude-deprecated", Enabled: true}}},
		zap.NewNop(),
	)
	require.NoError(t, err)

	d := New(q, []*runner.Runner{r})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	runID := uuid.New()
	require.NoError(t, repo.UpsertRunStart(ctx, runID, time.Now().UTC()))
	require.NoError(t, d.Enqueue(ctx, queue.RunRequest{RunID: runID, EnqueuedAt: time.Now().UTC()}))

	select {
	case got := <-emitter.complete:
		require.Equal(t, runID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	q.Close()
	d := New(q, nil)

	err := d.Enqueue(context.Background(), queue.RunRequest{RunID: uuid.New()})
	require.ErrorIs(t, err, queue.ErrClosed)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
