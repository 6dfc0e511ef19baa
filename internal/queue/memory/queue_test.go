package memory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pmcateer/orphancalc/internal/queue"
	"github.com/pmcateer/orphancalc/internal/telemetry"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()

	req := queue.RunRequest{RunID: uuid.New(), EnqueuedAt: time.Now().UTC()}
	require.NoError(t, q.Enqueue(ctx, req))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, req.RunID, got.RunID)
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.RunRequest{RunID: uuid.New()}))

	blockedCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blockedCtx, queue.RunRequest{RunID: uuid.New()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	req := queue.RunRequest{RunID: uuid.New()}
	require.NoError(t, q.Enqueue(ctx, req))

	q.Close()
	q.Close()

	// Drains what was queued, then reports closure.
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, req.RunID, got.RunID)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, queue.ErrClosed)

	require.ErrorIs(t, q.Enqueue(ctx, req), queue.ErrClosed)
}

// TestQueueReportsDepthGauge stays sequential: the depth gauge is shared
// process state and parallel siblings would race the readings.
func TestQueueReportsDepthGauge(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.RunRequest{RunID: uuid.New()}))
	require.NoError(t, q.Enqueue(ctx, queue.RunRequest{RunID: uuid.New()}))
	require.Contains(t, scrapeMetrics(t), "orphancalc_queue_depth 2")

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Contains(t, scrapeMetrics(t), "orphancalc_queue_depth 1")
}

func scrapeMetrics(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	telemetry.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
