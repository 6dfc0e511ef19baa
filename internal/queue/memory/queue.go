// Package memory provides the in-process run queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pmcateer/orphancalc/internal/queue"
	"github.com/pmcateer/orphancalc/internal/telemetry"
)

// Queue is a bounded in-memory queue with context-aware operations. It
// reports its depth to the queue gauge after every enqueue and dequeue.
type Queue struct {
	ch      chan queue.RunRequest
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan queue.RunRequest, capacity),
	}
}

// Enqueue pushes a run request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req queue.RunRequest) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		telemetry.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next run request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.RunRequest, error) {
	select {
	case <-ctx.Done():
		return queue.RunRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return queue.RunRequest{}, queue.ErrClosed
		}
		telemetry.SetQueueDepth(len(q.ch))
		return req, nil
	}
}

// Close closes the underlying channel for shutdown. Queued requests remain
// dequeueable until drained.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
