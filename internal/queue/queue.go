// Package queue defines the work queue carrying calculation run requests
// from the API to the runner pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned once a queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// RunRequest is one queued request to execute an orphan calculation.
type RunRequest struct {
	// RunID identifies the run; it is assigned when the request is accepted.
	RunID uuid.UUID
	// EnqueuedAt records when the request entered the queue.
	EnqueuedAt time.Time
	// Queries optionally restricts the run to a subset of the configured
	// exclusion queries. Empty means run the full configured order.
	Queries []string
}

// Queue is the transport between request intake and run execution.
type Queue interface {
	// Enqueue pushes a run request or returns when the context ends.
	Enqueue(ctx context.Context, req RunRequest) error
	// Dequeue pops the next run request, respecting context cancellation.
	Dequeue(ctx context.Context) (RunRequest, error)
	// Close shuts the queue down for graceful termination.
	Close()
}
