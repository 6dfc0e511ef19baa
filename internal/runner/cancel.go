package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry tracks the cancel functions of in-flight runs so the API
// can abort a run by ID.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// NewCancelRegistry constructs an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[uuid.UUID]context.CancelFunc)}
}

// Register associates a cancel function with a run.
func (c *CancelRegistry) Register(runID uuid.UUID, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[runID] = cancel
}

// Deregister removes a run's cancel function.
func (c *CancelRegistry) Deregister(runID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, runID)
}

// Cancel aborts the run if it is in flight and reports whether it was.
func (c *CancelRegistry) Cancel(runID uuid.UUID) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[runID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
