package sinks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pmcateer/orphancalc/internal/progress"
)

// LatestSink retains the most recent snapshot per run for synchronous reads.
// The API's progress endpoint serves from it; the UI contract only ever
// needs the latest snapshot.
type LatestSink struct {
	mu     sync.RWMutex
	latest map[uuid.UUID]progress.Update
}

// NewLatestSink constructs an empty LatestSink.
func NewLatestSink() *LatestSink {
	return &LatestSink{latest: make(map[uuid.UUID]progress.Update)}
}

// Consume replaces the retained snapshot for every run in the batch.
func (s *LatestSink) Consume(_ context.Context, batch []progress.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range batch {
		if prev, ok := s.latest[u.RunID]; ok && prev.TS.After(u.TS) {
			continue
		}
		u.Snapshot = u.Snapshot.Clone()
		s.latest[u.RunID] = u
	}
	return nil
}

// Latest returns the retained snapshot for the run, if any.
func (s *LatestSink) Latest(runID uuid.UUID) (progress.Update, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[runID]
	if !ok {
		return progress.Update{}, false
	}
	u.Snapshot = u.Snapshot.Clone()
	return u, true
}

// Forget drops the retained snapshot for a run, bounding memory for
// long-lived processes.
func (s *LatestSink) Forget(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, runID)
}

// Close implements the Sink interface; it performs no action.
func (s *LatestSink) Close(context.Context) error {
	return nil
}
