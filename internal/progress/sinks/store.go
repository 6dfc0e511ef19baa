package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/progress"
	"github.com/pmcateer/orphancalc/internal/store"
)

// StoreSink persists snapshot deltas via a store.RunRepository. It tracks a
// high-water mark per run so coalesced batches still produce one row per
// completed or skipped query.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger

	mu   sync.Mutex
	seen map[uuid.UUID]*storeState
}

type storeState struct {
	started     bool
	queriesSeen int
	skipsSeen   int
	// nextPosition is a single per-run counter shared by completed and
	// skipped rows, so the two kinds can never collide on (run, position).
	nextPosition int
	completed    bool
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{
		repo:   repo,
		logger: logger,
		seen:   make(map[uuid.UUID]*storeState),
	}
}

// Consume forwards run lifecycle and query rows to the repository. It
// respects ctx deadlines and returns repository errors verbatim so the hub
// can log them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Update) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, u := range batch {
		if err := s.consumeUpdate(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) consumeUpdate(ctx context.Context, u progress.Update) error {
	state := s.state(u.RunID)
	if state.completed {
		return nil
	}

	if !state.started {
		if err := s.repo.UpsertRunStart(ctx, u.RunID, u.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
		state.started = true
	}

	snap := u.Snapshot
	if err := s.repo.UpdateRunProgress(
		ctx,
		u.RunID,
		string(snap.Phase),
		snap.TotalConcepts,
		snap.RemainingCandidates,
	); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}

	// Rows are persisted in the order they first appear across snapshots,
	// each taking the next slot of the shared per-run counter. Counters
	// advance per row so a repository error resumes where it left off.
	for _, q := range tail(snap.CompletedQueries, state.queriesSeen) {
		if err := s.repo.RecordQueryResult(ctx, u.RunID, state.nextPosition, q, u.TS); err != nil {
			return fmt.Errorf("record query result %q: %w", q.Name, err)
		}
		state.queriesSeen++
		state.nextPosition++
	}

	for _, name := range tail(snap.SkippedQueries, state.skipsSeen) {
		if err := s.repo.RecordSkippedQuery(ctx, u.RunID, state.nextPosition, name, u.TS); err != nil {
			return fmt.Errorf("record skipped query %q: %w", name, err)
		}
		state.skipsSeen++
		state.nextPosition++
	}

	// Terminal state is kept so a replayed complete snapshot stays a no-op.
	if snap.Phase == orphan.PhaseComplete && !state.completed {
		if err := s.repo.CompleteRun(ctx, u.RunID, u.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		state.completed = true
	}
	return nil
}

func (s *StoreSink) state(id uuid.UUID) *storeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.seen[id]
	if state == nil {
		state = &storeState{}
		s.seen[id] = state
	}
	return state
}

// Forget drops the per-run bookkeeping once a run is terminal.
func (s *StoreSink) Forget(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, runID)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
