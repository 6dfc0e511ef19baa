package progress

import (
	"context"

	"github.com/google/uuid"
)

// Sink consumes batches of snapshot updates. Batches are coalesced: at most
// one Update per run, ordered by run ID registration within the flush window.
// Implementations must be safe for repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Update) error
	Close(ctx context.Context) error
}

// RunForgetter is implemented by sinks that hold per-run state. The hub
// calls Forget once a run is finished so state does not accumulate across
// the process lifetime.
type RunForgetter interface {
	Forget(runID uuid.UUID)
}

// Emitter publishes individual updates; Hub satisfies this interface so the
// runner can stay agnostic about buffering and delivery. Forget signals that
// a run is terminal and its buffered state can be released.
type Emitter interface {
	Emit(u Update)
	Forget(runID uuid.UUID)
}
