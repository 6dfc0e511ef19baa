package progress

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pmcateer/orphancalc/internal/orphan"
)

// Update carries one Progress snapshot for one calculation run. Later
// updates for the same run supersede earlier ones; consumers only ever need
// the most recent snapshot.
type Update struct {
	// RunID identifies the calculation run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Snapshot is the point-in-time calculation state.
	Snapshot orphan.Progress
}

// Validate performs coarse validation on Update payloads.
func (u Update) Validate() error {
	if u.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if u.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return u.Snapshot.Validate()
}
