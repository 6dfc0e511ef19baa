package runner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pmcateer/orphancalc/internal/orphan"
)

// Report is the archived record of one finished calculation run.
type Report struct {
	RunID            uuid.UUID            `json:"runId"`
	StartedAt        time.Time            `json:"startedAt"`
	FinishedAt       time.Time            `json:"finishedAt"`
	TotalConcepts    int                  `json:"totalConcepts"`
	OrphanConceptIDs []string             `json:"orphanConceptIds"`
	Queries          []orphan.QueryResult `json:"queries"`
	SkippedQueries   []string             `json:"skippedQueries"`
}

// MarshalIndentJSON renders the report for archival.
func (r Report) MarshalIndentJSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report json: %w", err)
	}
	return data, nil
}
