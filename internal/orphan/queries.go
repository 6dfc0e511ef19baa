package orphan

import (
	"context"
	"time"
)

// QuerySpec describes one exclusion query in the configured execution order.
type QuerySpec struct {
	// Name identifies the query to the ConceptSource.
	Name string
	// Enabled queries run; disabled ones are recorded as skipped.
	Enabled bool
}

// ConceptSource supplies the concept population and resolves exclusion
// queries. Implementations must be safe for concurrent use and honor ctx
// deadlines.
type ConceptSource interface {
	// CountConcepts returns the total number of concepts in scope.
	CountConcepts(ctx context.Context) (int, error)
	// FetchConceptIDs returns one page of concept IDs in a stable order.
	FetchConceptIDs(ctx context.Context, offset, limit int) ([]string, error)
	// ReferencedConceptIDs resolves the named exclusion query to the set of
	// concept IDs it disqualifies from orphan candidacy.
	ReferencedConceptIDs(ctx context.Context, queryName string) ([]string, error)
}

// Policy decides whether an enabled query should actually run given the
// number of remaining candidates. Rejected queries are recorded as skipped.
type Policy interface {
	AllowQuery(name string, remaining int) bool
}

// Pacer throttles source access between exclusion queries.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
