package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ConceptStore implements orphan.ConceptSource over fixed in-memory data.
// It backs development mode and lets a deployment run the calculation
// against a seeded concept set without Postgres.
type ConceptStore struct {
	mu       sync.RWMutex
	concepts []string
	excluded map[string][]string
}

// NewConceptStore constructs a ConceptStore with the given concept IDs and
// a map of exclusion query name to the IDs that query disqualifies.
func NewConceptStore(concepts []string, excluded map[string][]string) *ConceptStore {
	ids := append([]string(nil), concepts...)
	sort.Strings(ids)
	byQuery := make(map[string][]string, len(excluded))
	for name, list := range excluded {
		byQuery[name] = append([]string(nil), list...)
	}
	return &ConceptStore{concepts: ids, excluded: byQuery}
}

// CountConcepts returns the total concept population.
func (s *ConceptStore) CountConcepts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.concepts), nil
}

// FetchConceptIDs returns one page of concept IDs in stable order.
func (s *ConceptStore) FetchConceptIDs(_ context.Context, offset, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.concepts) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.concepts) {
		end = len(s.concepts)
	}
	out := make([]string, end-offset)
	copy(out, s.concepts[offset:end])
	return out, nil
}

// ReferencedConceptIDs resolves a named exclusion query.
func (s *ConceptStore) ReferencedConceptIDs(_ context.Context, queryName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.excluded[queryName]
	if !ok {
		return nil, fmt.Errorf("unknown exclusion query %q", queryName)
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
