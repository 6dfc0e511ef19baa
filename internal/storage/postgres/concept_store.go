package postgres

import (
	"context"
	"errors"
	"fmt"
)

// Exclusion query names the ConceptStore can resolve. The configured query
// order references these labels.
const (
	QueryExcludeDeprecated      = "exclude-deprecated"
	QueryExcludeReferenced      = "exclude-referenced"
	QueryExcludeEmbedded        = "exclude-embedded"
	QueryExcludePinned          = "exclude-pinned"
	QueryExcludeRecentlyUpdated = "exclude-recently-updated"
)

// exclusionSQL maps query names to the SQL that yields disqualified concept
// IDs. A concept returned by any of these has a qualifying relationship and
// therefore cannot be an orphan.
var exclusionSQL = map[string]string{
	QueryExcludeDeprecated: `
		SELECT id FROM concepts WHERE deprecated;`,
	QueryExcludeReferenced: `
		SELECT DISTINCT target_id FROM concept_links WHERE kind = 'reference';`,
	QueryExcludeEmbedded: `
		SELECT DISTINCT target_id FROM concept_links WHERE kind = 'embed';`,
	QueryExcludePinned: `
		SELECT id FROM concepts WHERE pinned;`,
	QueryExcludeRecentlyUpdated: `
		SELECT id FROM concepts WHERE updated_at > now() - interval '30 days';`,
}

// KnownQueries returns the resolvable exclusion query names.
func KnownQueries() []string {
	return []string{
		QueryExcludeDeprecated,
		QueryExcludeReferenced,
		QueryExcludeEmbedded,
		QueryExcludePinned,
		QueryExcludeRecentlyUpdated,
	}
}

// ConceptStore implements orphan.ConceptSource against the concepts and
// concept_links tables.
type ConceptStore struct {
	pool dbPool
}

// NewConceptStore constructs a ConceptStore over an existing pool.
func NewConceptStore(pool dbPool) (*ConceptStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ConceptStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ConceptStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CountConcepts returns the total concept population.
func (s *ConceptStore) CountConcepts(ctx context.Context) (int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM concepts;`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count concepts: %w", err)
	}
	return total, nil
}

// FetchConceptIDs returns one page of concept IDs in stable id order.
func (s *ConceptStore) FetchConceptIDs(ctx context.Context, offset, limit int) ([]string, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT id FROM concepts ORDER BY id LIMIT $1 OFFSET $2;`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch concept ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan concept id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concept ids: %w", err)
	}
	return ids, nil
}

// ReferencedConceptIDs resolves a named exclusion query.
func (s *ConceptStore) ReferencedConceptIDs(ctx context.Context, queryName string) ([]string, error) {
	sql, ok := exclusionSQL[queryName]
	if !ok {
		return nil, fmt.Errorf("unknown exclusion query %q", queryName)
	}
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("run exclusion query %q: %w", queryName, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan excluded id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate excluded ids: %w", err)
	}
	return ids, nil
}
