// Package simple contains the default exclusion gating policy.
package simple

// Policy decides whether an exclusion query is worth running. Queries
// listed as disabled are always skipped, and every query is skipped once
// no candidates remain to exclude.
type Policy struct {
	disabled map[string]struct{}
}

// New creates a Policy that skips the named queries.
func New(disabled ...string) *Policy {
	set := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		set[name] = struct{}{}
	}
	return &Policy{disabled: set}
}

// AllowQuery reports whether the named query should run given the number of
// remaining candidates.
func (p *Policy) AllowQuery(name string, remaining int) bool {
	if remaining <= 0 {
		return false
	}
	_, off := p.disabled[name]
	return !off
}
