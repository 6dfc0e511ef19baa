package orphan

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

const defaultPageSize = 500

// CalculatorConfig controls one calculation run.
type CalculatorConfig struct {
	// PageSize bounds each FetchConceptIDs call (default 500).
	PageSize int
	// Queries is the ordered exclusion query list.
	Queries []QuerySpec
}

// Result is the terminal outcome of a calculation run.
type Result struct {
	// OrphanIDs are the concepts no exclusion query claimed, sorted.
	OrphanIDs []string
	// Final is the complete-phase snapshot.
	Final Progress
}

// Calculator executes the orphan computation: fetch every concept, run the
// exclusion queries in order, and report whatever survives as orphans. It
// emits a snapshot through the callback after every observable change.
type Calculator struct {
	source ConceptSource
	policy Policy
	pacer  Pacer
	clock  Clock
	logger *zap.Logger
	cfg    CalculatorConfig
}

// NewCalculator wires a Calculator. Policy and pacer are optional; a nil
// policy allows every enabled query and a nil pacer never waits.
func NewCalculator(
	source ConceptSource,
	policy Policy,
	pacer Pacer,
	clock Clock,
	cfg CalculatorConfig,
	logger *zap.Logger,
) (*Calculator, error) {
	if source == nil {
		return nil, errors.New("concept source is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		source: source,
		policy: policy,
		pacer:  pacer,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Run drives the phase machine to completion. Every emitted snapshot is a
// deep copy, so the callback owns what it receives. Cancellation aborts
// between source operations and returns the context error.
func (c *Calculator) Run(ctx context.Context, emit Callback) (Result, error) {
	snap := NewInitialProgress()
	c.notify(emit, snap)

	candidates, order, err := c.fetchAll(ctx, &snap, emit)
	if err != nil {
		return Result{}, err
	}

	if err := c.runExclusions(ctx, candidates, &snap, emit); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("calculation aborted: %w", err)
	}

	snap.Phase = PhaseCalculating
	c.notify(emit, snap)

	orphans := make([]string, 0, len(candidates))
	for _, id := range order {
		if _, ok := candidates[id]; ok {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)

	snap.Phase = PhaseComplete
	c.notify(emit, snap)
	c.logger.Info("calculation complete",
		zap.Int("total_concepts", snap.TotalConcepts),
		zap.Int("orphans", len(orphans)),
		zap.Int("completed_queries", len(snap.CompletedQueries)),
		zap.Int("skipped_queries", len(snap.SkippedQueries)),
	)
	return Result{OrphanIDs: orphans, Final: snap.Clone()}, nil
}

func (c *Calculator) fetchAll(
	ctx context.Context,
	snap *Progress,
	emit Callback,
) (map[string]struct{}, []string, error) {
	total, err := c.source.CountConcepts(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("count concepts: %w", err)
	}

	snap.Phase = PhaseFetchingAll
	snap.TotalConcepts = total
	c.notify(emit, *snap)

	candidates := make(map[string]struct{}, total)
	order := make([]string, 0, total)
	for offset := 0; offset < total; offset += c.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("fetch aborted: %w", err)
		}
		ids, err := c.source.FetchConceptIDs(ctx, offset, c.cfg.PageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch concepts at offset %d: %w", offset, err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if _, dup := candidates[id]; dup {
				continue
			}
			candidates[id] = struct{}{}
			order = append(order, id)
		}
		snap.FetchedConcepts = len(order)
		snap.RemainingCandidates = len(order)
		c.notify(emit, *snap)
	}
	// The count can drift while paging; trust what was actually fetched.
	snap.TotalConcepts = len(order)
	snap.FetchedConcepts = len(order)
	snap.RemainingCandidates = len(order)
	return candidates, order, nil
}

func (c *Calculator) runExclusions(
	ctx context.Context,
	candidates map[string]struct{},
	snap *Progress,
	emit Callback,
) error {
	snap.Phase = PhaseRunningExclusions
	c.notify(emit, *snap)

	cumulative := 0
	for _, spec := range c.cfg.Queries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("exclusions aborted: %w", err)
		}
		if !spec.Enabled || !c.allowQuery(spec.Name, len(candidates)) {
			snap.SkippedQueries = append(snap.SkippedQueries, spec.Name)
			c.logger.Debug("exclusion query skipped", zap.String("query", spec.Name))
			c.notify(emit, *snap)
			continue
		}

		name := spec.Name
		snap.CurrentQueryName = &name
		c.notify(emit, *snap)

		if err := c.wait(ctx); err != nil {
			return fmt.Errorf("pace query %q: %w", spec.Name, err)
		}
		started := c.clock.Now()
		referenced, err := c.source.ReferencedConceptIDs(ctx, spec.Name)
		if err != nil {
			return fmt.Errorf("exclusion query %q: %w", spec.Name, err)
		}
		excluded := 0
		for _, id := range referenced {
			if _, ok := candidates[id]; ok {
				delete(candidates, id)
				excluded++
			}
		}
		cumulative += excluded

		snap.CurrentQueryName = nil
		snap.RemainingCandidates = len(candidates)
		snap.CompletedQueries = append(snap.CompletedQueries, QueryResult{
			Name:               spec.Name,
			ExcludedCount:      excluded,
			CumulativeExcluded: cumulative,
			RemainingAfter:     len(candidates),
			Duration:           c.clock.Now().Sub(started),
		})
		c.notify(emit, *snap)
	}
	return nil
}

func (c *Calculator) allowQuery(name string, remaining int) bool {
	if c.policy == nil {
		return true
	}
	return c.policy.AllowQuery(name, remaining)
}

func (c *Calculator) wait(ctx context.Context) error {
	if c.pacer == nil {
		return nil
	}
	return c.pacer.Wait(ctx)
}

func (c *Calculator) notify(emit Callback, snap Progress) {
	if emit == nil {
		return
	}
	emit(snap.Clone())
}
