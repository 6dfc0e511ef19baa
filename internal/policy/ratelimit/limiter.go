// Package ratelimit implements a token bucket pacer for exclusion queries.
// It spaces the database-heavy exclusion queries out so a calculation run
// does not monopolize the concept store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/pmcateer/orphancalc/internal/telemetry"
)

// Config holds pacer configuration.
type Config struct {
	// QueriesPerSecond caps how often exclusion queries start. Zero or
	// negative means unlimited.
	QueriesPerSecond float64
	// Burst is the number of queries that may start without waiting.
	Burst int
}

// Pacer throttles exclusion query starts with a token bucket.
type Pacer struct {
	limiter *rate.Limiter
}

// New creates a new Pacer.
func New(cfg Config) *Pacer {
	r := rate.Limit(cfg.QueriesPerSecond)
	if cfg.QueriesPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context. Delays
// above a millisecond are recorded so pacing pressure shows up in metrics.
func (p *Pacer) Wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		telemetry.ObservePaceDelay(delay)
	}
	return nil
}
