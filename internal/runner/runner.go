// Package runner executes queued calculation runs.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/orphan"
	"github.com/pmcateer/orphancalc/internal/progress"
	"github.com/pmcateer/orphancalc/internal/queue"
	"github.com/pmcateer/orphancalc/internal/store"
	"github.com/pmcateer/orphancalc/internal/telemetry"
)

// BlobStore persists the final report and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits run lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) (string, error)
}

// Hasher produces content digests for report object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Event types published on run completion.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCanceled  = "run.canceled"
)

// defaultFinalizeTimeout bounds terminal bookkeeping (status row, report
// archive, event publish) when Config does not set one.
const defaultFinalizeTimeout = 30 * time.Second

// Config controls Runner behavior.
type Config struct {
	// ContentType for archived reports. Defaults to application/json.
	ContentType string
	// BlobPrefix is prepended to report object paths.
	BlobPrefix string
	// PageSize bounds concept fetch pages.
	PageSize int
	// Queries is the configured exclusion query order.
	Queries []orphan.QuerySpec
	// FinalizeTimeout bounds the terminal bookkeeping of a finished run.
	// Defaults to 30s.
	FinalizeTimeout time.Duration
}

// Runner consumes run requests and drives calculations to completion.
// Progress snapshots flow through the emitter; the runner itself only
// persists the outcomes that snapshots cannot carry (failures, cancels,
// and the archived report location).
type Runner struct {
	queue     queue.Queue
	repo      store.RunRepository
	blobStore BlobStore
	publisher Publisher
	hasher    Hasher
	clock     orphan.Clock
	source    orphan.ConceptSource
	policy    orphan.Policy
	pacer     orphan.Pacer
	emitter   progress.Emitter
	cancels   *CancelRegistry
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Runner.
func New(
	q queue.Queue,
	repo store.RunRepository,
	blobStore BlobStore,
	publisher Publisher,
	hasher Hasher,
	clock orphan.Clock,
	source orphan.ConceptSource,
	policy orphan.Policy,
	pacer orphan.Pacer,
	emitter progress.Emitter,
	cancels *CancelRegistry,
	cfg Config,
	logger *zap.Logger,
) (*Runner, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if repo == nil {
		return nil, errors.New("run repository is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if source == nil {
		return nil, errors.New("concept source is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		queue:     q,
		repo:      repo,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		source:    source,
		policy:    policy,
		pacer:     pacer,
		emitter:   emitter,
		cancels:   cancels,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run blocks, consuming run requests until the context finishes.
func (r *Runner) Run(ctx context.Context) {
	for {
		req, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			r.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		r.logger.Debug("dequeued run", zap.String("run_id", req.RunID.String()))
		r.processRun(ctx, req)
	}
}

func (r *Runner) processRun(ctx context.Context, req queue.RunRequest) {
	telemetry.IncActiveRunners()
	defer telemetry.DecActiveRunners()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.cancels != nil {
		r.cancels.Register(req.RunID, cancel)
		defer r.cancels.Deregister(req.RunID)
	}
	// Release sink state after the final snapshot; emits above are
	// synchronous so LIFO ordering puts this after everything else.
	defer r.emitter.Forget(req.RunID)

	startedAt := r.clock.Now()
	calc, err := orphan.NewCalculator(
		r.source,
		r.policy,
		r.pacer,
		r.clock,
		orphan.CalculatorConfig{
			PageSize: r.cfg.PageSize,
			Queries:  r.selectQueries(req.Queries),
		},
		r.logger.With(zap.String("run_id", req.RunID.String())),
	)
	if err != nil {
		r.failRun(req.RunID, fmt.Errorf("build calculator: %w", err))
		return
	}

	result, err := calc.Run(runCtx, func(snap orphan.Progress) {
		r.emitter.Emit(progress.Update{
			RunID:    req.RunID,
			TS:       r.clock.Now(),
			Snapshot: snap,
		})
	})
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			r.cancelRun(req.RunID)
			return
		}
		r.failRun(req.RunID, err)
		return
	}

	r.finishRun(req.RunID, startedAt, result)
}

// finalizeContext returns a fresh context for terminal bookkeeping. It is
// minted when the run ends, never earlier, and is detached from the run
// context so a canceled run or a shutting-down process still records its
// outcome.
func (r *Runner) finalizeContext() (context.Context, context.CancelFunc) {
	timeout := r.cfg.FinalizeTimeout
	if timeout <= 0 {
		timeout = defaultFinalizeTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// selectQueries applies an optional per-request subset to the configured
// query order. Unknown names are ignored; order always follows config.
func (r *Runner) selectQueries(subset []string) []orphan.QuerySpec {
	if len(subset) == 0 {
		return r.cfg.Queries
	}
	wanted := make(map[string]struct{}, len(subset))
	for _, name := range subset {
		wanted[name] = struct{}{}
	}
	var specs []orphan.QuerySpec
	for _, spec := range r.cfg.Queries {
		if _, ok := wanted[spec.Name]; ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

func (r *Runner) finishRun(runID uuid.UUID, startedAt time.Time, result orphan.Result) {
	ctx, cancel := r.finalizeContext()
	defer cancel()

	finishedAt := r.clock.Now()
	report := Report{
		RunID:            runID,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
		TotalConcepts:    result.Final.TotalConcepts,
		OrphanConceptIDs: result.OrphanIDs,
		Queries:          result.Final.CompletedQueries,
		SkippedQueries:   result.Final.SkippedQueries,
	}

	uri, err := r.archiveReport(ctx, report)
	if err != nil {
		r.logger.Error("archive report failed", zap.String("run_id", runID.String()), zap.Error(err))
	} else if uri != "" {
		if err := r.repo.SetReportURI(ctx, runID, uri); err != nil {
			r.logger.Error("set report uri failed", zap.String("run_id", runID.String()), zap.Error(err))
		}
	}

	r.publishEvent(ctx, EventRunCompleted, map[string]any{
		"run_id":     runID.String(),
		"orphans":    len(result.OrphanIDs),
		"total":      result.Final.TotalConcepts,
		"report_uri": uri,
		"timestamp":  finishedAt.Format(time.RFC3339),
	})
	r.logger.Info("run complete",
		zap.String("run_id", runID.String()),
		zap.Int("orphans", len(result.OrphanIDs)),
		zap.String("report_uri", uri),
	)
}

func (r *Runner) failRun(runID uuid.UUID, runErr error) {
	ctx, cancel := r.finalizeContext()
	defer cancel()

	msg := runErr.Error()
	if err := r.repo.CompleteRun(ctx, runID, r.clock.Now(), store.RunError, &msg); err != nil {
		r.logger.Error("record run failure failed", zap.String("run_id", runID.String()), zap.Error(err))
	}
	r.publishEvent(ctx, EventRunFailed, map[string]any{
		"run_id": runID.String(),
		"error":  msg,
	})
	r.logger.Error("run failed", zap.String("run_id", runID.String()), zap.Error(runErr))
}

func (r *Runner) cancelRun(runID uuid.UUID) {
	ctx, cancel := r.finalizeContext()
	defer cancel()

	if err := r.repo.CompleteRun(ctx, runID, r.clock.Now(), store.RunCanceled, nil); err != nil {
		r.logger.Error("record run cancel failed", zap.String("run_id", runID.String()), zap.Error(err))
	}
	r.publishEvent(ctx, EventRunCanceled, map[string]any{
		"run_id": runID.String(),
	})
	r.logger.Info("run canceled", zap.String("run_id", runID.String()))
}

func (r *Runner) archiveReport(ctx context.Context, report Report) (string, error) {
	if r.blobStore == nil {
		return "", nil
	}
	data, err := report.MarshalIndentJSON()
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	name := report.RunID.String()
	if r.hasher != nil {
		hash, err := r.hasher.Hash(data)
		if err != nil {
			return "", fmt.Errorf("hash report: %w", err)
		}
		name = hash
	}

	path := r.buildBlobPath(report.RunID, name)
	uri, err := r.blobStore.PutObject(ctx, path, r.cfg.ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put report object: %w", err)
	}
	return uri, nil
}

func (r *Runner) buildBlobPath(runID uuid.UUID, name string) string {
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", runID, name)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, runID, name)
}

func (r *Runner) publishEvent(ctx context.Context, eventType string, payload map[string]any) {
	if r.publisher == nil {
		return
	}
	if _, err := r.publisher.Publish(ctx, eventType, payload); err != nil {
		r.logger.Error("publish event failed",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
