package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/progress"
)

// LogSink emits structured logs for debugging snapshot streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each snapshot in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Update) error {
	for _, u := range batch {
		fields := []zap.Field{
			zap.String("run_id", u.RunID.String()),
			zap.String("phase", string(u.Snapshot.Phase)),
			zap.Int("total_concepts", u.Snapshot.TotalConcepts),
			zap.Int("fetched_concepts", u.Snapshot.FetchedConcepts),
			zap.Int("remaining_candidates", u.Snapshot.RemainingCandidates),
			zap.Int("completed_queries", len(u.Snapshot.CompletedQueries)),
			zap.Int("skipped_queries", len(u.Snapshot.SkippedQueries)),
		}
		if u.Snapshot.CurrentQueryName != nil {
			fields = append(fields, zap.String("current_query", *u.Snapshot.CurrentQueryName))
		}
		s.logger.Info("calculation snapshot", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
