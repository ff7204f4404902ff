package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/progress"
)

// LogSink writes one debug line per progress event.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Debug("progress event",
			zap.String("job_id", evt.JobID),
			zap.String("status", string(evt.Status)),
			zap.Int("progress_percent", evt.ProgressPercent),
			zap.String("current_step", evt.CurrentStep),
			zap.Int("pages_discovered", evt.Counters.PagesDiscovered),
			zap.Int("pages_selected", evt.Counters.PagesSelected),
			zap.Int("pages_scanned", evt.Counters.PagesScanned),
			zap.String("error_message", evt.ErrorMessage),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
