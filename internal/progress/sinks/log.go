package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or when no other sink is configured.
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

// Consume logs each event in the batch using structured fields. Failures are
// logged at warn so they stand out from routine progress.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", string(evt.Status)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.ID != "" {
			fields = append(fields, zap.String("id", evt.ID))
		}
		if evt.URLs > 0 {
			fields = append(fields, zap.Int("urls", evt.URLs))
		}
		if evt.Multiplier > 0 {
			fields = append(fields, zap.Float64("multiplier", evt.Multiplier))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Status == progress.StatusError || evt.Status == progress.StatusFailed {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
