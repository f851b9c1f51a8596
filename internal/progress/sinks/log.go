package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.DirectoryID != "" {
			fields = append(fields, zap.String("directory_id", evt.DirectoryID), zap.String("site", evt.Site))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", evt.Status))
		}
		if evt.Category != "" {
			fields = append(fields, zap.String("category", evt.Category))
		}
		if evt.Tier != "" {
			fields = append(fields, zap.String("mapping_tier", evt.Tier))
		}
		if evt.Retries > 0 {
			fields = append(fields, zap.Int("retries", evt.Retries))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Form != nil {
			fields = append(fields,
				zap.String("previous_signature", evt.Form.PreviousSignature),
				zap.String("signature", evt.Form.Signature),
				zap.String("dom_checksum", evt.Form.DOMChecksum),
			)
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
