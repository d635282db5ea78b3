package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
)

// LogSink emits one structured log line per milestone event.
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
func (s *LogSink) Consume(_ context.Context, batch []broadcast.Event) error {
	for _, evt := range batch {
		s.logger.Info(evt.Channel,
			zap.Stringer("session_id", evt.SessionID),
			zap.Int("index", evt.Index),
			zap.Float64("percentage", evt.Percentage),
			zap.Int64("attention_ms", evt.AttentionMillis),
			zap.Time("ts", evt.TS),
			zap.String("url", evt.URL),
			zap.String("label", evt.Label),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
