package session

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/depth"
)

// LogObserver writes every milestone to a structured logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver returns an observer logging at info level.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

// Notify implements depth.Observer.
func (o *LogObserver) Notify(evt depth.MilestoneReached) error {
	o.logger.Info(evt.String(),
		zap.Float64("percentage", evt.Percentage),
		zap.Int64("attention_ms", evt.AttentionMillis()),
	)
	return nil
}
