package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
)

// PrometheusSink exports milestone counters and attention-time distributions.
type PrometheusSink struct {
	milestonesReached *prometheus.CounterVec
	attentionSeconds  *prometheus.HistogramVec
	lastEvent         prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		milestonesReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrolldepth_milestones_reached_total",
			Help: "Milestones reached partitioned by percentage.",
		}, []string{"percentage"}),
		attentionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrolldepth_attention_seconds",
			Help:    "Attention time at which each milestone was reached.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"percentage"}),
		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrolldepth_last_milestone_timestamp_seconds",
			Help: "Unix time of the most recent milestone event.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.milestonesReached,
		s.attentionSeconds,
		s.lastEvent,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register milestone collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []broadcast.Event) error {
	var latest float64
	for _, evt := range batch {
		label := percentageLabel(evt.Percentage)
		s.milestonesReached.WithLabelValues(label).Inc()
		s.attentionSeconds.WithLabelValues(label).Observe(float64(evt.AttentionMillis) / 1000)
		if ts := float64(evt.TS.UnixNano()) / 1e9; ts > latest {
			latest = ts
		}
	}
	if latest > 0 {
		s.lastEvent.Set(latest)
	}
	return nil
}

// percentageLabel keeps label cardinality readable: 50 -> "50", 33.3 -> "33.3".
func percentageLabel(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
