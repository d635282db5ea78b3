package broadcast

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/scrolldepth/internal/depth"
)

// Event is one milestone announcement on the broadcast channel.
type Event struct {
	// Channel names the broadcast channel; always depth.ChannelName today.
	Channel string `json:"channel"`
	// SessionID identifies the tracker session that fired the milestone.
	SessionID uuid.UUID `json:"session_id"`
	// Index is the position of the milestone in the session's list.
	Index int `json:"index"`
	// Milestone is the configured fraction.
	Milestone float64 `json:"milestone"`
	// Percentage is Milestone on a 0-100 scale.
	Percentage float64 `json:"percentage"`
	// AttentionMillis is the elapsed session time in milliseconds.
	AttentionMillis int64 `json:"attentionTime"`
	// TS is the time the sample that fired the milestone was observed.
	TS time.Time `json:"ts"`
	// URL optionally identifies the tracked document.
	URL string `json:"url,omitempty"`
	// Label is an optional caller-supplied tag for the session.
	Label string `json:"label,omitempty"`
	// SpanContext identifies the sample span that fired the milestone. Sinks
	// use it as the parent of their delivery spans; it is never serialized.
	SpanContext trace.SpanContext `json:"-"`
}

// FromMilestone builds an Event for a milestone fired by session id.
func FromMilestone(id uuid.UUID, evt depth.MilestoneReached, ts time.Time) Event {
	return Event{
		Channel:         depth.ChannelName,
		SessionID:       id,
		Index:           evt.Index,
		Milestone:       evt.Milestone,
		Percentage:      evt.Percentage,
		AttentionMillis: evt.AttentionMillis(),
		TS:              ts,
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == uuid.Nil {
		return errors.New("session id is required")
	}
	if e.Channel == "" {
		return errors.New("channel is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.AttentionMillis < 0 {
		return errors.New("attention time must be >= 0")
	}
	if math.IsNaN(e.Percentage) || math.IsInf(e.Percentage, 0) {
		return errors.New("percentage must be finite")
	}
	return nil
}

// Attributes returns the routing attributes attached to published messages.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"channel":    e.Channel,
		"session_id": e.SessionID.String(),
	}
	if e.Label != "" {
		attrs["label"] = e.Label
	}
	return attrs
}
