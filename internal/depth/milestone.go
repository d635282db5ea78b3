package depth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ChannelName is the name of the ambient broadcast channel that carries every
// fired milestone.
const ChannelName = "scrollDepthReached"

// ErrNoMilestones is returned by New when the milestone list is empty.
var ErrNoMilestones = errors.New("depth: at least one milestone is required")

// MilestoneReached describes a milestone that fired for the first time.
type MilestoneReached struct {
	// Index is the position of the milestone in Tracker.Milestones.
	Index int
	// Milestone is the configured fraction of the scrollable extent.
	Milestone float64
	// Percentage is Milestone expressed on a 0-100 scale.
	Percentage float64
	// AttentionTime is the time elapsed between session start and the sample
	// that first satisfied the milestone.
	AttentionTime time.Duration
}

// AttentionMillis returns AttentionTime in whole milliseconds.
func (m MilestoneReached) AttentionMillis() int64 {
	return m.AttentionTime.Milliseconds()
}

// String renders the event the way the console observer logs it.
func (m MilestoneReached) String() string {
	return fmt.Sprintf("%v%% reached with %dms attention time", m.Percentage, m.AttentionMillis())
}

type milestonePayload struct {
	Percentage    float64 `json:"percentage"`
	AttentionTime int64   `json:"attentionTime"`
}

// MarshalJSON encodes the broadcast payload shape {percentage, attentionTime}
// with attentionTime in milliseconds.
func (m MilestoneReached) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(milestonePayload{
		Percentage:    m.Percentage,
		AttentionTime: m.AttentionMillis(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal milestone: %w", err)
	}
	return data, nil
}
