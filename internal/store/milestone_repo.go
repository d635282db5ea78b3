package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("milestone record not found")

// MilestoneRecord models one row of the milestone_events table.
type MilestoneRecord struct {
	// SessionID is the tracker session that fired the milestone.
	SessionID uuid.UUID
	// MilestoneIndex is the position of the milestone in the session's list.
	MilestoneIndex int
	// Milestone is the configured fraction.
	Milestone float64
	// Percentage is Milestone on a 0-100 scale.
	Percentage float64
	// AttentionMillis is the session time elapsed when the milestone fired.
	AttentionMillis int64
	// ReachedAt is when the satisfying sample was observed.
	ReachedAt time.Time
	// URL and Label are optional session metadata.
	URL   string
	Label string
}

// MilestoneRepository persists fired milestones.
type MilestoneRepository interface {
	// RecordMilestones inserts the records; a (session, index) pair already
	// stored is ignored so redelivered batches stay idempotent.
	RecordMilestones(ctx context.Context, records []MilestoneRecord) error
	// ListMilestones returns the records of one session ordered by percentage.
	ListMilestones(ctx context.Context, sessionID uuid.UUID) ([]MilestoneRecord, error)
	// Close releases the underlying connection.
	Close() error
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
