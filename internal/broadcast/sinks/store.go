package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/store"
)

// StoreSink persists each batch through a store.MilestoneRepository.
type StoreSink struct {
	repo store.MilestoneRepository
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.MilestoneRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

// Consume writes the whole batch in one repository call.
func (s *StoreSink) Consume(ctx context.Context, batch []broadcast.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	records := make([]store.MilestoneRecord, 0, len(batch))
	for _, evt := range batch {
		records = append(records, toRecord(evt))
	}
	if err := s.repo.RecordMilestones(ctx, records); err != nil {
		return fmt.Errorf("record milestones: %w", err)
	}
	return nil
}

func toRecord(evt broadcast.Event) store.MilestoneRecord {
	return store.MilestoneRecord{
		SessionID:       evt.SessionID,
		MilestoneIndex:  evt.Index,
		Milestone:       evt.Milestone,
		Percentage:      evt.Percentage,
		AttentionMillis: evt.AttentionMillis,
		ReachedAt:       evt.TS,
		URL:             evt.URL,
		Label:           evt.Label,
	}
}

// Close implements the Sink interface. The repository is owned by the caller.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
