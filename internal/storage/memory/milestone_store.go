// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/scrolldepth/internal/store"
)

type recordKey struct {
	session uuid.UUID
	index   int
}

// MilestoneStore keeps milestone records in memory.
type MilestoneStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]store.MilestoneRecord
	seen    map[recordKey]struct{}
}

// NewMilestoneStore constructs an empty MilestoneStore.
func NewMilestoneStore() *MilestoneStore {
	return &MilestoneStore{
		records: make(map[uuid.UUID][]store.MilestoneRecord),
		seen:    make(map[recordKey]struct{}),
	}
}

// RecordMilestones stores records, skipping (session, index) pairs already seen.
func (s *MilestoneStore) RecordMilestones(_ context.Context, records []store.MilestoneRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		key := recordKey{session: rec.SessionID, index: rec.MilestoneIndex}
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	}
	return nil
}

// ListMilestones returns a copy of the session's records ordered by percentage.
func (s *MilestoneStore) ListMilestones(_ context.Context, sessionID uuid.UUID) ([]store.MilestoneRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.records[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := slices.Clone(recs)
	slices.SortStableFunc(out, func(a, b store.MilestoneRecord) int {
		return cmp.Compare(a.Percentage, b.Percentage)
	})
	return out, nil
}

// Close implements store.MilestoneRepository.
func (s *MilestoneStore) Close() error {
	return nil
}
