package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrolldepth/internal/store"
)

func TestMilestoneStoreRecordAndList(t *testing.T) {
	t.Parallel()

	s := NewMilestoneStore()
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.RecordMilestones(context.Background(), []store.MilestoneRecord{
		{SessionID: id, MilestoneIndex: 0, Milestone: 1.0, Percentage: 100, AttentionMillis: 900, ReachedAt: now},
		{SessionID: id, MilestoneIndex: 1, Milestone: 0.25, Percentage: 25, AttentionMillis: 300, ReachedAt: now},
	}))
	require.NoError(t, s.RecordMilestones(context.Background(), []store.MilestoneRecord{
		{SessionID: id, MilestoneIndex: 1, Milestone: 0.25, Percentage: 25, AttentionMillis: 999, ReachedAt: now},
	}))

	recs, err := s.ListMilestones(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, 25.0, recs[0].Percentage)
	require.Equal(t, int64(300), recs[0].AttentionMillis)
	require.Equal(t, 100.0, recs[1].Percentage)

	recs[0].Percentage = -1
	again, err := s.ListMilestones(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 25.0, again[0].Percentage)
}

func TestMilestoneStoreUnknownSession(t *testing.T) {
	t.Parallel()

	s := NewMilestoneStore()
	_, err := s.ListMilestones(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.Close())
}
