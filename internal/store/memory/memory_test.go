package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/store"
)

var _ store.Store = (*Store)(nil)

func TestUpsertRaceRequiresExistingEvent(t *testing.T) {
	s := New()
	_, err := s.UpsertRace(context.Background(), domain.Race{
		PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "ev-missing", ProviderRaceID: "r1",
	})
	require.Error(t, err)
}

func TestUpsertParticipantsBatchSkipsStaleLastModified(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertEvent(ctx, domain.Event{PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "ev-1"})
	require.NoError(t, err)
	_, err = s.UpsertRace(ctx, domain.Race{PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "ev-1", ProviderRaceID: "r1"})
	require.NoError(t, err)

	newer := time.Now()
	older := newer.Add(-time.Hour)

	p := domain.Participant{
		PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "ev-1", ProviderRaceID: "r1",
		ProviderParticipantID: "reg-1", LastModified: newer, FirstName: "Newer",
	}
	require.NoError(t, s.UpsertParticipantsBatch(ctx, []domain.Participant{p}, domain.SyncHistoryRow{PartnerID: "p1", ProviderID: "runsignup"}))

	stale := p
	stale.LastModified = older
	stale.FirstName = "Stale"
	require.NoError(t, s.UpsertParticipantsBatch(ctx, []domain.Participant{stale}, domain.SyncHistoryRow{PartnerID: "p1", ProviderID: "runsignup"}))

	assert.Equal(t, "Newer", s.participants[participantKey{"p1", "ev-1", "reg-1"}].FirstName)
}

func TestFutureEventsFiltersByHorizon(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _ = s.UpsertEvent(ctx, domain.Event{PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "near", StartTime: time.Now().Add(time.Hour)})
	_, _ = s.UpsertEvent(ctx, domain.Event{PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "far", StartTime: time.Now().Add(30 * 24 * time.Hour)})

	events, err := s.FutureEvents(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "near", events[0].ProviderEventID)
}

func TestLastSyncTimeOnlyCountsCompleted(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.RecordSync(ctx, domain.SyncHistoryRow{
		PartnerID: "p1", ProviderID: "runsignup", EventID: "ev-1",
		Status: domain.SyncStatusFailed, FinishedAt: time.Now(),
	}))
	last, err := s.LastSyncTime(ctx, "p1", "runsignup", "ev-1")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	completedAt := time.Now()
	require.NoError(t, s.RecordSync(ctx, domain.SyncHistoryRow{
		PartnerID: "p1", ProviderID: "runsignup", EventID: "ev-1",
		Status: domain.SyncStatusCompleted, FinishedAt: completedAt,
	}))
	last, err = s.LastSyncTime(ctx, "p1", "runsignup", "ev-1")
	require.NoError(t, err)
	assert.WithinDuration(t, completedAt, last, time.Millisecond)
}
